package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/naming"
	"github.com/jbweber/vmlease/internal/orders"
	"github.com/jbweber/vmlease/internal/registry"
	"github.com/jbweber/vmlease/internal/status"
)

// Provision creates the VM for a paid order.
//
// The process:
//  1. Verify the order exists, is paid and has no VM yet
//  2. Derive and validate the specification
//  3. Insert the record with status provisioning
//  4. Resolve placement and create the remote object
//  5. Record running with the lease expiry, or error on failure
//
// A failed create keeps the record in the error status; the returned
// *Error has VMInError set.
func (s *Service) Provision(ctx context.Context, orderID string) (_ *v1alpha1.VirtualMachine, err error) {
	ctx, done := s.startOp(ctx, v1alpha1.ActionProvision, attribute.String("order.id", orderID))
	defer func() { done(err) }()

	unlock, err := s.orderLocks.Lock(ctx, orderID)
	if err != nil {
		return nil, &Error{Kind: KindGatewayTransient, OrderID: orderID, Action: v1alpha1.ActionProvision,
			Err: fmt.Errorf("waiting for order lock: %w", err)}
	}
	defer unlock()

	order, err := s.checkOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	spec, err := s.deriveSpec(order)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := v1alpha1.NewVirtualMachine(order, spec, naming.VMName(order.ID, now), naming.Hostname(order.ID, now), now)
	vm, err := s.store.Create(ctx, record)
	if errors.Is(err, registry.ErrOrderExists) {
		return nil, &Error{Kind: KindConflict, OrderID: orderID, Action: v1alpha1.ActionProvision, Err: err}
	}
	if err != nil {
		return nil, &Error{Kind: KindInternal, OrderID: orderID, Action: v1alpha1.ActionProvision,
			Err: fmt.Errorf("failed to create vm record: %w", err)}
	}

	s.logger(vm, v1alpha1.ActionProvision).WithField("name", vm.Name).Info("created vm record")

	// Lock the new id so nothing else transitions the record until the
	// create settles. An administrator who listed the record may have
	// retried or deleted it before the lock was taken.
	unlockVM, err := s.lockVM(ctx, vm.ID, v1alpha1.ActionProvision)
	if err != nil {
		return nil, err
	}
	defer unlockVM()

	current, err := s.load(ctx, vm.ID, v1alpha1.ActionProvision)
	if err != nil {
		return nil, err
	}
	if current.Version != vm.Version {
		return nil, newError(KindConflict, current, v1alpha1.ActionProvision,
			fmt.Errorf("vm changed to %s before the create started", current.Status))
	}

	return s.completeCreate(ctx, vm, order.Lease(), v1alpha1.ActionProvision, v1alpha1.SystemActor)
}

// checkOrder loads an order and verifies it may be provisioned.
func (s *Service) checkOrder(ctx context.Context, orderID string) (*v1alpha1.Order, error) {
	fail := func(kind ErrorKind, err error) error {
		return &Error{Kind: kind, OrderID: orderID, Action: v1alpha1.ActionProvision, Err: err}
	}

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, fail(KindNotFound, err)
	}
	if err != nil {
		return nil, fail(KindInternal, fmt.Errorf("failed to read order: %w", err))
	}
	if !order.Paid {
		return nil, fail(KindForbidden, fmt.Errorf("order %s is not paid", orderID))
	}
	if err := order.Validate(); err != nil {
		return nil, fail(KindInvalid, err)
	}

	existing, err := s.store.GetByOrder(ctx, orderID)
	switch {
	case err == nil:
		return nil, fail(KindConflict, fmt.Errorf("order already has vm %s (%s)", existing.ID, existing.Status))
	case !errors.Is(err, registry.ErrNotFound):
		return nil, fail(KindInternal, fmt.Errorf("failed to look up vm by order: %w", err))
	}
	return order, nil
}

// deriveSpec applies defaults to the order's configuration and checks bounds.
func (s *Service) deriveSpec(order *v1alpha1.Order) (v1alpha1.Specifications, error) {
	spec := s.defaults.Apply(order.ServiceConfig)
	spec.OS = normalizeOS(spec.OS)

	if err := s.limits.Validate(spec); err != nil {
		return spec, &Error{Kind: KindInvalid, OrderID: order.ID, Action: v1alpha1.ActionProvision, Err: err}
	}
	if _, ok := s.imageFor(spec.OS); !ok {
		return spec, &Error{Kind: KindInvalid, OrderID: order.ID, Action: v1alpha1.ActionProvision,
			Err: fmt.Errorf("unsupported os %q", spec.OS)}
	}
	return spec, nil
}

// completeCreate runs the remote create for a record in provisioning and
// stores the outcome. The caller holds the VM lock.
func (s *Service) completeCreate(ctx context.Context, vm *v1alpha1.VirtualMachine, lease time.Duration, action v1alpha1.Action, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error) {
	log := s.logger(vm, action)

	log.Info("resolving placement")
	ref, err := func() (gateway.Ref, error) {
		placement, err := s.resolvePlacement(ctx, vm, vm.Specifications.OS)
		if err != nil {
			return "", err
		}
		log.Info("creating remote object")
		return s.createRemote(ctx, vm, vm.Specifications, placement)
	}()
	if err != nil {
		log.WithError(err).Error("create failed")
		return nil, s.fail(ctx, vm, action, actor, events.TypeProvisionFailed, err)
	}

	vm.RemoteObjectRef = string(ref)
	if err := status.TransitionToRunning(vm); err != nil {
		return nil, newError(KindInternal, vm, action, err)
	}
	vm.ExpiresAt = s.now().Add(lease)
	s.refreshIPs(ctx, vm)

	saved, err := s.save(ctx, vm, action)
	if err != nil {
		log.WithError(err).WithField("ref", vm.RemoteObjectRef).
			Error("remote object created but not recorded; retry or delete reclaims it")
		return nil, err
	}
	log.WithFields(logrus.Fields{"ref": saved.RemoteObjectRef, "expiresAt": saved.ExpiresAt}).Info("vm running")
	s.publish(ctx, events.TypeProvisioned, saved, action, actor, nil)
	return saved, nil
}

// fail moves vm from provisioning or rebuilding to error, stores it and
// returns the gateway error with VMInError set. If the error status cannot
// be stored the gateway error is returned without VMInError; the record
// keeps its in-flight status until Retry or Delete.
func (s *Service) fail(ctx context.Context, vm *v1alpha1.VirtualMachine, action v1alpha1.Action, actor v1alpha1.Actor, t events.Type, cause error) error {
	if err := status.TransitionToError(vm); err != nil {
		return newError(KindInternal, vm, action, err)
	}
	saved, err := s.save(ctx, vm, action)
	if err != nil {
		s.logger(vm, action).WithError(err).Error("failed to record error status")
		return gatewayError(vm, action, fmt.Errorf("%w (recording the failure: %v)", cause, err), false)
	}
	s.publish(ctx, t, saved, action, actor, cause)
	return gatewayError(saved, action, cause, true)
}
