package vm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/orders"
	"github.com/jbweber/vmlease/internal/status"
)

// Retry resumes a VM left in the error status, or one still provisioning
// or rebuilding because the operation settling it was interrupted. A
// record with a rebuild journal continues the rebuild from its recorded
// stage; a record that never got a remote object runs the create again.
// A remote object carrying the VM's name that the record never captured
// is destroyed first. Administrators only.
func (s *Service) Retry(ctx context.Context, id string, actor v1alpha1.Actor) (_ *v1alpha1.VirtualMachine, err error) {
	ctx, done := s.startOp(ctx, v1alpha1.ActionRetry, attribute.String("vm.id", id))
	defer func() { done(err) }()

	unlock, err := s.lockVM(ctx, id, v1alpha1.ActionRetry)
	if err != nil {
		return nil, err
	}
	defer unlock()

	vm, err := s.load(ctx, id, v1alpha1.ActionRetry)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, vm, v1alpha1.ActionRetry, s.now()); err != nil {
		return nil, err
	}
	if err := status.Check(vm, v1alpha1.ActionRetry); err != nil {
		return nil, newError(KindConflict, vm, v1alpha1.ActionRetry, err)
	}

	if status.IsTransitioning(vm.Status) {
		s.logger(vm, v1alpha1.ActionRetry).Warn("resuming interrupted operation")
	}

	if vm.Rebuild != nil {
		// Resuming recreates the VM, so the lease gates it like Rebuild.
		if err := Authorize(actor, vm, v1alpha1.ActionRebuild, s.now()); err != nil {
			return nil, err
		}
		return s.retryRebuild(ctx, vm, actor)
	}
	return s.retryProvision(ctx, vm, actor)
}

func (s *Service) retryRebuild(ctx context.Context, vm *v1alpha1.VirtualMachine, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error) {
	inError := vm.Status == v1alpha1.StatusError
	placement, err := s.resolvePlacement(ctx, vm, vm.Rebuild.TargetOS)
	if err != nil {
		return nil, gatewayError(vm, v1alpha1.ActionRetry, err, inError)
	}
	if vm.Rebuild.Stage == v1alpha1.RebuildStageCreating {
		if err := s.reclaimOrphan(ctx, vm); err != nil {
			return nil, gatewayError(vm, v1alpha1.ActionRetry, err, inError)
		}
	}
	if err := status.TransitionToRebuilding(vm); err != nil {
		return nil, newError(KindConflict, vm, v1alpha1.ActionRetry, err)
	}
	vm, err = s.save(ctx, vm, v1alpha1.ActionRetry)
	if err != nil {
		return nil, err
	}
	s.logger(vm, v1alpha1.ActionRetry).WithField("stage", vm.Rebuild.Stage).Info("resuming rebuild")
	return s.runRebuild(ctx, vm, placement, v1alpha1.ActionRetry, actor)
}

func (s *Service) retryProvision(ctx context.Context, vm *v1alpha1.VirtualMachine, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error) {
	order, err := s.orders.Get(ctx, vm.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, newError(KindNotFound, vm, v1alpha1.ActionRetry, err)
	}
	if err != nil {
		return nil, newError(KindInternal, vm, v1alpha1.ActionRetry, fmt.Errorf("failed to read order: %w", err))
	}

	if err := s.reclaimOrphan(ctx, vm); err != nil {
		return nil, gatewayError(vm, v1alpha1.ActionRetry, err, vm.Status == v1alpha1.StatusError)
	}
	if err := status.TransitionToProvisioning(vm); err != nil {
		return nil, newError(KindConflict, vm, v1alpha1.ActionRetry, err)
	}
	vm, err = s.save(ctx, vm, v1alpha1.ActionRetry)
	if err != nil {
		return nil, err
	}
	s.logger(vm, v1alpha1.ActionRetry).Info("retrying create")
	return s.completeCreate(ctx, vm, order.Lease(), v1alpha1.ActionRetry, actor)
}
