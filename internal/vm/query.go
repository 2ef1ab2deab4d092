package vm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// Get returns a VM visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error) {
	vm, err := s.load(ctx, id, v1alpha1.ActionRead)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, vm, v1alpha1.ActionRead, s.now()); err != nil {
		return nil, err
	}
	return vm, nil
}

// List returns every VM for administrators and the system, and the
// actor's own VMs otherwise.
func (s *Service) List(ctx context.Context, actor v1alpha1.Actor) ([]*v1alpha1.VirtualMachine, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Action: v1alpha1.ActionRead, Err: fmt.Errorf("failed to list vms: %w", err)}
	}
	if actor.Admin || actor.System {
		return all, nil
	}

	var out []*v1alpha1.VirtualMachine
	for _, vm := range all {
		if actor.UserID != "" && vm.UserID == actor.UserID {
			out = append(out, vm)
		}
	}
	return out, nil
}

// ListExpired returns the non-deleted VMs whose lease ended before now.
func (s *Service) ListExpired(ctx context.Context, actor v1alpha1.Actor) ([]*v1alpha1.VirtualMachine, error) {
	if !actor.Admin && !actor.System {
		return nil, &Error{Kind: KindForbidden, Action: v1alpha1.ActionRead,
			Err: fmt.Errorf("%s may not list expired vms", actor)}
	}
	vms, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Action: v1alpha1.ActionRead, Err: fmt.Errorf("failed to list expired vms: %w", err)}
	}
	return vms, nil
}

// RecordBandwidth adds bytes to the VM's bandwidth counter. Only the
// system or an administrator reports usage.
func (s *Service) RecordBandwidth(ctx context.Context, id string, actor v1alpha1.Actor, bytes int64) (_ *v1alpha1.VirtualMachine, err error) {
	const action = v1alpha1.Action("recordBandwidth")

	ctx, done := s.startOp(ctx, action, attribute.String("vm.id", id))
	defer func() { done(err) }()

	if bytes < 0 {
		return nil, &Error{Kind: KindInvalid, VMID: id, Action: action,
			Err: fmt.Errorf("bandwidth delta must not be negative, got %d", bytes)}
	}
	if !actor.Admin && !actor.System {
		return nil, &Error{Kind: KindForbidden, VMID: id, Action: action,
			Err: errors.New("bandwidth is reported by the system")}
	}

	unlock, err := s.lockVM(ctx, id, action)
	if err != nil {
		return nil, err
	}
	defer unlock()

	vm, err := s.load(ctx, id, action)
	if err != nil {
		return nil, err
	}
	if vm.Status == v1alpha1.StatusDeleted {
		return nil, newError(KindConflict, vm, action, errors.New("vm is deleted"))
	}
	vm.BandwidthUsage += uint64(bytes)
	return s.save(ctx, vm, action)
}
