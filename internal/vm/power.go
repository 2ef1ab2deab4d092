package vm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/status"
)

// Transition runs a power action (powerOn, powerOff, restart or suspend).
//
// The gateway task must succeed before the status changes. A failed or
// timed out task leaves the status as it was; the audit stamp is still
// saved.
func (s *Service) Transition(ctx context.Context, id string, actor v1alpha1.Actor, action v1alpha1.Action) (_ *v1alpha1.VirtualMachine, err error) {
	ctx, done := s.startOp(ctx, action, attribute.String("vm.id", id))
	defer func() { done(err) }()

	return s.transition(ctx, id, actor, action, false)
}

// SuspendExpired suspends a VM whose lease has ended, as the system actor.
// A VM that is no longer expired once locked is left alone with Conflict.
func (s *Service) SuspendExpired(ctx context.Context, id string) (_ *v1alpha1.VirtualMachine, err error) {
	ctx, done := s.startOp(ctx, v1alpha1.ActionSuspend, attribute.String("vm.id", id), attribute.Bool("sweep", true))
	defer func() { done(err) }()

	return s.transition(ctx, id, v1alpha1.SystemActor, v1alpha1.ActionSuspend, true)
}

func (s *Service) transition(ctx context.Context, id string, actor v1alpha1.Actor, action v1alpha1.Action, onlyExpired bool) (*v1alpha1.VirtualMachine, error) {
	if !v1alpha1.IsPowerAction(action) {
		return nil, &Error{Kind: KindInvalid, VMID: id, Action: action,
			Err: fmt.Errorf("unknown power action %q", action)}
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
	now := s.now()
	if err := Authorize(actor, vm, action, now); err != nil {
		return nil, err
	}
	if onlyExpired && !vm.IsExpired(now) {
		return nil, newError(KindConflict, vm, action, errors.New("lease is no longer expired"))
	}

	if action == v1alpha1.ActionSuspend && vm.Status == v1alpha1.StatusSuspended {
		return vm, nil
	}
	if err := status.Check(vm, action); err != nil {
		return nil, newError(KindConflict, vm, action, err)
	}

	log := s.logger(vm, action).WithField("actor", actor.String())
	vm.StampPowerAction(action, now)

	ref := gateway.Ref(vm.RemoteObjectRef)
	var submit func(context.Context) (*gateway.Task, error)
	op := ""
	switch {
	case action == v1alpha1.ActionPowerOn:
		op, submit = gateway.OpPowerOn, func(ctx context.Context) (*gateway.Task, error) { return s.gw.PowerOn(ctx, ref) }
	case action == v1alpha1.ActionRestart:
		op, submit = gateway.OpReboot, func(ctx context.Context) (*gateway.Task, error) { return s.gw.Reboot(ctx, ref) }
	case action == v1alpha1.ActionPowerOff,
		action == v1alpha1.ActionSuspend && vm.Status == v1alpha1.StatusRunning:
		op, submit = gateway.OpPowerOff, func(ctx context.Context) (*gateway.Task, error) { return s.gw.PowerOff(ctx, ref) }
	}

	if submit != nil {
		log.WithField("op", op).Info("submitting power task")
		if _, err := s.runTask(ctx, op, submit); err != nil {
			log.WithError(err).Warn("power task failed, status unchanged")
			if _, saveErr := s.save(ctx, vm, action); saveErr != nil {
				log.WithError(saveErr).Error("failed to save power action audit")
			}
			return nil, gatewayError(vm, action, err, false)
		}
	}

	switch action {
	case v1alpha1.ActionPowerOn, v1alpha1.ActionRestart:
		err = status.TransitionToRunning(vm)
		s.refreshIPs(ctx, vm)
	case v1alpha1.ActionPowerOff:
		err = status.TransitionToStopped(vm)
	case v1alpha1.ActionSuspend:
		err = status.TransitionToSuspended(vm)
	}
	if err != nil {
		return nil, newError(KindInternal, vm, action, err)
	}

	saved, err := s.save(ctx, vm, action)
	if err != nil {
		return nil, err
	}
	log.WithField("status", saved.Status).Info("power action complete")
	s.publish(ctx, events.TypePowerChanged, saved, action, actor, nil)
	return saved, nil
}
