package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/status"
)

// Rebuild destroys the VM's remote object and recreates it with os,
// keeping the record's id, order, owner and the rest of its specification.
//
// The process:
//  1. Resolve placement for the new OS (failure leaves the VM unchanged)
//  2. Save status rebuilding with a journal at stage destroying
//  3. Destroy the old object, then save the journal at stage creating
//  4. Create the new object
//  5. Record running with the new OS, or error with the journal kept
//
// After a failed create the old reference stays on the record but no
// longer names a live object; Retry resumes from the journal.
func (s *Service) Rebuild(ctx context.Context, id string, actor v1alpha1.Actor, os string) (_ *v1alpha1.VirtualMachine, err error) {
	ctx, done := s.startOp(ctx, v1alpha1.ActionRebuild, attribute.String("vm.id", id), attribute.String("os", os))
	defer func() { done(err) }()

	os = normalizeOS(os)
	if os == "" {
		return nil, &Error{Kind: KindInvalid, VMID: id, Action: v1alpha1.ActionRebuild, Err: errors.New("os is required")}
	}
	if _, ok := s.imageFor(os); !ok {
		return nil, &Error{Kind: KindInvalid, VMID: id, Action: v1alpha1.ActionRebuild,
			Err: fmt.Errorf("unsupported os %q", os)}
	}

	unlock, err := s.lockVM(ctx, id, v1alpha1.ActionRebuild)
	if err != nil {
		return nil, err
	}
	defer unlock()

	vm, err := s.load(ctx, id, v1alpha1.ActionRebuild)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := Authorize(actor, vm, v1alpha1.ActionRebuild, now); err != nil {
		return nil, err
	}
	if err := status.Check(vm, v1alpha1.ActionRebuild); err != nil {
		return nil, newError(KindConflict, vm, v1alpha1.ActionRebuild, err)
	}

	placement, err := s.resolvePlacement(ctx, vm, os)
	if err != nil {
		return nil, gatewayError(vm, v1alpha1.ActionRebuild, err, false)
	}

	vm.StampPowerAction(v1alpha1.ActionRebuild, now)
	vm.Rebuild = &v1alpha1.RebuildJournal{
		PreviousRemoteRef: vm.RemoteObjectRef,
		TargetOS:          os,
		Stage:             v1alpha1.RebuildStageDestroying,
		StartedAt:         now,
	}
	if err := status.TransitionToRebuilding(vm); err != nil {
		return nil, newError(KindInternal, vm, v1alpha1.ActionRebuild, err)
	}
	vm, err = s.save(ctx, vm, v1alpha1.ActionRebuild)
	if err != nil {
		return nil, err
	}

	return s.runRebuild(ctx, vm, placement, v1alpha1.ActionRebuild, actor)
}

// runRebuild drives a record in rebuilding through the stages left in its
// journal. The caller holds the VM lock.
func (s *Service) runRebuild(ctx context.Context, vm *v1alpha1.VirtualMachine, placement gateway.Placement, action v1alpha1.Action, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error) {
	log := s.logger(vm, action).WithField("os", vm.Rebuild.TargetOS)

	if vm.Rebuild.Stage == v1alpha1.RebuildStageDestroying {
		if vm.RemoteObjectRef != "" {
			log.WithField("ref", vm.RemoteObjectRef).Info("destroying previous remote object")
			if err := s.destroyRemote(ctx, vm); err != nil {
				log.WithError(err).Error("destroy failed, previous object kept")
				return nil, s.fail(ctx, vm, action, actor, events.TypeRebuildFailed, err)
			}
		}
		vm.Rebuild.Stage = v1alpha1.RebuildStageCreating
		saved, err := s.save(ctx, vm, action)
		if err != nil {
			return nil, err
		}
		vm = saved
	}

	spec := vm.Specifications.WithOS(vm.Rebuild.TargetOS)
	log.Info("creating replacement remote object")
	ref, err := s.createRemote(ctx, vm, spec, placement)
	if err != nil {
		log.WithError(err).Error("create failed, vm has no remote object")
		return nil, s.fail(ctx, vm, action, actor, events.TypeRebuildFailed, err)
	}

	vm.RemoteObjectRef = string(ref)
	vm.Specifications = spec
	vm.Rebuild = nil
	if err := status.TransitionToRunning(vm); err != nil {
		return nil, newError(KindInternal, vm, action, err)
	}
	s.refreshIPs(ctx, vm)

	saved, err := s.save(ctx, vm, action)
	if err != nil {
		return nil, err
	}
	log.WithField("ref", saved.RemoteObjectRef).Info("rebuild complete")
	s.publish(ctx, events.TypeRebuilt, saved, action, actor, nil)
	return saved, nil
}

// destroyRemote destroys vm's remote object. An object that is already
// gone counts as destroyed.
func (s *Service) destroyRemote(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	return s.destroyRef(ctx, vm, gateway.Ref(vm.RemoteObjectRef))
}

// reclaimOrphan destroys a remote object carrying vm's name that the record
// does not reference. Such an object is left when a create succeeded but
// its outcome was never stored.
func (s *Service) reclaimOrphan(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	ref, err := s.gw.FindEntity(ctx, gateway.KindVM, vm.Name)
	if errors.Is(err, gateway.ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if vm.HasRemoteObject() && string(ref) == vm.RemoteObjectRef {
		return nil
	}
	s.log.WithFields(logrus.Fields{"vm": vm.ID, "name": vm.Name, "ref": ref}).Warn("destroying unrecorded remote object")
	return s.destroyRef(ctx, vm, ref)
}

func (s *Service) destroyRef(ctx context.Context, vm *v1alpha1.VirtualMachine, ref gateway.Ref) error {
	_, err := s.runTask(ctx, gateway.OpDestroy, func(ctx context.Context) (*gateway.Task, error) {
		return s.gw.Destroy(ctx, ref)
	})
	if errors.Is(err, gateway.ErrEntityNotFound) {
		s.log.WithFields(logrus.Fields{"vm": vm.ID, "ref": ref}).Warn("remote object already gone")
		return nil
	}
	return err
}
