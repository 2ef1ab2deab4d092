package vm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/status"
)

// Delete destroys the VM's remote object and marks the record deleted.
// Only administrators may delete. A VM whose create or rebuild was
// interrupted also loses any remote object named for it that the record
// never captured. If a destroy fails the record is left untouched.
func (s *Service) Delete(ctx context.Context, id string, actor v1alpha1.Actor) (err error) {
	ctx, done := s.startOp(ctx, v1alpha1.ActionDelete, attribute.String("vm.id", id))
	defer func() { done(err) }()

	unlock, err := s.lockVM(ctx, id, v1alpha1.ActionDelete)
	if err != nil {
		return err
	}
	defer unlock()

	vm, err := s.load(ctx, id, v1alpha1.ActionDelete)
	if err != nil {
		return err
	}
	if err := Authorize(actor, vm, v1alpha1.ActionDelete, s.now()); err != nil {
		return err
	}
	if err := status.Check(vm, v1alpha1.ActionDelete); err != nil {
		return newError(KindConflict, vm, v1alpha1.ActionDelete, err)
	}

	log := s.logger(vm, v1alpha1.ActionDelete).WithField("actor", actor.String())
	if vm.HasRemoteObject() {
		log.WithField("ref", vm.RemoteObjectRef).Info("destroying remote object")
		if err := s.destroyRemote(ctx, vm); err != nil {
			log.WithError(err).Error("destroy failed, vm unchanged")
			return gatewayError(vm, v1alpha1.ActionDelete, err, false)
		}
	} else if !status.IsTransitioning(vm.Status) {
		log.Info("no remote object to destroy")
	}
	if status.IsTransitioning(vm.Status) {
		log.Warn("interrupted operation, looking for an unrecorded remote object")
		if err := s.reclaimOrphan(ctx, vm); err != nil {
			log.WithError(err).Error("orphan cleanup failed, vm unchanged")
			return gatewayError(vm, v1alpha1.ActionDelete, err, false)
		}
	}

	if err := status.TransitionToDeleted(vm); err != nil {
		return newError(KindInternal, vm, v1alpha1.ActionDelete, err)
	}
	saved, err := s.save(ctx, vm, v1alpha1.ActionDelete)
	if err != nil {
		return err
	}
	log.Info("vm deleted")
	s.publish(ctx, events.TypeDeleted, saved, v1alpha1.ActionDelete, actor, nil)
	return nil
}
