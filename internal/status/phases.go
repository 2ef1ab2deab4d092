package status

import (
	"errors"
	"fmt"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a request that is not legal from the current status.
type TransitionError struct {
	From   v1alpha1.VMStatus
	Action v1alpha1.Action
	To     v1alpha1.VMStatus
}

func (e *TransitionError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("cannot %s a vm in status %s", e.Action, e.From)
	}
	return fmt.Sprintf("cannot transition to %s from status %s", e.To, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// allowedFrom lists the source states from which each action is accepted.
var allowedFrom = map[v1alpha1.Action][]v1alpha1.VMStatus{
	v1alpha1.ActionPowerOn:  {v1alpha1.StatusStopped, v1alpha1.StatusSuspended},
	v1alpha1.ActionPowerOff: {v1alpha1.StatusRunning},
	v1alpha1.ActionRestart:  {v1alpha1.StatusRunning},
	v1alpha1.ActionSuspend:  {v1alpha1.StatusRunning, v1alpha1.StatusStopped, v1alpha1.StatusSuspended},
	v1alpha1.ActionRebuild:  {v1alpha1.StatusRunning, v1alpha1.StatusStopped},
	v1alpha1.ActionDelete: {
		v1alpha1.StatusProvisioning, v1alpha1.StatusRunning, v1alpha1.StatusStopped,
		v1alpha1.StatusSuspended, v1alpha1.StatusRebuilding, v1alpha1.StatusError,
	},
	// Provisioning and rebuilding are only seen under the VM lock when the
	// process settling them died or could not store the outcome.
	v1alpha1.ActionRetry: {v1alpha1.StatusError, v1alpha1.StatusProvisioning, v1alpha1.StatusRebuilding},
}

// Check returns a *TransitionError if action is not accepted in the VM's status.
// Reads are accepted in every status.
func Check(vm *v1alpha1.VirtualMachine, action v1alpha1.Action) error {
	if action == v1alpha1.ActionRead {
		return nil
	}
	if statusIn(vm.Status, allowedFrom[action]...) {
		return nil
	}
	return &TransitionError{From: vm.Status, Action: action}
}

// TransitionToRunning is called when a create or power on task completes.
func TransitionToRunning(vm *v1alpha1.VirtualMachine) error {
	return transition(vm, v1alpha1.StatusRunning,
		v1alpha1.StatusProvisioning, v1alpha1.StatusStopped, v1alpha1.StatusSuspended,
		v1alpha1.StatusRebuilding, v1alpha1.StatusRunning)
}

// TransitionToStopped is called when a power off task completes.
func TransitionToStopped(vm *v1alpha1.VirtualMachine) error {
	return transition(vm, v1alpha1.StatusStopped, v1alpha1.StatusRunning)
}

// TransitionToSuspended is called after the remote object is confirmed off.
func TransitionToSuspended(vm *v1alpha1.VirtualMachine) error {
	return transition(vm, v1alpha1.StatusSuspended,
		v1alpha1.StatusRunning, v1alpha1.StatusStopped, v1alpha1.StatusSuspended)
}

// TransitionToRebuilding is set optimistically before the destroy step.
// From error or an interrupted rebuild it resumes the journal.
func TransitionToRebuilding(vm *v1alpha1.VirtualMachine) error {
	resuming := vm.Status == v1alpha1.StatusError || vm.Status == v1alpha1.StatusRebuilding
	if resuming && vm.Rebuild == nil {
		return &TransitionError{From: vm.Status, To: v1alpha1.StatusRebuilding}
	}
	return transition(vm, v1alpha1.StatusRebuilding,
		v1alpha1.StatusRunning, v1alpha1.StatusStopped, v1alpha1.StatusError, v1alpha1.StatusRebuilding)
}

// TransitionToProvisioning re-enters provisioning for a record whose create
// failed or was interrupted.
func TransitionToProvisioning(vm *v1alpha1.VirtualMachine) error {
	if vm.RemoteObjectRef != "" || vm.Rebuild != nil {
		return &TransitionError{From: vm.Status, To: v1alpha1.StatusProvisioning}
	}
	return transition(vm, v1alpha1.StatusProvisioning, v1alpha1.StatusError, v1alpha1.StatusProvisioning)
}

// TransitionToError marks a failed create or rebuild.
func TransitionToError(vm *v1alpha1.VirtualMachine) error {
	return transition(vm, v1alpha1.StatusError,
		v1alpha1.StatusProvisioning, v1alpha1.StatusRebuilding)
}

// TransitionToDeleted is terminal and clears the remote handle.
func TransitionToDeleted(vm *v1alpha1.VirtualMachine) error {
	if err := transition(vm, v1alpha1.StatusDeleted, allowedFrom[v1alpha1.ActionDelete]...); err != nil {
		return err
	}
	vm.RemoteObjectRef = ""
	vm.Rebuild = nil
	vm.IPAddresses = nil
	return nil
}

// IsTransitioning returns true while a remote task is expected to be in
// flight. Seen by a lock holder it means the task was interrupted.
func IsTransitioning(s v1alpha1.VMStatus) bool {
	return s == v1alpha1.StatusProvisioning || s == v1alpha1.StatusRebuilding
}

func transition(vm *v1alpha1.VirtualMachine, to v1alpha1.VMStatus, from ...v1alpha1.VMStatus) error {
	if !statusIn(vm.Status, from...) {
		return &TransitionError{From: vm.Status, To: to}
	}
	vm.Status = to
	return nil
}

func statusIn(s v1alpha1.VMStatus, set ...v1alpha1.VMStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
