package vm

import (
	"fmt"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// expiryGated actions are refused once the lease has ended, for every actor.
var expiryGated = map[v1alpha1.Action]bool{
	v1alpha1.ActionPowerOn: true,
	v1alpha1.ActionRestart: true,
	v1alpha1.ActionRebuild: true,
}

// adminOnly actions require Actor.Admin.
var adminOnly = map[v1alpha1.Action]bool{
	v1alpha1.ActionDelete: true,
	v1alpha1.ActionRetry:  true,
}

// Authorize decides whether actor may perform action on vm at now.
// It returns a KindForbidden *Error or nil.
func Authorize(actor v1alpha1.Actor, vm *v1alpha1.VirtualMachine, action v1alpha1.Action, now time.Time) error {
	if !actor.Admin && !actor.System && (actor.UserID == "" || actor.UserID != vm.UserID) {
		return newError(KindForbidden, vm, action, fmt.Errorf("%s does not own this vm", actor))
	}
	if adminOnly[action] && !actor.Admin {
		return newError(KindForbidden, vm, action, fmt.Errorf("%s requires an administrator", action))
	}
	if expiryGated[action] && vm.IsExpired(now) {
		return newError(KindForbidden, vm, action,
			fmt.Errorf("lease expired at %s", vm.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return nil
}
