package v1alpha1

import (
	"time"
)

const (
	// GroupName is the API group for vmlease resources.
	GroupName = "vmlease.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// VirtualMachineKind is the kind string for VirtualMachine resources.
	VirtualMachineKind = "VirtualMachine"
)

// NewVirtualMachine creates a provisioning record for an order.
// The store assigns the ID on insert.
func NewVirtualMachine(order *Order, spec Specifications, name, hostname string, now time.Time) *VirtualMachine {
	return &VirtualMachine{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       VirtualMachineKind,
		},
		OrderID:        order.ID,
		UserID:         order.UserID,
		Name:           name,
		Hostname:       hostname,
		Status:         StatusProvisioning,
		Specifications: spec,
		DataCenter:     order.DataCenter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SetDefaultAPIVersion fills in TypeMeta if it is empty.
// Records loaded from older stores may not carry it.
func SetDefaultAPIVersion(vm *VirtualMachine) {
	if vm.APIVersion == "" {
		vm.APIVersion = GroupName + "/" + Version
	}
	if vm.Kind == "" {
		vm.Kind = VirtualMachineKind
	}
}

// IsExpired reports whether the lease has run out at now.
// A VM without an expiry (still provisioning) is never expired.
func (vm *VirtualMachine) IsExpired(now time.Time) bool {
	if vm.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(vm.ExpiresAt)
}

// HasRemoteObject reports whether a hypervisor object is believed to exist.
// After a rebuild destroyed the old object the retained ref is stale.
func (vm *VirtualMachine) HasRemoteObject() bool {
	if vm.RemoteObjectRef == "" {
		return false
	}
	if vm.Rebuild != nil && vm.Rebuild.Stage == RebuildStageCreating {
		return false
	}
	return true
}

// StampPowerAction records an accepted transition request.
func (vm *VirtualMachine) StampPowerAction(a Action, now time.Time) {
	vm.LastPowerAction = a
	t := now
	vm.LastPowerActionTime = &t
}

// Lease returns the lease length for an order.
func (o *Order) Lease() time.Duration {
	return time.Duration(o.DurationDays) * 24 * time.Hour
}

// WithOS returns a copy of the specifications with the OS replaced.
func (s Specifications) WithOS(os string) Specifications {
	out := *s.DeepCopy()
	out.OS = os
	return out
}
