package v1alpha1

import "time"

// VirtualMachine is the orchestrator's persisted record of a leased VM.
//
// Identity fields (ID, OrderID, UserID, Name, Hostname) never change after
// insertion. RemoteObjectRef is the hypervisor's opaque handle and is only
// populated once the remote create task has completed successfully.
type VirtualMachine struct {
	// TypeMeta contains the API version and kind.
	TypeMeta `json:",inline" yaml:",inline"`

	// ID is the store-assigned identifier.
	ID string `json:"id" yaml:"id"`

	// OrderID links the VM to the order that paid for it. Unique across records.
	OrderID string `json:"orderId" yaml:"orderId"`

	// UserID is the owner of the VM.
	UserID string `json:"userId" yaml:"userId"`

	// Name is synthesized from the order id and creation time.
	Name string `json:"name" yaml:"name"`

	// Hostname is the guest hostname handed to cloud-init.
	Hostname string `json:"hostname" yaml:"hostname"`

	// RemoteObjectRef is the hypervisor handle, empty until provisioning succeeds.
	// +optional
	RemoteObjectRef string `json:"remoteObjectRef,omitempty" yaml:"remoteObjectRef,omitempty"`

	// Status is the current lifecycle state.
	Status VMStatus `json:"status" yaml:"status"`

	// Specifications is the resource shape the VM was created with.
	Specifications Specifications `json:"specifications" yaml:"specifications"`

	// DataCenter is the placement chosen from the order.
	// +optional
	DataCenter string `json:"dataCenter,omitempty" yaml:"dataCenter,omitempty"`

	// IPAddresses is the last set of guest addresses reported by the hypervisor.
	// +optional
	IPAddresses []string `json:"ipAddresses,omitempty" yaml:"ipAddresses,omitempty"`

	// CreatedAt is set when the record is inserted.
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`

	// UpdatedAt is refreshed on every save.
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`

	// ExpiresAt is populated when provisioning succeeds. Zero means not yet leased.
	// +optional
	ExpiresAt time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`

	// LastPowerAction records the most recent accepted transition request.
	// +optional
	LastPowerAction Action `json:"lastPowerAction,omitempty" yaml:"lastPowerAction,omitempty"`

	// LastPowerActionTime is when LastPowerAction was requested.
	// +optional
	LastPowerActionTime *time.Time `json:"lastPowerActionTime,omitempty" yaml:"lastPowerActionTime,omitempty"`

	// BandwidthUsage is the accumulated transfer counter in bytes.
	BandwidthUsage uint64 `json:"bandwidthUsage" yaml:"bandwidthUsage"`

	// Rebuild is present while a rebuild is in flight or after one failed.
	// +optional
	Rebuild *RebuildJournal `json:"rebuild,omitempty" yaml:"rebuild,omitempty"`

	// Version is bumped by the registry on every successful write.
	Version int64 `json:"version" yaml:"version"`
}

// Specifications is the resource shape of a VM.
type Specifications struct {
	// CPU is the number of virtual CPUs.
	CPU int `json:"cpu" yaml:"cpu"`

	// MemoryMB is the guest memory in megabytes.
	MemoryMB int `json:"memoryMB" yaml:"memoryMB"`

	// DiskGB is the boot disk size in gigabytes.
	DiskGB int `json:"diskGB" yaml:"diskGB"`

	// BandwidthGB is the monthly transfer allowance.
	BandwidthGB int `json:"bandwidthGB" yaml:"bandwidthGB"`

	// OS is a catalogue key such as "ubuntu-22".
	OS string `json:"os" yaml:"os"`

	// SSHKeys are authorized keys injected via cloud-init.
	// +optional
	SSHKeys []string `json:"sshKeys,omitempty" yaml:"sshKeys,omitempty"`
}

// RebuildJournal records enough of an in-flight rebuild to resume it.
type RebuildJournal struct {
	// PreviousRemoteRef is the hypervisor handle being replaced.
	PreviousRemoteRef string `json:"previousRemoteRef,omitempty" yaml:"previousRemoteRef,omitempty"`

	// TargetOS is the OS the VM is being rebuilt with.
	TargetOS string `json:"targetOS" yaml:"targetOS"`

	// Stage is the step that has not yet completed.
	Stage RebuildStage `json:"stage" yaml:"stage"`

	// StartedAt is when the rebuild was accepted.
	StartedAt time.Time `json:"startedAt" yaml:"startedAt"`
}

// RebuildStage is the pending step of a journaled rebuild.
type RebuildStage string

const (
	// RebuildStageDestroying means the previous remote object may still exist.
	RebuildStageDestroying RebuildStage = "destroying"

	// RebuildStageCreating means the previous remote object is gone.
	RebuildStageCreating RebuildStage = "creating"
)

// VMStatus is the lifecycle state of a VM.
type VMStatus string

const (
	// StatusProvisioning means the record exists and the remote create is in flight.
	StatusProvisioning VMStatus = "provisioning"

	// StatusRunning means the remote object is powered on.
	StatusRunning VMStatus = "running"

	// StatusStopped means the remote object exists and is powered off.
	StatusStopped VMStatus = "stopped"

	// StatusSuspended means the VM was powered off administratively, usually on expiry.
	StatusSuspended VMStatus = "suspended"

	// StatusRebuilding means a destroy-and-recreate is in flight.
	StatusRebuilding VMStatus = "rebuilding"

	// StatusError means a provisioning or rebuild step failed.
	StatusError VMStatus = "error"

	// StatusDeleted is terminal.
	StatusDeleted VMStatus = "deleted"
)

// Action is a lifecycle request against a VM.
type Action string

const (
	ActionProvision Action = "provision"
	ActionPowerOn   Action = "powerOn"
	ActionPowerOff  Action = "powerOff"
	ActionRestart   Action = "restart"
	ActionSuspend   Action = "suspend"
	ActionRebuild   Action = "rebuild"
	ActionDelete    Action = "delete"
	ActionRetry     Action = "retry"
	ActionRead      Action = "read"
)

// PowerActions lists the actions accepted by the power transition endpoint.
var PowerActions = []Action{ActionPowerOn, ActionPowerOff, ActionRestart, ActionSuspend}

// IsPowerAction reports whether a is one of PowerActions.
func IsPowerAction(a Action) bool {
	for _, p := range PowerActions {
		if p == a {
			return true
		}
	}
	return false
}

// DeepCopy returns a copy of the VirtualMachine with no shared slices or pointers.
func (in *VirtualMachine) DeepCopy() *VirtualMachine {
	if in == nil {
		return nil
	}
	out := *in
	out.Specifications = *in.Specifications.DeepCopy()
	if in.IPAddresses != nil {
		out.IPAddresses = make([]string, len(in.IPAddresses))
		copy(out.IPAddresses, in.IPAddresses)
	}
	if in.LastPowerActionTime != nil {
		t := *in.LastPowerActionTime
		out.LastPowerActionTime = &t
	}
	if in.Rebuild != nil {
		j := *in.Rebuild
		out.Rebuild = &j
	}
	return &out
}

// DeepCopy returns a copy of the Specifications.
func (in *Specifications) DeepCopy() *Specifications {
	if in == nil {
		return nil
	}
	out := *in
	if in.SSHKeys != nil {
		out.SSHKeys = make([]string, len(in.SSHKeys))
		copy(out.SSHKeys, in.SSHKeys)
	}
	return &out
}
