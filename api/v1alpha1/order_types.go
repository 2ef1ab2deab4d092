package v1alpha1

// Order is the read-only view of a paid order that drives provisioning.
type Order struct {
	// ID is the order identifier.
	ID string `json:"id" yaml:"id"`

	// UserID is the customer who placed the order.
	UserID string `json:"userId" yaml:"userId"`

	// Paid must be true before a VM can be provisioned.
	Paid bool `json:"paid" yaml:"paid"`

	// DurationDays is the lease length; ExpiresAt is derived from it.
	DurationDays int `json:"durationDays" yaml:"durationDays"`

	// DataCenter is the requested placement. Empty uses the configured default.
	// +optional
	DataCenter string `json:"dataCenter,omitempty" yaml:"dataCenter,omitempty"`

	// ServiceConfig is the requested VM shape; zero fields take defaults.
	ServiceConfig ServiceConfig `json:"serviceConfig" yaml:"serviceConfig"`
}

// ServiceConfig is the VM shape stored on an order.
type ServiceConfig struct {
	CPU         int      `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMB    int      `json:"memoryMB,omitempty" yaml:"memoryMB,omitempty"`
	DiskGB      int      `json:"diskGB,omitempty" yaml:"diskGB,omitempty"`
	BandwidthGB int      `json:"bandwidthGB,omitempty" yaml:"bandwidthGB,omitempty"`
	OS          string   `json:"os,omitempty" yaml:"os,omitempty"`
	SSHKeys     []string `json:"sshKeys,omitempty" yaml:"sshKeys,omitempty"`
}

// Actor identifies the caller of a lifecycle operation.
//
// Admin bypasses ownership and may delete. System bypasses ownership only
// and is used by the expiry sweeper. Neither bypasses the expiry gate.
type Actor struct {
	UserID string `json:"userId,omitempty" yaml:"userId,omitempty"`
	Admin  bool   `json:"admin,omitempty" yaml:"admin,omitempty"`
	System bool   `json:"system,omitempty" yaml:"system,omitempty"`
}

// SystemActor is the actor used for background operations.
var SystemActor = Actor{UserID: "system", System: true}

// String returns a short label for logs.
func (a Actor) String() string {
	switch {
	case a.System:
		return "system"
	case a.Admin:
		return "admin:" + a.UserID
	default:
		return "user:" + a.UserID
	}
}
