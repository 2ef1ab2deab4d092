package v1alpha1

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SpecDefaults are applied to any zero field of an order's ServiceConfig.
type SpecDefaults struct {
	CPU         int    `json:"cpu" yaml:"cpu" mapstructure:"cpu"`
	MemoryMB    int    `json:"memoryMB" yaml:"memoryMB" mapstructure:"memory_mb"`
	DiskGB      int    `json:"diskGB" yaml:"diskGB" mapstructure:"disk_gb"`
	BandwidthGB int    `json:"bandwidthGB" yaml:"bandwidthGB" mapstructure:"bandwidth_gb"`
	OS          string `json:"os" yaml:"os" mapstructure:"os"`
}

// ResourceLimits bounds a derived Specifications.
type ResourceLimits struct {
	MinCPU      int `json:"minCPU" yaml:"minCPU" mapstructure:"min_cpu"`
	MaxCPU      int `json:"maxCPU" yaml:"maxCPU" mapstructure:"max_cpu"`
	MinMemoryMB int `json:"minMemoryMB" yaml:"minMemoryMB" mapstructure:"min_memory_mb"`
	MaxMemoryMB int `json:"maxMemoryMB" yaml:"maxMemoryMB" mapstructure:"max_memory_mb"`
	MinDiskGB   int `json:"minDiskGB" yaml:"minDiskGB" mapstructure:"min_disk_gb"`
	MaxDiskGB   int `json:"maxDiskGB" yaml:"maxDiskGB" mapstructure:"max_disk_gb"`
}

// DefaultSpecDefaults returns the built-in service defaults.
func DefaultSpecDefaults() SpecDefaults {
	return SpecDefaults{
		CPU:         1,
		MemoryMB:    1024,
		DiskGB:      20,
		BandwidthGB: 1000,
		OS:          "ubuntu-22",
	}
}

// DefaultResourceLimits returns the built-in resource bounds.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MinCPU:      1,
		MaxCPU:      64,
		MinMemoryMB: 512,
		MaxMemoryMB: 262144,
		MinDiskGB:   10,
		MaxDiskGB:   4096,
	}
}

// Apply derives Specifications from a ServiceConfig, filling zero fields.
func (d SpecDefaults) Apply(cfg ServiceConfig) Specifications {
	spec := Specifications{
		CPU:         cfg.CPU,
		MemoryMB:    cfg.MemoryMB,
		DiskGB:      cfg.DiskGB,
		BandwidthGB: cfg.BandwidthGB,
		OS:          strings.TrimSpace(cfg.OS),
	}
	if spec.CPU == 0 {
		spec.CPU = d.CPU
	}
	if spec.MemoryMB == 0 {
		spec.MemoryMB = d.MemoryMB
	}
	if spec.DiskGB == 0 {
		spec.DiskGB = d.DiskGB
	}
	if spec.BandwidthGB == 0 {
		spec.BandwidthGB = d.BandwidthGB
	}
	if spec.OS == "" {
		spec.OS = d.OS
	}
	if len(cfg.SSHKeys) > 0 {
		spec.SSHKeys = make([]string, len(cfg.SSHKeys))
		copy(spec.SSHKeys, cfg.SSHKeys)
	}
	return spec
}

// Validate checks spec against the limits and the SSH key format.
func (l ResourceLimits) Validate(spec Specifications) error {
	if spec.CPU < l.MinCPU || spec.CPU > l.MaxCPU {
		return fmt.Errorf("cpu must be between %d and %d, got %d", l.MinCPU, l.MaxCPU, spec.CPU)
	}
	if spec.MemoryMB < l.MinMemoryMB || spec.MemoryMB > l.MaxMemoryMB {
		return fmt.Errorf("memoryMB must be between %d and %d, got %d", l.MinMemoryMB, l.MaxMemoryMB, spec.MemoryMB)
	}
	if spec.DiskGB < l.MinDiskGB || spec.DiskGB > l.MaxDiskGB {
		return fmt.Errorf("diskGB must be between %d and %d, got %d", l.MinDiskGB, l.MaxDiskGB, spec.DiskGB)
	}
	if spec.BandwidthGB < 0 {
		return fmt.Errorf("bandwidthGB must not be negative, got %d", spec.BandwidthGB)
	}
	if spec.OS == "" {
		return fmt.Errorf("os is required")
	}
	return ValidateSSHKeys(spec.SSHKeys)
}

// ValidateSSHKeys checks that every key parses as an authorized_keys line.
func ValidateSSHKeys(keys []string) error {
	for i, key := range keys {
		if key == "" {
			return fmt.Errorf("sshKeys[%d] cannot be empty", i)
		}
		// ParseAuthorizedKey accepts every standard key type
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("sshKeys[%d] is not a valid SSH public key: %w", i, err)
		}
	}
	return nil
}

// Validate checks the fields an order must carry to be provisioned.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("order %s: userId is required", o.ID)
	}
	if o.DurationDays <= 0 {
		return fmt.Errorf("order %s: durationDays must be greater than 0", o.ID)
	}
	return nil
}
