package storage

import "fmt"

// PoolType represents the type of storage pool backend.
type PoolType string

// PoolTypeDir is a directory-backed pool, the only kind vmlease creates.
const PoolTypeDir PoolType = "dir"

// VolumeType represents the purpose of a storage volume.
type VolumeType string

const (
	VolumeTypeBoot      VolumeType = "boot"       // VM boot disk
	VolumeTypeCloudInit VolumeType = "cloudinit"  // NoCloud seed ISO
	VolumeTypeBaseImage VolumeType = "base-image" // OS image in the catalogue
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name       string
	Type       VolumeType
	Format     VolumeFormat
	CapacityGB uint64
	// CapacityBytes overrides CapacityGB for volumes sized to their content.
	CapacityBytes uint64

	// BackingVolume makes the new volume a qcow2 overlay of an existing one.
	BackingVolume string
	// BackingPool holds BackingVolume. Empty means the target pool.
	BackingPool string
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Type == "" {
		return fmt.Errorf("volume type is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %q (must be qcow2 or raw)", v.Format)
	}
	if v.capacityBytes() == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	if v.BackingVolume != "" && v.Format != VolumeFormatQCOW2 {
		return fmt.Errorf("backing volumes are only supported for qcow2 format")
	}
	if v.BackingPool != "" && v.BackingVolume == "" {
		return fmt.Errorf("backing pool set without a backing volume")
	}
	return nil
}

func (v *VolumeSpec) capacityBytes() uint64 {
	if v.CapacityBytes > 0 {
		return v.CapacityBytes
	}
	return v.CapacityGB * gib
}

const gib = 1024 * 1024 * 1024

// PoolInfo contains information about a storage pool.
type PoolInfo struct {
	Name       string
	Type       PoolType
	Path       string
	UUID       string
	State      string
	Capacity   uint64 // bytes
	Allocation uint64 // bytes
	Available  uint64 // bytes
}

// AvailableGB returns the pool available space in GB.
func (p *PoolInfo) AvailableGB() float64 {
	return float64(p.Available) / gib
}

// VolumeInfo contains information about a storage volume.
type VolumeInfo struct {
	Name       string
	Path       string
	Pool       string
	Capacity   uint64 // bytes
	Allocation uint64 // bytes
}

// CapacityGB returns the volume capacity in GB.
func (v *VolumeInfo) CapacityGB() float64 {
	return float64(v.Capacity) / gib
}

// Pools names the two directory pools vmlease manages.
type Pools struct {
	Images     string
	ImagesPath string
	VMs        string
	VMsPath    string
}

// Default pool configuration.
const (
	DefaultImagesPool = "vmlease-images"
	DefaultVMsPool    = "vmlease-vms"
	DefaultImagesPath = "/var/lib/libvirt/images/vmlease/images"
	DefaultVMsPath    = "/var/lib/libvirt/images/vmlease/vms"
)

// DefaultPools returns the stock pool layout.
func DefaultPools() Pools {
	return Pools{
		Images:     DefaultImagesPool,
		ImagesPath: DefaultImagesPath,
		VMs:        DefaultVMsPool,
		VMsPath:    DefaultVMsPath,
	}
}

func (p Pools) withDefaults() Pools {
	d := DefaultPools()
	if p.Images == "" {
		p.Images = d.Images
	}
	if p.ImagesPath == "" {
		p.ImagesPath = d.ImagesPath
	}
	if p.VMs == "" {
		p.VMs = d.VMs
	}
	if p.VMsPath == "" {
		p.VMsPath = d.VMsPath
	}
	return p
}
