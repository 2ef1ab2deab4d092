package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	libvirtxml "libvirt.org/go/libvirtxml"
)

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	volumeXML, err := m.generateVolumeXML(ctx, poolName, spec)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}

	return nil
}

// DeleteVolume deletes a volume from the specified pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return fmt.Errorf("volume %s not found: %w", volumeName, err)
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}

	return nil
}

// DeleteVolumesWithPrefix deletes every volume in the pool whose name
// starts with prefix and returns the names it removed. It keeps going past
// individual failures and reports the first one.
func (m *Manager) DeleteVolumesWithPrefix(ctx context.Context, poolName, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("refusing to delete volumes with an empty prefix")
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return nil, fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var deleted []string
	var firstErr error
	for _, vol := range volumes {
		if !strings.HasPrefix(vol.Name, prefix) {
			continue
		}
		if err := m.client.StorageVolDelete(vol, 0); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete volume %s: %w", vol.Name, err)
			}
			continue
		}
		deleted = append(deleted, vol.Name)
	}

	return deleted, firstErr
}

// ListVolumes lists all volumes in the specified pool. Volumes whose
// details cannot be read are skipped.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return nil, fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var volumeInfos []VolumeInfo
	for _, vol := range volumes {
		path, err := m.client.StorageVolGetPath(vol)
		if err != nil {
			continue
		}

		_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
		if err != nil {
			continue
		}

		volumeInfos = append(volumeInfos, VolumeInfo{
			Name:       vol.Name,
			Path:       path,
			Pool:       poolName,
			Capacity:   capacity,
			Allocation: allocation,
		})
	}

	return volumeInfos, nil
}

// GetVolumePath gets the full filesystem path for a volume.
func (m *Manager) GetVolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return "", fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return "", fmt.Errorf("volume %s not found: %w", volumeName, err)
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}

	return path, nil
}

// WriteVolumeData uploads data to a volume.
func (m *Manager) WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return fmt.Errorf("volume %s not found: %w", volumeName, err)
	}

	if err := m.client.StorageVolUpload(vol, bytes.NewReader(data), 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s: %w", volumeName, err)
	}

	return nil
}

// VolumeExists checks if a volume exists in the specified pool. Lookup
// failures other than "no such volume" are returned as errors.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return false, fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	if _, err := m.client.StorageVolLookupByName(pool, volumeName); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}

	return true, nil
}

func (m *Manager) generateVolumeXML(ctx context.Context, poolName string, spec VolumeSpec) (string, error) {
	uid, gid, _ := GetQEMUUserGroup()

	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.capacityBytes(),
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: uid,
				Group: gid,
				Mode:  "0644",
			},
		},
	}

	if spec.BackingVolume != "" {
		backingPool := spec.BackingPool
		if backingPool == "" {
			backingPool = poolName
		}
		backingPath, err := m.GetVolumePath(ctx, backingPool, spec.BackingVolume)
		if err != nil {
			return "", fmt.Errorf("failed to get backing volume path: %w", err)
		}

		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(VolumeFormatQCOW2),
			},
		}
	}

	return marshalXML(vol.Marshal)
}

// marshalXML strips the XML declaration libvirt does not want.
func marshalXML(marshal func() (string, error)) (string, error) {
	doc, err := marshal()
	if err != nil {
		return "", err
	}
	doc = strings.TrimPrefix(doc, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(doc), nil
}
