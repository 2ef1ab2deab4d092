package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImportImage uploads a local OS image into the images pool under
// imageName. The format is detected from the file content and the volume
// name is given the matching extension.
func (m *Manager) ImportImage(ctx context.Context, filePath, imageName string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat image file: %w", err)
	}

	format, err := DetectImageFormat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to detect image format: %w", err)
	}

	expectedExt := "." + string(format)
	if !strings.HasSuffix(imageName, expectedExt) {
		imageName = strings.TrimSuffix(imageName, filepath.Ext(imageName)) + expectedExt
	}

	exists, err := m.VolumeExists(ctx, m.pools.Images, imageName)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("image %s already exists in pool %s", imageName, m.pools.Images)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read image file: %w", err)
	}

	spec := VolumeSpec{
		Name:          imageName,
		Type:          VolumeTypeBaseImage,
		Format:        format,
		CapacityBytes: uint64(info.Size()),
	}
	if err := m.CreateVolume(ctx, m.pools.Images, spec); err != nil {
		return "", fmt.Errorf("failed to create image volume: %w", err)
	}

	if err := m.WriteVolumeData(ctx, m.pools.Images, imageName, data); err != nil {
		_ = m.DeleteVolume(ctx, m.pools.Images, imageName)
		return "", fmt.Errorf("failed to upload image data: %w", err)
	}

	return imageName, nil
}

// ListImages lists all base images in the images pool.
func (m *Manager) ListImages(ctx context.Context) ([]VolumeInfo, error) {
	return m.ListVolumes(ctx, m.pools.Images)
}

// DeleteImage deletes a base image from the images pool.
func (m *Manager) DeleteImage(ctx context.Context, imageName string) error {
	return m.DeleteVolume(ctx, m.pools.Images, imageName)
}

// ImageExists checks if a base image exists in the images pool.
func (m *Manager) ImageExists(ctx context.Context, imageName string) (bool, error) {
	return m.VolumeExists(ctx, m.pools.Images, imageName)
}
