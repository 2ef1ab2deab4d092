// Package naming provides the naming conventions for VMs and their
// hypervisor-side resources. Names are derived from the order id and the
// creation time so they are unique per order and stable once stored.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxLabel is the RFC 1123 DNS label limit.
const maxLabel = 63

// VMName returns the VM name for an order created at t.
//
// Example: order "ORD-42", 2026-01-02 03:04:05 UTC → vm-ord-42-20260102030405
func VMName(orderID string, t time.Time) string {
	suffix := t.UTC().Format("20060102150405")
	return "vm-" + truncate(Slug(orderID), maxLabel-len("vm-")-len(suffix)-1) + "-" + suffix
}

// Hostname returns a guest hostname for an order created at t.
// The result is a single DNS label: lowercase, at most 63 characters.
//
// Example: order "ORD-42", unix 1767323045 → ord-42-t8p4c5
func Hostname(orderID string, t time.Time) string {
	suffix := strconv.FormatInt(t.Unix(), 36)
	base := truncate(Slug(orderID), maxLabel-len(suffix)-1)
	if base == "" {
		base = "vm"
	}
	return base + "-" + suffix
}

// Slug lowercases s and replaces every run of characters outside [a-z0-9]
// with a single hyphen.
func Slug(s string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "-")
}

// VolumeNameBoot returns the volume name for a VM's boot disk.
// Format: {vmName}_boot.qcow2
func VolumeNameBoot(vmName string) string {
	return fmt.Sprintf("%s_boot.qcow2", vmName)
}

// VolumeNameCloudInit returns the volume name for a VM's cloud-init ISO.
// Format: {vmName}_cloudinit.iso
func VolumeNameCloudInit(vmName string) string {
	return fmt.Sprintf("%s_cloudinit.iso", vmName)
}

// VolumePrefix returns the prefix shared by every volume belonging to vmName.
func VolumePrefix(vmName string) string {
	return vmName + "_"
}

// ImageVolumeName returns the base image volume name for an OS catalogue entry.
// Format: {os}.qcow2 (e.g., "ubuntu-22.qcow2")
func ImageVolumeName(os string) string {
	return fmt.Sprintf("%s.qcow2", os)
}
