// Package storage manages the libvirt storage pools and volumes behind
// vmlease VMs.
//
// Two directory pools are used. The images pool holds the OS catalogue:
// one base image per OS, imported with ImportImage. The VMs pool holds
// per-VM volumes, a qcow2 boot overlay backed by the catalogue image and
// the NoCloud seed ISO. Volume names come from the naming package and
// share the VM name as prefix, which is how DeleteVolumesWithPrefix
// reclaims everything a VM owned.
//
// Image formats are detected from content: qcow2 magic at offset 0 or an
// MBR boot signature at offset 510.
package storage
