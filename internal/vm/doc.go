// Package vm orchestrates the lifecycle of leased virtual machines.
//
// Service is the single place where a VM's status changes. It derives a
// specification from a paid order, drives the hypervisor gateway through
// create, power, rebuild and destroy tasks, and persists every outcome to
// the registry before returning.
//
// The main operations are:
//   - Provision: Create the VM for a paid order
//   - Transition: Power on, power off, restart or suspend
//   - Rebuild: Destroy and recreate with a different OS
//   - Delete: Destroy the remote object and mark the record deleted
//   - Retry: Resume a failed provisioning or rebuild (admin)
//   - SuspendExpired: Suspend a VM whose lease has run out (sweeper)
//
// Concurrency:
//
// Operations on one VM are serialized by a per-VM lock held for the full
// duration of the remote task, including the await. Provisioning is
// additionally serialized per order, and the registry's order index
// guarantees a single VM per order even across processes.
//
// Error Handling:
//
// Every failure is returned as *Error with a Kind. Gateway failures keep
// the prior status for power operations; a failed create or rebuild moves
// the record to the error status and sets Error.VMInError.
//
// Context Support:
//
// A caller's cancellation stops waiting for a lock or submitting a task,
// but once a task is submitted the service waits for its outcome (bounded
// by the task timeout) so the stored status follows the remote result.
package vm
