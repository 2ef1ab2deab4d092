// Package gateway defines the hypervisor boundary used by the orchestrator.
//
// A Gateway resolves placement entities by name, reads properties of remote
// objects, and submits mutating operations as asynchronous tasks. Every
// mutating call returns a *Task immediately; the caller blocks on AwaitTask
// to learn the outcome.
//
// Errors are classified so callers can tell a transient connectivity
// problem (retry later) from a remote rejection (the hypervisor said no):
//
//	ref, err := gateway.Wait(ctx, gw, task)
//	var rejected *gateway.TaskError
//	switch {
//	case gateway.IsTransient(err):
//	case errors.As(err, &rejected):
//	}
//
// Implementations: internal/libvirt provides the production gateway,
// Fake an in-memory one, and Reconnecting wraps a dial function with
// session re-establishment.
package gateway
