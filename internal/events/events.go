// Package events publishes VM lifecycle events after state changes are
// persisted. Publishing is best effort: callers log failures and carry on.
package events

import (
	"context"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// Type names a lifecycle event.
type Type string

const (
	TypeProvisioned     Type = "provisioned"
	TypeProvisionFailed Type = "provision_failed"
	TypePowerChanged    Type = "power_changed"
	TypeRebuilt         Type = "rebuilt"
	TypeRebuildFailed   Type = "rebuild_failed"
	TypeDeleted         Type = "deleted"
)

// Event is the payload published for a state change.
type Event struct {
	Type    Type              `json:"type"`
	VMID    string            `json:"vmId"`
	OrderID string            `json:"orderId"`
	UserID  string            `json:"userId"`
	Status  v1alpha1.VMStatus `json:"status"`
	Action  v1alpha1.Action   `json:"action,omitempty"`
	Actor   string            `json:"actor,omitempty"`
	Error   string            `json:"error,omitempty"`
	Time    time.Time         `json:"time"`
}

// New builds an event from a persisted record.
func New(t Type, vm *v1alpha1.VirtualMachine, action v1alpha1.Action, actor v1alpha1.Actor, now time.Time) Event {
	return Event{
		Type:    t,
		VMID:    vm.ID,
		OrderID: vm.OrderID,
		UserID:  vm.UserID,
		Status:  vm.Status,
		Action:  action,
		Actor:   actor.String(),
		Time:    now,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
