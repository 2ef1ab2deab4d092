package vm

import (
	"context"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
)

// vmStore defines the registry operations the service needs.
//
// In production, this is satisfied by *registry.BadgerStore or *registry.MemoryStore.
type vmStore interface {
	Create(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error)
	Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error)
	GetByOrder(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error)
	Update(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error)
	List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error)
	ListExpired(ctx context.Context, now time.Time) ([]*v1alpha1.VirtualMachine, error)
}

// orderBook looks up orders.
//
// In production, this is satisfied by *orders.FileBook.
type orderBook interface {
	Get(ctx context.Context, orderID string) (*v1alpha1.Order, error)
}

// publisher delivers lifecycle events.
type publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}
