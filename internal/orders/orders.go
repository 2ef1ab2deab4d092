// Package orders provides read access to the paid orders that drive
// provisioning. Order storage and payment belong to another system; this
// package only needs to answer "what was ordered, by whom, and is it paid".
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// ErrNotFound is returned when an order id is unknown.
var ErrNotFound = errors.New("order not found")

// Book looks up orders by id.
type Book interface {
	Get(ctx context.Context, orderID string) (*v1alpha1.Order, error)
}

// MemoryBook is an in-process Book.
type MemoryBook struct {
	mu     sync.RWMutex
	orders map[string]v1alpha1.Order
}

// NewMemoryBook creates a MemoryBook seeded with orders.
func NewMemoryBook(orders ...v1alpha1.Order) *MemoryBook {
	b := &MemoryBook{orders: make(map[string]v1alpha1.Order)}
	for _, o := range orders {
		b.orders[o.ID] = o
	}
	return b
}

// Put adds or replaces an order.
func (b *MemoryBook) Put(o v1alpha1.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o
}

func (b *MemoryBook) Get(ctx context.Context, orderID string) (*v1alpha1.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return copyOrder(&o), nil
}

func copyOrder(o *v1alpha1.Order) *v1alpha1.Order {
	out := *o
	if o.ServiceConfig.SSHKeys != nil {
		out.ServiceConfig.SSHKeys = append([]string(nil), o.ServiceConfig.SSHKeys...)
	}
	return &out
}
