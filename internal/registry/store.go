package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("not found")

	// ErrOrderExists is returned by Create when the order already has a VM.
	ErrOrderExists = errors.New("order already has a vm")

	// ErrStaleVersion is returned by Update when the stored record changed
	// since the caller read it.
	ErrStaleVersion = errors.New("stale record version")
)

// Store is the VM registry.
type Store interface {
	// Create inserts a new record, assigning an ID if empty.
	Create(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error)

	// Get returns the record with the given ID.
	Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error)

	// GetByOrder returns the record created for an order.
	GetByOrder(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error)

	// Update replaces a record. vm.Version must match the stored version.
	Update(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error)

	// List returns every record ordered by creation time.
	List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error)

	// ListExpired returns non-deleted records whose lease ended before now.
	ListExpired(ctx context.Context, now time.Time) ([]*v1alpha1.VirtualMachine, error)

	Close() error
}

// expiredAt reports whether vm belongs in a ListExpired result.
func expiredAt(vm *v1alpha1.VirtualMachine, now time.Time) bool {
	if vm.Status == v1alpha1.StatusDeleted || vm.ExpiresAt.IsZero() {
		return false
	}
	return vm.ExpiresAt.Before(now)
}

func sortByCreation(vms []*v1alpha1.VirtualMachine) {
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].CreatedAt.Equal(vms[j].CreatedAt) {
			return vms[i].ID < vms[j].ID
		}
		return vms[i].CreatedAt.Before(vms[j].CreatedAt)
	})
}
