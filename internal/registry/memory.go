package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	vms     map[string]*v1alpha1.VirtualMachine
	byOrder map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vms:     make(map[string]*v1alpha1.VirtualMachine),
		byOrder: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[vm.OrderID]; ok {
		return nil, fmt.Errorf("order %s: %w", vm.OrderID, ErrOrderExists)
	}

	rec := vm.DeepCopy()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.vms[rec.ID]; ok {
		return nil, fmt.Errorf("vm %s already exists", rec.ID)
	}
	rec.Version = 1

	s.vms[rec.ID] = rec
	s.byOrder[rec.OrderID] = rec.ID
	return rec.DeepCopy(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	return rec.DeepCopy(), nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return s.vms[id].DeepCopy(), nil
}

func (s *MemoryStore) Update(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.vms[vm.ID]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", vm.ID, ErrNotFound)
	}
	if cur.Version != vm.Version {
		return nil, fmt.Errorf("vm %s at version %d, stored %d: %w", vm.ID, vm.Version, cur.Version, ErrStaleVersion)
	}
	if cur.OrderID != vm.OrderID {
		return nil, fmt.Errorf("vm %s: order id is immutable", vm.ID)
	}

	rec := vm.DeepCopy()
	rec.Version = cur.Version + 1
	s.vms[rec.ID] = rec
	return rec.DeepCopy(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1alpha1.VirtualMachine, 0, len(s.vms))
	for _, rec := range s.vms {
		out = append(out, rec.DeepCopy())
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*v1alpha1.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1alpha1.VirtualMachine
	for _, rec := range s.vms {
		if expiredAt(rec, now) {
			out = append(out, rec.DeepCopy())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
