package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestVM(orderID string, created time.Time) *v1alpha1.VirtualMachine {
	return &v1alpha1.VirtualMachine{
		OrderID:        orderID,
		UserID:         "user-1",
		Name:           "vm-" + orderID,
		Status:         v1alpha1.StatusProvisioning,
		Specifications: v1alpha1.Specifications{CPU: 1, MemoryMB: 1024, DiskGB: 20, OS: "ubuntu-22"},
		CreatedAt:      created,
	}
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("badger", func(t *testing.T) {
		s, err := NewBadgerStore("", nil)
		if err != nil {
			t.Fatalf("NewBadgerStore failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestStore_CreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newTestVM("order-1", baseTime))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if created.ID == "" {
			t.Fatal("Expected ID to be assigned")
		}
		if created.Version != 1 {
			t.Errorf("Expected version 1, got %d", created.Version)
		}

		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.OrderID != "order-1" || got.Status != v1alpha1.StatusProvisioning {
			t.Errorf("Get returned %+v", got)
		}
		if !got.CreatedAt.Equal(baseTime) {
			t.Errorf("Expected CreatedAt %v, got %v", baseTime, got.CreatedAt)
		}

		byOrder, err := s.GetByOrder(ctx, "order-1")
		if err != nil {
			t.Fatalf("GetByOrder failed: %v", err)
		}
		if byOrder.ID != created.ID {
			t.Errorf("GetByOrder returned %s, want %s", byOrder.ID, created.ID)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetByOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByOrder: expected ErrNotFound, got %v", err)
		}
		if _, err := s.Update(ctx, &v1alpha1.VirtualMachine{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Update: expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_DuplicateOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.Create(ctx, newTestVM("order-1", baseTime)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, err := s.Create(ctx, newTestVM("order-1", baseTime))
		if !errors.Is(err, ErrOrderExists) {
			t.Errorf("Expected ErrOrderExists, got %v", err)
		}
	})
}

func TestStore_ConcurrentCreateSameOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Create(ctx, newTestVM("order-race", baseTime))
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if successes != 1 {
			t.Errorf("Expected exactly 1 successful create, got %d", successes)
		}
		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("Expected 1 record, got %d", len(all))
		}
	})
}

func TestStore_Update(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newTestVM("order-1", baseTime))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		created.Status = v1alpha1.StatusRunning
		created.RemoteObjectRef = "ref-1"
		updated, err := s.Update(ctx, created)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("Expected version 2, got %d", updated.Version)
		}

		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != v1alpha1.StatusRunning || got.RemoteObjectRef != "ref-1" {
			t.Errorf("Update not persisted: %+v", got)
		}

		// created still carries version 1
		if _, err := s.Update(ctx, created); !errors.Is(err, ErrStaleVersion) {
			t.Errorf("Expected ErrStaleVersion, got %v", err)
		}

		got.OrderID = "order-2"
		if _, err := s.Update(ctx, got); err == nil {
			t.Error("Expected error changing order id")
		}
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newTestVM("order-1", baseTime))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		created.Status = v1alpha1.StatusError

		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != v1alpha1.StatusProvisioning {
			t.Errorf("Mutating a returned record changed the store: %s", got.Status)
		}
	})
}

func TestStore_ListAndListExpired(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := baseTime.Add(48 * time.Hour)

		type fixture struct {
			status    v1alpha1.VMStatus
			expiresAt time.Time
			expired   bool
		}
		fixtures := []fixture{
			{status: v1alpha1.StatusRunning, expiresAt: now.Add(-time.Hour), expired: true},
			{status: v1alpha1.StatusSuspended, expiresAt: now.Add(-time.Hour), expired: true},
			{status: v1alpha1.StatusRunning, expiresAt: now.Add(time.Hour)},
			{status: v1alpha1.StatusDeleted, expiresAt: now.Add(-time.Hour)},
			{status: v1alpha1.StatusProvisioning},
		}

		for i, f := range fixtures {
			vm, err := s.Create(ctx, newTestVM(fmt.Sprintf("order-%d", i), baseTime.Add(time.Duration(i)*time.Minute)))
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			vm.Status = f.status
			vm.ExpiresAt = f.expiresAt
			if _, err := s.Update(ctx, vm); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}

		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != len(fixtures) {
			t.Fatalf("Expected %d records, got %d", len(fixtures), len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
				t.Error("List not ordered by creation time")
			}
		}

		expired, err := s.ListExpired(ctx, now)
		if err != nil {
			t.Fatalf("ListExpired failed: %v", err)
		}
		if len(expired) != 2 {
			t.Fatalf("Expected 2 expired records, got %d", len(expired))
		}
		for _, vm := range expired {
			if !vm.ExpiresAt.Before(now) || vm.Status == v1alpha1.StatusDeleted {
				t.Errorf("Unexpected expired record %+v", vm)
			}
		}
	})
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	created, err := s.Create(ctx, newTestVM("order-1", baseTime))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.GetByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetByOrder after reopen failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Expected %s, got %s", created.ID, got.ID)
	}
}
