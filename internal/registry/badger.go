package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

const (
	vmPrefix    = "vm:"
	orderPrefix = "order:"

	// conflictRetries bounds how often a write is retried after a
	// concurrent transaction touched the same keys.
	conflictRetries = 3
)

// BadgerStore implements Store with Badger DB. Records are stored as JSON
// under vm:<id>; order:<orderId> holds the id of the order's VM.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a store at path. An empty path opens an
// in-memory database. logger may be nil to silence badger.
func NewBadgerStore(path string, logger badger.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 26)
	}
	opts.Logger = logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func vmKey(id string) []byte {
	return []byte(vmPrefix + id)
}

func orderKey(orderID string) []byte {
	return []byte(orderPrefix + orderID)
}

func (s *BadgerStore) Create(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	rec := vm.DeepCopy()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vm %s: %w", rec.ID, err)
	}

	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(orderKey(rec.OrderID)); err == nil {
			return fmt.Errorf("order %s: %w", rec.OrderID, ErrOrderExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(vmKey(rec.ID)); err == nil {
			return fmt.Errorf("vm %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(vmKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(orderKey(rec.OrderID), []byte(rec.ID))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	var out *v1alpha1.VirtualMachine
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getVM(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) GetByOrder(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error) {
	var out *v1alpha1.VirtualMachine
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(orderKey(orderID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getVM(txn, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Update(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	var out *v1alpha1.VirtualMachine
	err := s.update(func(txn *badger.Txn) error {
		cur, err := getVM(txn, vm.ID)
		if err != nil {
			return err
		}
		if cur.Version != vm.Version {
			return fmt.Errorf("vm %s at version %d, stored %d: %w", vm.ID, vm.Version, cur.Version, ErrStaleVersion)
		}
		if cur.OrderID != vm.OrderID {
			return fmt.Errorf("vm %s: order id is immutable", vm.ID)
		}

		rec := vm.DeepCopy()
		rec.Version = cur.Version + 1
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode vm %s: %w", rec.ID, err)
		}
		if err := txn.Set(vmKey(rec.ID), data); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error) {
	return s.scan(func(*v1alpha1.VirtualMachine) bool { return true })
}

func (s *BadgerStore) ListExpired(ctx context.Context, now time.Time) ([]*v1alpha1.VirtualMachine, error) {
	return s.scan(func(vm *v1alpha1.VirtualMachine) bool { return expiredAt(vm, now) })
}

func (s *BadgerStore) scan(keep func(*v1alpha1.VirtualMachine) bool) ([]*v1alpha1.VirtualMachine, error) {
	var out []*v1alpha1.VirtualMachine
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(vmPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var vm v1alpha1.VirtualMachine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &vm)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if keep(&vm) {
				out = append(out, &vm)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreation(out)
	return out, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
// A retried Create observes the winner's order index and fails with
// ErrOrderExists.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getVM(txn *badger.Txn, id string) (*v1alpha1.VirtualMachine, error) {
	item, err := txn.Get(vmKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var vm v1alpha1.VirtualMachine
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &vm)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode vm %s: %w", id, err)
	}
	return &vm, nil
}
