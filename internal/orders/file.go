package orders

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// OrderListKind is the kind string of an order book file.
const OrderListKind = "OrderList"

// OrderList is the on-disk format of a FileBook.
type OrderList struct {
	v1alpha1.TypeMeta `json:",inline" yaml:",inline"`

	Orders []v1alpha1.Order `json:"orders" yaml:"orders"`
}

// FileBook serves orders from a YAML file, re-reading it when its
// modification time changes.
type FileBook struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	book    *MemoryBook
}

// NewFileBook loads path and returns a FileBook over it.
func NewFileBook(path string) (*FileBook, error) {
	b := &FileBook{path: path}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBook) Get(ctx context.Context, orderID string) (*v1alpha1.Order, error) {
	if err := b.reload(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	book := b.book
	b.mu.Unlock()
	return book.Get(ctx, orderID)
}

func (b *FileBook) reload() error {
	info, err := os.Stat(b.path)
	if err != nil {
		return fmt.Errorf("failed to stat order book %s: %w", b.path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.book != nil && info.ModTime().Equal(b.modTime) {
		return nil
	}

	list, err := LoadFromFile(b.path)
	if err != nil {
		return err
	}
	b.book = NewMemoryBook(list.Orders...)
	b.modTime = info.ModTime()
	return nil
}

// LoadFromFile loads an OrderList from a YAML file.
func LoadFromFile(path string) (*OrderList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML parses and validates an OrderList.
func LoadFromYAML(data []byte) (*OrderList, error) {
	var list OrderList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if list.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if list.APIVersion != expectedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", list.APIVersion, expectedAPIVersion)
	}
	if list.Kind != OrderListKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", list.Kind, OrderListKind)
	}

	applyDefaults(&list)

	if err := validate(&list); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &list, nil
}

// applyDefaults normalizes free-text fields.
func applyDefaults(list *OrderList) {
	for i := range list.Orders {
		o := &list.Orders[i]
		o.ID = strings.TrimSpace(o.ID)
		o.DataCenter = strings.TrimSpace(o.DataCenter)
		o.ServiceConfig.OS = strings.ToLower(strings.TrimSpace(o.ServiceConfig.OS))
	}
}

func validate(list *OrderList) error {
	seen := make(map[string]bool)
	for i := range list.Orders {
		o := &list.Orders[i]
		if err := o.Validate(); err != nil {
			return fmt.Errorf("orders[%d]: %w", i, err)
		}
		if seen[o.ID] {
			return fmt.Errorf("orders[%d].id %q is duplicated", i, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}
