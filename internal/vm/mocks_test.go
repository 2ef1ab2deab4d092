package vm

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/orders"
	"github.com/jbweber/vmlease/internal/registry"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockPublisher records published events.
type mockPublisher struct {
	mu sync.Mutex

	publishFunc func(ev events.Event) error
	events      []events.Event
}

func (m *mockPublisher) Publish(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.publishFunc != nil {
		return m.publishFunc(ev)
	}
	return nil
}

func (m *mockPublisher) types() []events.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Type, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

func (m *mockPublisher) last() events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return events.Event{}
	}
	return m.events[len(m.events)-1]
}

// recordingStore wraps a MemoryStore and records every status written.
type recordingStore struct {
	*registry.MemoryStore

	mu       sync.Mutex
	statuses []v1alpha1.VMStatus

	updateFunc  func(vm *v1alpha1.VirtualMachine) error
	afterCreate func(vm *v1alpha1.VirtualMachine)
}

func (r *recordingStore) Create(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, vm.Status)
	after := r.afterCreate
	r.mu.Unlock()
	created, err := r.MemoryStore.Create(ctx, vm)
	if err == nil && after != nil {
		after(created)
	}
	return created, err
}

func (r *recordingStore) Update(ctx context.Context, vm *v1alpha1.VirtualMachine) (*v1alpha1.VirtualMachine, error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, vm.Status)
	fn := r.updateFunc
	r.mu.Unlock()
	if fn != nil {
		if err := fn(vm); err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.Update(ctx, vm)
}

func (r *recordingStore) setUpdateFunc(fn func(vm *v1alpha1.VirtualMachine) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFunc = fn
}

func (r *recordingStore) written() []v1alpha1.VMStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1alpha1.VMStatus(nil), r.statuses...)
}

// harness bundles a Service with its fakes.
type harness struct {
	svc   *Service
	gw    *gateway.Fake
	store *recordingStore
	book  *orders.MemoryBook
	pub   *mockPublisher
	clock *testClock
}

const testOwner = "user-1"

var (
	owner = v1alpha1.Actor{UserID: testOwner}
	admin = v1alpha1.Actor{UserID: "ops", Admin: true}
)

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		gw:    gateway.NewFake(),
		store: &recordingStore{MemoryStore: registry.NewMemoryStore()},
		book:  orders.NewMemoryBook(),
		pub:   &mockPublisher{},
		clock: &testClock{now: testEpoch},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	o := Options{
		Store:   h.store,
		Orders:  h.book,
		Gateway: h.gw,
		Events:  h.pub,
		Logger:  logger,
		Catalogue: map[string]string{
			"ubuntu-22": "ubuntu-22.qcow2",
			"debian-12": "debian-12.qcow2",
		},
		Placement: PlacementNames{
			Datacenter: "dc1",
			Host:       "host1",
			Datastore:  "vms",
			Network:    "default",
		},
		TaskTimeout: 5 * time.Second,
		Clock:       h.clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}

	svc, err := NewService(o)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.svc = svc
	return h
}

// paidOrder returns a paid 30 day order for testOwner.
func paidOrder(id string) v1alpha1.Order {
	return v1alpha1.Order{
		ID:           id,
		UserID:       testOwner,
		Paid:         true,
		DurationDays: 30,
		ServiceConfig: v1alpha1.ServiceConfig{
			CPU:      2,
			MemoryMB: 4096,
			DiskGB:   60,
			OS:       "ubuntu-22",
		},
	}
}

// running provisions a paid order and returns the running record.
func (h *harness) running(t *testing.T, orderID string) *v1alpha1.VirtualMachine {
	t.Helper()
	h.book.Put(paidOrder(orderID))
	vm, err := h.svc.Provision(context.Background(), orderID)
	if err != nil {
		t.Fatalf("Provision(%s) error = %v", orderID, err)
	}
	return vm
}

func (h *harness) get(t *testing.T, id string) *v1alpha1.VirtualMachine {
	t.Helper()
	vm, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("store.Get(%s) error = %v", id, err)
	}
	return vm
}

// force writes mutate's changes to id straight to the store, the way a
// process that stopped mid-operation would have left the record.
func (h *harness) force(t *testing.T, id string, mutate func(vm *v1alpha1.VirtualMachine)) {
	t.Helper()
	vm := h.get(t, id)
	mutate(vm)
	if _, err := h.store.MemoryStore.Update(context.Background(), vm); err != nil {
		t.Fatalf("store.Update(%s) error = %v", id, err)
	}
}

// interruptedProvision provisions orderID while every save fails, leaving
// the record in provisioning with an unrecorded remote object.
func (h *harness) interruptedProvision(t *testing.T, orderID string) string {
	t.Helper()
	h.book.Put(paidOrder(orderID))
	h.store.setUpdateFunc(func(*v1alpha1.VirtualMachine) error { return errors.New("disk full") })
	_, err := h.svc.Provision(context.Background(), orderID)
	h.store.setUpdateFunc(nil)
	assertKind(t, err, KindInternal)

	var verr *Error
	if !errors.As(err, &verr) || verr.VMID == "" {
		t.Fatalf("Provision() error = %v, want *Error with VMID", err)
	}
	got := h.get(t, verr.VMID)
	if got.Status != v1alpha1.StatusProvisioning || got.RemoteObjectRef != "" {
		t.Fatalf("record = %s %q, want provisioning without ref", got.Status, got.RemoteObjectRef)
	}
	if h.gw.ObjectCount() != 1 {
		t.Fatalf("remote objects = %d, want 1", h.gw.ObjectCount())
	}
	return verr.VMID
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("KindOf(err) = %s, want %s (err: %v)", got, want, err)
	}
}
