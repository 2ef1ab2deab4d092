package vm

import (
	"context"
	"testing"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

func TestGet(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")

	tests := []struct {
		name     string
		id       string
		actor    v1alpha1.Actor
		wantKind ErrorKind
	}{
		{name: "owner", id: vm.ID, actor: owner},
		{name: "admin", id: vm.ID, actor: admin},
		{name: "other user", id: vm.ID, actor: v1alpha1.Actor{UserID: "mallory"}, wantKind: KindForbidden},
		{name: "missing", id: "missing", actor: admin, wantKind: KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.Get(context.Background(), tt.id, tt.actor)
			if tt.wantKind != "" {
				assertKind(t, err, tt.wantKind)
				return
			}
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.ID != vm.ID {
				t.Errorf("ID = %s, want %s", got.ID, vm.ID)
			}
		})
	}

	// Reads are allowed after expiry
	h.clock.Advance(60 * 24 * time.Hour)
	if _, err := h.svc.Get(context.Background(), vm.ID, owner); err != nil {
		t.Errorf("Get() after expiry error = %v", err)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.running(t, "ORD-1")
	other := paidOrder("ORD-2")
	other.UserID = "user-2"
	h.book.Put(other)
	if _, err := h.svc.Provision(context.Background(), "ORD-2"); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	tests := []struct {
		actor v1alpha1.Actor
		want  int
	}{
		{owner, 1},
		{v1alpha1.Actor{UserID: "user-2"}, 1},
		{v1alpha1.Actor{UserID: "nobody"}, 0},
		{v1alpha1.Actor{}, 0},
		{admin, 2},
		{v1alpha1.SystemActor, 2},
	}
	for _, tt := range tests {
		t.Run(tt.actor.String(), func(t *testing.T) {
			got, err := h.svc.List(context.Background(), tt.actor)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestListExpired(t *testing.T) {
	h := newHarness(t)
	short := paidOrder("ORD-SHORT")
	short.DurationDays = 1
	h.book.Put(short)
	if _, err := h.svc.Provision(context.Background(), "ORD-SHORT"); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	h.running(t, "ORD-LONG")

	h.clock.Advance(2 * 24 * time.Hour)

	_, err := h.svc.ListExpired(context.Background(), owner)
	assertKind(t, err, KindForbidden)

	got, err := h.svc.ListExpired(context.Background(), admin)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "ORD-SHORT" {
		t.Errorf("expired = %v, want only ORD-SHORT", got)
	}
}

func TestRecordBandwidth(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")
	ctx := context.Background()

	if _, err := h.svc.RecordBandwidth(ctx, vm.ID, v1alpha1.SystemActor, 1000); err != nil {
		t.Fatalf("RecordBandwidth() error = %v", err)
	}
	got, err := h.svc.RecordBandwidth(ctx, vm.ID, admin, 500)
	if err != nil {
		t.Fatalf("RecordBandwidth() error = %v", err)
	}
	if got.BandwidthUsage != 1500 {
		t.Errorf("BandwidthUsage = %d, want 1500", got.BandwidthUsage)
	}

	_, err = h.svc.RecordBandwidth(ctx, vm.ID, v1alpha1.SystemActor, -1)
	assertKind(t, err, KindInvalid)
	_, err = h.svc.RecordBandwidth(ctx, vm.ID, owner, 10)
	assertKind(t, err, KindForbidden)

	if stored := h.get(t, vm.ID); stored.BandwidthUsage != 1500 {
		t.Errorf("stored BandwidthUsage = %d, want 1500", stored.BandwidthUsage)
	}
}
