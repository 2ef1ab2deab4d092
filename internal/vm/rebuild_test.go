package vm

import (
	"context"
	"reflect"
	"testing"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
)

func TestRebuild_Success(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")

	got, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "Debian-12 ")
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if got.ID != vm.ID || got.OrderID != vm.OrderID || got.UserID != vm.UserID {
		t.Errorf("identity changed: %s/%s/%s", got.ID, got.OrderID, got.UserID)
	}
	if got.Specifications.OS != "debian-12" {
		t.Errorf("OS = %q, want debian-12", got.Specifications.OS)
	}
	want := vm.Specifications.WithOS("debian-12")
	if !reflect.DeepEqual(got.Specifications, want) {
		t.Errorf("Specifications = %+v, want %+v", got.Specifications, want)
	}
	if got.Status != v1alpha1.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.RemoteObjectRef != "vm-2" {
		t.Errorf("RemoteObjectRef = %q, want vm-2", got.RemoteObjectRef)
	}
	if got.Rebuild != nil {
		t.Errorf("Rebuild journal = %+v, want nil", got.Rebuild)
	}
	if !got.ExpiresAt.Equal(vm.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want unchanged %v", got.ExpiresAt, vm.ExpiresAt)
	}
	if got.LastPowerAction != v1alpha1.ActionRebuild {
		t.Errorf("LastPowerAction = %s, want rebuild", got.LastPowerAction)
	}

	if _, ok := h.gw.Object("vm-1"); ok {
		t.Error("old remote object still exists")
	}
	obj, ok := h.gw.Object("vm-2")
	if !ok {
		t.Fatal("new remote object missing")
	}
	if obj.Spec.OS != "debian-12" || obj.Spec.Name != vm.Name {
		t.Errorf("new object spec = %+v", obj.Spec)
	}

	wantStatuses := []v1alpha1.VMStatus{
		v1alpha1.StatusProvisioning, v1alpha1.StatusRunning, // provision
		v1alpha1.StatusRebuilding, v1alpha1.StatusRebuilding, v1alpha1.StatusRunning,
	}
	if got := h.store.written(); !reflect.DeepEqual(got, wantStatuses) {
		t.Errorf("written statuses = %v, want %v", got, wantStatuses)
	}
	if ev := h.pub.last(); ev.Type != events.TypeRebuilt {
		t.Errorf("last event = %s, want rebuilt", ev.Type)
	}
}

func TestRebuild_FromStopped(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")
	if _, err := h.svc.Transition(context.Background(), vm.ID, owner, v1alpha1.ActionPowerOff); err != nil {
		t.Fatalf("powerOff: %v", err)
	}

	got, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "debian-12")
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if got.Status != v1alpha1.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
}

// Destroy succeeds, create fails: the record keeps the stale ref and a
// journal at stage creating, and Retry finishes the rebuild.
func TestRebuild_CreateFailsAfterDestroy(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "VM-3")
	h.gw.RejectNext(gateway.OpCreateVM, "datastore full")

	_, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "debian-12")
	assertKind(t, err, KindGatewayRejected)
	if !IsVMInError(err) {
		t.Error("expected VMInError")
	}

	got := h.get(t, vm.ID)
	if got.Status != v1alpha1.StatusError {
		t.Errorf("Status = %s, want error", got.Status)
	}
	if got.RemoteObjectRef != vm.RemoteObjectRef {
		t.Errorf("RemoteObjectRef = %q, want retained %q", got.RemoteObjectRef, vm.RemoteObjectRef)
	}
	if got.HasRemoteObject() {
		t.Error("HasRemoteObject() = true for a destroyed object")
	}
	wantJournal := &v1alpha1.RebuildJournal{
		PreviousRemoteRef: vm.RemoteObjectRef,
		TargetOS:          "debian-12",
		Stage:             v1alpha1.RebuildStageCreating,
		StartedAt:         testEpoch,
	}
	if !reflect.DeepEqual(got.Rebuild, wantJournal) {
		t.Errorf("Rebuild = %+v, want %+v", got.Rebuild, wantJournal)
	}
	if got.Specifications.OS != "ubuntu-22" {
		t.Errorf("OS = %q, want unchanged until create succeeds", got.Specifications.OS)
	}
	if h.gw.ObjectCount() != 0 {
		t.Errorf("remote objects = %d, want 0", h.gw.ObjectCount())
	}
	if ev := h.pub.last(); ev.Type != events.TypeRebuildFailed {
		t.Errorf("last event = %s, want rebuild_failed", ev.Type)
	}

	// Owner cannot retry
	_, err = h.svc.Retry(context.Background(), vm.ID, owner)
	assertKind(t, err, KindForbidden)

	resumed, err := h.svc.Retry(context.Background(), vm.ID, admin)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if resumed.Status != v1alpha1.StatusRunning || resumed.Specifications.OS != "debian-12" {
		t.Errorf("after retry: %s %s", resumed.Status, resumed.Specifications.OS)
	}
	if resumed.Rebuild != nil {
		t.Error("journal not cleared after retry")
	}
	if h.gw.CallCount(gateway.OpDestroy) != 1 {
		t.Errorf("Destroy calls = %d, want 1", h.gw.CallCount(gateway.OpDestroy))
	}
	if h.gw.ObjectCount() != 1 {
		t.Errorf("remote objects = %d, want 1", h.gw.ObjectCount())
	}
}

func TestRebuild_DestroyFails(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")
	h.gw.RejectNext(gateway.OpDestroy, "object locked")

	_, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "debian-12")
	assertKind(t, err, KindGatewayRejected)

	got := h.get(t, vm.ID)
	if got.Status != v1alpha1.StatusError {
		t.Errorf("Status = %s, want error", got.Status)
	}
	if got.RemoteObjectRef != vm.RemoteObjectRef || !got.HasRemoteObject() {
		t.Errorf("old object not retained: %q", got.RemoteObjectRef)
	}
	if got.Rebuild == nil || got.Rebuild.Stage != v1alpha1.RebuildStageDestroying {
		t.Errorf("Rebuild = %+v, want stage destroying", got.Rebuild)
	}
	if h.gw.CallCount(gateway.OpCreateVM) != 1 {
		t.Error("create attempted after a failed destroy")
	}
	if _, ok := h.gw.Object(gateway.Ref(vm.RemoteObjectRef)); !ok {
		t.Error("old remote object gone")
	}

	// Retry destroys again, then creates
	resumed, err := h.svc.Retry(context.Background(), vm.ID, admin)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if resumed.Status != v1alpha1.StatusRunning {
		t.Errorf("Status = %s, want running", resumed.Status)
	}
	if h.gw.CallCount(gateway.OpDestroy) != 2 {
		t.Errorf("Destroy calls = %d, want 2", h.gw.CallCount(gateway.OpDestroy))
	}
}

func TestRebuild_OldObjectAlreadyGone(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")
	h.gw.FailNext(gateway.OpDestroy, gateway.ErrEntityNotFound)

	got, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "debian-12")
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if got.Status != v1alpha1.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
}

func TestRebuild_Rejections(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")

	tests := []struct {
		name     string
		actor    v1alpha1.Actor
		os       string
		prep     v1alpha1.Action
		wantKind ErrorKind
	}{
		{name: "empty os", actor: owner, os: "  ", wantKind: KindInvalid},
		{name: "unknown os", actor: owner, os: "templeos", wantKind: KindInvalid},
		{name: "other user", actor: v1alpha1.Actor{UserID: "mallory"}, os: "debian-12", wantKind: KindForbidden},
		{name: "suspended", actor: owner, os: "debian-12", prep: v1alpha1.ActionSuspend, wantKind: KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prep != "" {
				if _, err := h.svc.Transition(context.Background(), vm.ID, owner, tt.prep); err != nil {
					t.Fatalf("prep: %v", err)
				}
			}
			calls := h.gw.MutatingCalls()

			_, err := h.svc.Rebuild(context.Background(), vm.ID, tt.actor, tt.os)
			assertKind(t, err, tt.wantKind)
			if h.gw.MutatingCalls() != calls {
				t.Error("gateway mutated on a rejected rebuild")
			}
		})
	}
}

func TestRebuild_PlacementFailureLeavesVM(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, "ORD-1")
	h.gw.Entities = map[gateway.EntityKind]map[string]gateway.Ref{
		gateway.KindImage: {"ubuntu-22.qcow2": "image/ubuntu-22.qcow2"},
	}

	_, err := h.svc.Rebuild(context.Background(), vm.ID, owner, "debian-12")
	assertKind(t, err, KindGatewayRejected)
	if IsVMInError(err) {
		t.Error("nothing was destroyed, vm should not be in error")
	}

	got := h.get(t, vm.ID)
	if got.Status != v1alpha1.StatusRunning || got.Rebuild != nil {
		t.Errorf("vm changed: %s %+v", got.Status, got.Rebuild)
	}
	if h.gw.CallCount(gateway.OpDestroy) != 0 {
		t.Error("destroyed before placement was resolved")
	}
}
