package libvirt

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/vmlease/internal/gateway"
)

func TestRefName(t *testing.T) {
	tests := []struct {
		ref     gateway.Ref
		kind    gateway.EntityKind
		want    string
		wantErr bool
	}{
		{"datastore:vmlease-vms", gateway.KindDatastore, "vmlease-vms", false},
		{"network:default", gateway.KindNetwork, "default", false},
		{"network:default", gateway.KindDatastore, "", true},
		{"datastore:", gateway.KindDatastore, "", true},
		{"vmlease-vms", gateway.KindDatastore, "", true},
	}

	for _, tt := range tests {
		got, err := refName(tt.ref, tt.kind)
		if (err != nil) != tt.wantErr {
			t.Errorf("refName(%q, %s) error = %v, wantErr %v", tt.ref, tt.kind, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("refName(%q, %s) = %q, want %q", tt.ref, tt.kind, got, tt.want)
		}
	}
}

func TestImageRefParts(t *testing.T) {
	ref := imageRef("vmlease-images", "ubuntu-24.04.qcow2")
	pool, vol, err := imageRefParts(ref)
	if err != nil {
		t.Fatalf("imageRefParts(%q) error = %v", ref, err)
	}
	if pool != "vmlease-images" || vol != "ubuntu-24.04.qcow2" {
		t.Errorf("imageRefParts(%q) = %s, %s", ref, pool, vol)
	}

	for _, bad := range []gateway.Ref{"image:ubuntu.qcow2", "image:/ubuntu.qcow2", "image:pool/", "datastore:a/b"} {
		if _, _, err := imageRefParts(bad); err == nil {
			t.Errorf("imageRefParts(%q) succeeded, want error", bad)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantNotFound  bool
		wantTransient bool
		wantRejected  bool
	}{
		{"no domain", libvirtErr(libvirt.ErrNoDomain, "gone"), true, false, true},
		{"no volume", libvirtErr(libvirt.ErrNoStorageVol, "gone"), true, false, true},
		{"daemon error", libvirtErr(libvirt.ErrOperationInvalid, "domain is not running"), false, false, true},
		{"transport", io.ErrUnexpectedEOF, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			if got := errors.Is(err, gateway.ErrEntityNotFound); got != tt.wantNotFound {
				t.Errorf("not found = %v, want %v", got, tt.wantNotFound)
			}
			if got := gateway.IsTransient(err); got != tt.wantTransient {
				t.Errorf("transient = %v, want %v", got, tt.wantTransient)
			}
			var te *gateway.TaskError
			rejected := errors.As(err, &te) || errors.Is(err, gateway.ErrEntityNotFound)
			if rejected != tt.wantRejected {
				t.Errorf("rejected = %v, want %v", rejected, tt.wantRejected)
			}
		})
	}

	if classify("op", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestClassifyTask(t *testing.T) {
	rejected := &gateway.TaskError{Op: "define", Message: "bad xml"}
	if got := classifyTask(gateway.OpCreateVM, rejected); got != error(rejected) {
		t.Errorf("classifyTask(TaskError) = %v, want unchanged", got)
	}

	err := classifyTask(gateway.OpPowerOff, fmt.Errorf("failed to force stop domain: %w", io.EOF))
	if !gateway.IsTransient(err) || !errors.Is(err, gateway.ErrConnectivity) {
		t.Errorf("classifyTask(EOF) = %v, want transient connectivity error", err)
	}

	err = classifyTask(gateway.OpPowerOff, fmt.Errorf("failed to force stop domain: %w",
		libvirtErr(libvirt.ErrOperationInvalid, "domain is not running")))
	var te *gateway.TaskError
	if !errors.As(err, &te) || gateway.IsTransient(err) {
		t.Errorf("classifyTask(daemon error) = %v, want TaskError", err)
	}
}
