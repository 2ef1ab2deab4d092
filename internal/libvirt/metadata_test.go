package libvirt

import (
	"reflect"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"
)

func TestStoreLoadLabels(t *testing.T) {
	lv := newMockLibvirt()
	d := lv.addDomain("vm-a", domainStateRunning)
	labels := map[string]string{
		"vmlease.order": "ord-1",
		"vmlease.owner": "alice",
	}

	if err := StoreLabels(lv, d.dom, labels); err != nil {
		t.Fatalf("StoreLabels() error = %v", err)
	}
	if !strings.Contains(d.metadata, `xmlns="`+MetadataNamespace+`"`) {
		t.Errorf("metadata missing namespace: %s", d.metadata)
	}

	got, err := LoadLabels(lv, d.dom)
	if err != nil {
		t.Fatalf("LoadLabels() error = %v", err)
	}
	if !reflect.DeepEqual(got, labels) {
		t.Errorf("LoadLabels() = %v, want %v", got, labels)
	}
}

func TestLoadLabels_NoMetadata(t *testing.T) {
	lv := newMockLibvirt()
	d := lv.addDomain("vm-a", domainStateRunning)

	got, err := LoadLabels(lv, d.dom)
	if err != nil {
		t.Fatalf("LoadLabels() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadLabels() = %v, want empty", got)
	}
}

func TestLoadLabels_MissingDomain(t *testing.T) {
	lv := newMockLibvirt()

	_, err := LoadLabels(lv, libvirt.Domain{Name: "ghost"})
	if !hasCode(err, libvirt.ErrNoDomain) {
		t.Errorf("LoadLabels() error = %v, want ErrNoDomain", err)
	}
}

func TestDecodeLabels_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "labels"},
		{"not yaml", `<labels xmlns="` + MetadataNamespace + `">: : [</labels>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeLabels(tt.doc); err == nil {
				t.Error("decodeLabels() succeeded, want error")
			}
		})
	}
}
