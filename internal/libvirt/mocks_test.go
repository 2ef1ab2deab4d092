package libvirt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmlease/internal/storage"
)

func libvirtErr(code libvirt.ErrorNumber, msg string) error {
	return libvirt.Error{Code: uint32(code), Message: msg}
}

type mockDomain struct {
	dom      libvirt.Domain
	state    int32
	xml      string
	metadata string
	ifaces   []libvirt.DomainInterface
}

// mockLibvirt is an in-memory domainAPI.
type mockLibvirt struct {
	mu sync.Mutex

	hostname string
	networks map[string]bool
	pools    map[string]bool
	domains  map[string]*mockDomain

	// connErr is returned by every call when set.
	connErr error
	// callErr fails individual calls by name.
	callErr map[string]error

	createErr       error
	shutdownIgnored bool

	calls []string
}

func newMockLibvirt() *mockLibvirt {
	return &mockLibvirt{
		hostname: "kvm01.lab.example.com",
		networks: map[string]bool{"default": true},
		pools:    map[string]bool{"vmlease-vms": true, "vmlease-images": true},
		domains:  map[string]*mockDomain{},
	}
}

// addDomain registers a domain in the given state and returns its ref.
func (m *mockLibvirt) addDomain(name string, state int32) *mockDomain {
	id := uuid.New()
	d := &mockDomain{
		dom:   libvirt.Domain{Name: name, UUID: libvirt.UUID(id)},
		state: state,
	}
	m.domains[name] = d
	return d
}

func (m *mockLibvirt) record(call string) error {
	m.calls = append(m.calls, call)
	if err, ok := m.callErr[call]; ok {
		return err
	}
	return m.connErr
}

func (m *mockLibvirt) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockLibvirt) get(dom libvirt.Domain) (*mockDomain, error) {
	d, ok := m.domains[dom.Name]
	if !ok {
		return nil, libvirtErr(libvirt.ErrNoDomain, "Domain not found: "+dom.Name)
	}
	return d, nil
}

func (m *mockLibvirt) domain(name string) *mockDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domains[name]
}

func (m *mockLibvirt) ConnectGetHostname() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ConnectGetHostname"); err != nil {
		return "", err
	}
	return m.hostname, nil
}

func (m *mockLibvirt) NetworkLookupByName(name string) (libvirt.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("NetworkLookupByName"); err != nil {
		return libvirt.Network{}, err
	}
	if !m.networks[name] {
		return libvirt.Network{}, libvirtErr(libvirt.ErrNoNetwork, "Network not found: "+name)
	}
	return libvirt.Network{Name: name}, nil
}

func (m *mockLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StoragePoolLookupByName"); err != nil {
		return libvirt.StoragePool{}, err
	}
	if !m.pools[name] {
		return libvirt.StoragePool{}, libvirtErr(libvirt.ErrNoStoragePool, "Storage pool not found: "+name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirt) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainLookupByName"); err != nil {
		return libvirt.Domain{}, err
	}
	d, ok := m.domains[name]
	if !ok {
		return libvirt.Domain{}, libvirtErr(libvirt.ErrNoDomain, "Domain not found: "+name)
	}
	return d.dom, nil
}

func (m *mockLibvirt) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainLookupByUUID"); err != nil {
		return libvirt.Domain{}, err
	}
	for _, d := range m.domains {
		if d.dom.UUID == id {
			return d.dom, nil
		}
	}
	return libvirt.Domain{}, libvirtErr(libvirt.ErrNoDomain, "Domain not found")
}

func (m *mockLibvirt) DomainDefineXML(doc string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainDefineXML"); err != nil {
		return libvirt.Domain{}, err
	}
	var spec libvirtxml.Domain
	if err := spec.Unmarshal(doc); err != nil {
		return libvirt.Domain{}, libvirtErr(libvirt.ErrXMLError, err.Error())
	}
	id, err := uuid.Parse(spec.UUID)
	if err != nil {
		return libvirt.Domain{}, libvirtErr(libvirt.ErrXMLError, err.Error())
	}
	d := &mockDomain{
		dom:   libvirt.Domain{Name: spec.Name, UUID: libvirt.UUID(id)},
		state: domainStateShutoff,
		xml:   doc,
	}
	m.domains[spec.Name] = d
	return d.dom, nil
}

func (m *mockLibvirt) DomainSetAutostart(dom libvirt.Domain, autostart int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("DomainSetAutostart")
}

func (m *mockLibvirt) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainCreate"); err != nil {
		return err
	}
	if m.createErr != nil {
		return m.createErr
	}
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	d.state = domainStateRunning
	return nil
}

func (m *mockLibvirt) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainGetState"); err != nil {
		return 0, 0, err
	}
	d, err := m.get(dom)
	if err != nil {
		return 0, 0, err
	}
	return d.state, 0, nil
}

func (m *mockLibvirt) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainShutdown"); err != nil {
		return err
	}
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	if !m.shutdownIgnored {
		d.state = domainStateShutoff
	}
	return nil
}

func (m *mockLibvirt) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainDestroy"); err != nil {
		return err
	}
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	d.state = domainStateShutoff
	return nil
}

func (m *mockLibvirt) DomainReboot(dom libvirt.Domain, flags libvirt.DomainRebootFlagValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainReboot"); err != nil {
		return err
	}
	_, err := m.get(dom)
	return err
}

func (m *mockLibvirt) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(fmt.Sprintf("DomainUndefineFlags(%d)", flags)); err != nil {
		return err
	}
	if _, err := m.get(dom); err != nil {
		return err
	}
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirt) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainGetXMLDesc"); err != nil {
		return "", err
	}
	d, err := m.get(dom)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

func (m *mockLibvirt) DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainInterfaceAddresses"); err != nil {
		return nil, err
	}
	d, err := m.get(dom)
	if err != nil {
		return nil, err
	}
	return d.ifaces, nil
}

func (m *mockLibvirt) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainSetMetadata"); err != nil {
		return err
	}
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (m *mockLibvirt) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DomainGetMetadata"); err != nil {
		return "", err
	}
	d, err := m.get(dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirtErr(libvirt.ErrNoDomainMetadata, "metadata not found")
	}
	return d.metadata, nil
}

// mockVolumes is an in-memory volumeManager.
type mockVolumes struct {
	mu      sync.Mutex
	pools   map[string]map[string]bool
	created []storage.VolumeSpec
	written map[string][]byte

	createErr error
}

func newMockVolumes() *mockVolumes {
	return &mockVolumes{
		pools: map[string]map[string]bool{
			"vmlease-images": {"ubuntu-24.04.qcow2": true},
			"vmlease-vms":    {},
		},
		written: map[string][]byte{},
	}
}

func (v *mockVolumes) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vols, ok := v.pools[poolName]
	if !ok {
		return false, fmt.Errorf("pool %s not found: %w", poolName, libvirtErr(libvirt.ErrNoStoragePool, "no pool"))
	}
	return vols[volumeName], nil
}

func (v *mockVolumes) CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.createErr != nil {
		return v.createErr
	}
	v.pools[poolName][spec.Name] = true
	v.created = append(v.created, spec)
	return nil
}

func (v *mockVolumes) WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.written[volumeName] = data
	return nil
}

func (v *mockVolumes) DeleteVolumesWithPrefix(ctx context.Context, poolName, prefix string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var deleted []string
	for name := range v.pools[poolName] {
		if strings.HasPrefix(name, prefix) {
			delete(v.pools[poolName], name)
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (v *mockVolumes) names(pool string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for name := range v.pools[pool] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
