package storage

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is an in-memory LibvirtClient. Missing pools and
// volumes fail with the same libvirt error codes the daemon uses.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	// volumeXML records the XML passed to StorageVolCreateXML by volume name.
	volumeXML map[string]string

	lookupPoolErr error
	createVolErr  error
	uploadErr     error
	deleteErr     map[string]error
}

type mockPool struct {
	name      string
	uuid      libvirt.UUID
	state     libvirt.StoragePoolState
	autostart bool
	capacity  uint64
	allocated uint64
	available uint64
	xmlDesc   string
}

type mockVolume struct {
	name      string
	path      string
	capacity  uint64
	allocated uint64
	data      []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:     make(map[string]*mockPool),
		volumes:   make(map[string]map[string]*mockVolume),
		volumeXML: make(map[string]string),
		deleteErr: make(map[string]error),
	}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found: " + name}
}

func noVolume(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: " + name}
}

// addPool registers a running pool directly.
func (m *mockLibvirtClient) addPool(name string) {
	m.pools[name] = &mockPool{
		name:      name,
		state:     libvirt.StoragePoolRunning,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   fmt.Sprintf("<pool type=\"dir\"><name>%s</name><target><path>/srv/%s</path></target></pool>", name, name),
	}
	m.volumes[name] = make(map[string]*mockVolume)
}

// addVolume registers a volume directly.
func (m *mockLibvirtClient) addVolume(pool, name string) {
	m.volumes[pool][name] = &mockVolume{
		name:     name,
		path:     "/srv/" + pool + "/" + name,
		capacity: 10 << 30,
	}
}

func (m *mockLibvirtClient) volumeNames(pool string) []string {
	var names []string
	for name := range m.volumes[pool] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if m.lookupPoolErr != nil {
		return libvirt.StoragePool{}, m.lookupPoolErr
	}
	pool, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{Name: pool.name, UUID: pool.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: missing name")
	}
	if _, ok := m.pools[name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool already exists: %s", name)
	}

	pool := &mockPool{
		name:      name,
		state:     libvirt.StoragePoolInactive,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   xml,
	}
	copy(pool.uuid[:], "0123456789abcdef")
	m.pools[name] = pool
	m.volumes[name] = make(map[string]*mockVolume)

	return libvirt.StoragePool{Name: pool.name, UUID: pool.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return noPool(pool.Name)
	}
	p.state = libvirt.StoragePoolRunning
	return nil
}

func (m *mockLibvirtClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return noPool(pool.Name)
	}
	p.autostart = autostart == 1
	return nil
}

func (m *mockLibvirtClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	delete(m.pools, pool.Name)
	delete(m.volumes, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, noPool(pool.Name)
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", noPool(pool.Name)
	}
	return p.xmlDesc, nil
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	if _, ok := m.volumes[pool.Name]; !ok {
		return nil, 0, noPool(pool.Name)
	}

	var result []libvirt.StorageVol
	for _, name := range m.volumeNames(pool.Name) {
		result = append(result, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return result, uint32(len(result)), nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	if _, ok := vols[name]; !ok {
		return libvirt.StorageVol{}, noVolume(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	if m.createVolErr != nil {
		return libvirt.StorageVol{}, m.createVolErr
	}
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}

	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", name)
	}

	vols[name] = &mockVolume{
		name: name,
		path: "/srv/" + pool.Name + "/" + name,
	}
	m.volumeXML[name] = xml

	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if err := m.deleteErr[vol.Name]; err != nil {
		return err
	}
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return noPool(vol.Pool)
	}
	if _, ok := vols[vol.Name]; !ok {
		return noVolume(vol.Name)
	}
	delete(vols, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, err := m.volume(vol)
	if err != nil {
		return "", err
	}
	return v.path, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error) {
	v, err := m.volume(vol)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, v.capacity, v.allocated, nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	v, err := m.volume(vol)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	v.data = data
	v.allocated = uint64(len(data))
	return nil
}

func (m *mockLibvirtClient) volume(vol libvirt.StorageVol) (*mockVolume, error) {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return nil, noPool(vol.Pool)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return nil, noVolume(vol.Name)
	}
	return v, nil
}

// extractTagValue returns the text of the first <tag>...</tag>.
func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+">")
	if start == -1 {
		return ""
	}
	start += len(tag) + 2
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}
