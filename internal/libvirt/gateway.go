package libvirt

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmlease/internal/cloudinit"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/naming"
	"github.com/jbweber/vmlease/internal/storage"
)

// domainAPI is the subset of *libvirt.Libvirt the gateway drives.
type domainAPI interface {
	metadataAPI
	ConnectGetHostname() (string, error)
	NetworkLookupByName(Name string) (libvirt.Network, error)
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainSetAutostart(Dom libvirt.Domain, Autostart int32) error
	DomainCreate(Dom libvirt.Domain) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainReboot(Dom libvirt.Domain, Flags libvirt.DomainRebootFlagValues) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) ([]libvirt.DomainInterface, error)
}

// volumeManager is the subset of *storage.Manager the gateway uses.
type volumeManager interface {
	VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error)
	CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) error
	WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error
	DeleteVolumesWithPrefix(ctx context.Context, poolName, prefix string) ([]string, error)
}

// Domain states from virDomainState.
const (
	domainStateRunning = 1
	domainStateShutoff = 5
	domainStateCrashed = 6
)

const (
	// VIR_DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE
	addrSourceLease uint32 = 0
	// VIR_IP_ADDR_TYPE_IPV4
	addrTypeIPv4 int32 = 0
)

// Defaults for Config.
const (
	DefaultShutdownTimeout = 60 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
)

// Config tunes a libvirt gateway.
type Config struct {
	SocketPath     string
	ConnectTimeout time.Duration

	// Datacenter is the only datacenter name this host answers to. Empty
	// accepts any name.
	Datacenter string

	ImagesPool string
	VMsPool    string

	// ShutdownTimeout bounds the graceful shutdown before a forced stop.
	ShutdownTimeout time.Duration
	PollInterval    time.Duration

	// GuestDomain and GuestUser feed the cloud-init seed.
	GuestDomain string
	GuestUser   string
}

func (c Config) withDefaults() Config {
	if c.ImagesPool == "" {
		c.ImagesPool = storage.DefaultImagesPool
	}
	if c.VMsPool == "" {
		c.VMsPool = storage.DefaultVMsPool
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Gateway implements gateway.Session on one libvirt connection. Mutating
// calls validate and resolve their target synchronously, then run the
// work in a goroutine that completes the returned task.
type Gateway struct {
	lv      domainAPI
	volumes volumeManager
	cfg     Config
	log     logrus.FieldLogger
	closer  io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ gateway.Session = (*Gateway)(nil)

// New creates a gateway. closer, when non-nil, is closed by Close after
// in-flight tasks finish.
func New(lv domainAPI, volumes volumeManager, cfg Config, log logrus.FieldLogger, closer io.Closer) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		lv:      lv,
		volumes: volumes,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "libvirt"),
		closer:  closer,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dialer returns a DialFunc that opens a new libvirt connection per session.
func Dialer(cfg Config, log logrus.FieldLogger) gateway.DialFunc {
	return func(ctx context.Context) (gateway.Session, error) {
		client, err := ConnectWithContext(ctx, cfg.SocketPath, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		lv := client.Libvirt()
		mgr := storage.NewManager(lv, storage.Pools{Images: cfg.ImagesPool, VMs: cfg.VMsPool})
		return New(lv, mgr, cfg, log, client), nil
	}
}

// Close stops polling in running tasks, waits for them, and closes the
// connection.
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

// run completes task with the outcome of fn, executed in the background.
func (g *Gateway) run(task *gateway.Task, fn func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error)) {
	log := g.log.WithFields(logrus.Fields{"task": task.ID, "op": task.Op, "target": task.Target})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ref, err := fn(g.ctx, log)
		if err != nil {
			err = classifyTask(task.Op, err)
			log.WithError(err).WithField("transient", gateway.IsTransient(err)).Warn("task failed")
			task.FailErr(err)
			return
		}
		log.Debug("task succeeded")
		task.Succeed(ref)
	}()
}

func (g *Gateway) FindEntity(ctx context.Context, kind gateway.EntityKind, name string) (gateway.Ref, error) {
	notFound := fmt.Errorf("%s %q: %w", kind, name, gateway.ErrEntityNotFound)

	switch kind {
	case gateway.KindDatacenter:
		if g.cfg.Datacenter != "" && name != g.cfg.Datacenter {
			return "", notFound
		}
		return entityRef(kind, name), nil

	case gateway.KindHost:
		host, err := g.lv.ConnectGetHostname()
		if err != nil {
			return "", classify("get hostname", err)
		}
		short, _, _ := strings.Cut(host, ".")
		if !strings.EqualFold(name, host) && !strings.EqualFold(name, short) {
			return "", notFound
		}
		return entityRef(kind, host), nil

	case gateway.KindDatastore:
		if _, err := g.lv.StoragePoolLookupByName(name); err != nil {
			return "", classify("look up pool "+name, err)
		}
		return entityRef(kind, name), nil

	case gateway.KindNetwork:
		if _, err := g.lv.NetworkLookupByName(name); err != nil {
			return "", classify("look up network "+name, err)
		}
		return entityRef(kind, name), nil

	case gateway.KindImage:
		ok, err := g.volumes.VolumeExists(ctx, g.cfg.ImagesPool, name)
		if err != nil {
			return "", classify("look up image "+name, err)
		}
		if !ok {
			return "", notFound
		}
		return imageRef(g.cfg.ImagesPool, name), nil

	case gateway.KindVM:
		dom, err := g.lv.DomainLookupByName(name)
		if err != nil {
			return "", classify("look up vm "+name, err)
		}
		return gateway.Ref(uuid.UUID(dom.UUID).String()), nil
	}

	return "", fmt.Errorf("unknown entity kind %q: %w", kind, gateway.ErrEntityNotFound)
}

func (g *Gateway) lookupDomain(ref gateway.Ref) (libvirt.Domain, error) {
	id, err := domainUUID(ref)
	if err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := g.lv.DomainLookupByUUID(libvirt.UUID(id))
	if err != nil {
		return libvirt.Domain{}, classify("look up vm "+string(ref), err)
	}
	return dom, nil
}

func (g *Gateway) GetProperties(ctx context.Context, ref gateway.Ref, fields []string) (map[string]any, error) {
	dom, err := g.lookupDomain(ref)
	if err != nil {
		return nil, err
	}

	var desc *libvirtxml.Domain
	describe := func() (*libvirtxml.Domain, error) {
		if desc != nil {
			return desc, nil
		}
		doc, err := g.lv.DomainGetXMLDesc(dom, 0)
		if err != nil {
			return nil, classify("describe vm "+string(ref), err)
		}
		var d libvirtxml.Domain
		if err := d.Unmarshal(doc); err != nil {
			return nil, fmt.Errorf("failed to parse domain XML: %w", err)
		}
		desc = &d
		return desc, nil
	}

	props := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case gateway.PropName:
			props[field] = dom.Name

		case gateway.PropPowerState:
			state, _, err := g.lv.DomainGetState(dom, 0)
			if err != nil {
				return nil, classify("get state of vm "+string(ref), err)
			}
			props[field] = powerState(state)

		case gateway.PropIPAddresses:
			ips, err := g.addresses(dom)
			if err != nil {
				return nil, classify("get addresses of vm "+string(ref), err)
			}
			props[field] = ips

		case gateway.PropCPU:
			d, err := describe()
			if err != nil {
				return nil, err
			}
			if d.VCPU != nil {
				props[field] = int(d.VCPU.Value)
			}

		case gateway.PropMemoryMB:
			d, err := describe()
			if err != nil {
				return nil, err
			}
			if d.Memory != nil {
				props[field] = memoryMiB(d.Memory.Value, d.Memory.Unit)
			}

		case gateway.PropLabels:
			labels, err := LoadLabels(g.lv, dom)
			if err != nil {
				return nil, classify("get labels of vm "+string(ref), err)
			}
			props[field] = labels
		}
	}
	return props, nil
}

// addresses returns the IPv4 leases of a running domain, sorted.
func (g *Gateway) addresses(dom libvirt.Domain) ([]string, error) {
	state, _, err := g.lv.DomainGetState(dom, 0)
	if err != nil {
		return nil, err
	}
	if state != domainStateRunning {
		return []string{}, nil
	}

	ifaces, err := g.lv.DomainInterfaceAddresses(dom, addrSourceLease, 0)
	if err != nil {
		return nil, err
	}
	ips := []string{}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == addrTypeIPv4 {
				ips = append(ips, addr.Addr)
			}
		}
	}
	sort.Strings(ips)
	return ips, nil
}

func powerState(state int32) string {
	if isOff(state) {
		return gateway.PowerStateOff
	}
	return gateway.PowerStateOn
}

func isOff(state int32) bool {
	return state == domainStateShutoff || state == domainStateCrashed
}

// memoryMiB converts a libvirt memory element to MiB. libvirt reports KiB
// when no unit is given.
func memoryMiB(value uint, unit string) int {
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return int(value >> 20)
	case "m", "mib":
		return int(value)
	case "g", "gib":
		return int(value << 10)
	default:
		return int(value >> 10)
	}
}

func (g *Gateway) CreateVM(ctx context.Context, spec gateway.CreateSpec) (*gateway.Task, error) {
	if spec.Name == "" {
		return nil, &gateway.TaskError{Op: gateway.OpCreateVM, Message: "vm name is required"}
	}
	pool, err := refName(spec.Placement.Datastore, gateway.KindDatastore)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w: %v", spec.Name, gateway.ErrEntityNotFound, err)
	}
	network, err := refName(spec.Placement.Network, gateway.KindNetwork)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w: %v", spec.Name, gateway.ErrEntityNotFound, err)
	}
	imagePool, image, err := imageRefParts(spec.Placement.Image)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w: %v", spec.Name, gateway.ErrEntityNotFound, err)
	}

	// Surface a dead connection now rather than as a task failure.
	if _, err := g.lv.StoragePoolLookupByName(pool); err != nil {
		return nil, classify("look up pool "+pool, err)
	}

	task := gateway.NewTask(gateway.OpCreateVM, "")
	g.run(task, func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error) {
		return g.create(ctx, log.WithField("vm", spec.Name), spec, pool, network, imagePool, image)
	})
	return task, nil
}

func (g *Gateway) create(ctx context.Context, log logrus.FieldLogger, spec gateway.CreateSpec, pool, network, imagePool, image string) (gateway.Ref, error) {
	log.Info("Checking for an existing domain...")
	if _, err := g.lv.DomainLookupByName(spec.Name); err == nil {
		return "", fmt.Errorf("domain %s already exists", spec.Name)
	} else if !hasCode(err, libvirt.ErrNoDomain) {
		return "", fmt.Errorf("failed to check for existing domain: %w", err)
	}

	prefix := naming.VolumePrefix(spec.Name)
	stale, err := g.volumes.DeleteVolumesWithPrefix(ctx, pool, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to reclaim stale volumes: %w", err)
	}
	if len(stale) > 0 {
		log.WithField("volumes", stale).Warn("removed volumes left by an earlier attempt")
	}

	var (
		dom     libvirt.Domain
		defined bool
	)
	cleanup := func() {
		cctx := context.WithoutCancel(ctx)
		if defined {
			if err := g.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
				log.WithError(err).Warn("failed to undefine domain during cleanup")
			}
		}
		if _, err := g.volumes.DeleteVolumesWithPrefix(cctx, pool, prefix); err != nil {
			log.WithError(err).Warn("failed to delete volumes during cleanup")
		}
	}

	id := uuid.New()
	bootVolume := naming.VolumeNameBoot(spec.Name)
	seedVolume := naming.VolumeNameCloudInit(spec.Name)

	log.Info("Creating boot volume...")
	err = g.volumes.CreateVolume(ctx, pool, storage.VolumeSpec{
		Name:          bootVolume,
		Type:          storage.VolumeTypeBoot,
		Format:        storage.VolumeFormatQCOW2,
		CapacityGB:    uint64(spec.DiskGB),
		BackingVolume: image,
		BackingPool:   imagePool,
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to create boot volume: %w", err)
	}

	log.Info("Writing cloud-init seed...")
	hostname := spec.Hostname
	if hostname == "" {
		hostname = spec.Name
	}
	seed, err := cloudinit.GenerateISO(cloudinit.Seed{
		InstanceID: id.String(),
		Hostname:   hostname,
		Domain:     g.cfg.GuestDomain,
		User:       g.cfg.GuestUser,
		SSHKeys:    spec.SSHKeys,
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to generate cloud-init seed: %w", err)
	}
	err = g.volumes.CreateVolume(ctx, pool, storage.VolumeSpec{
		Name:          seedVolume,
		Type:          storage.VolumeTypeCloudInit,
		Format:        storage.VolumeFormatRaw,
		CapacityBytes: uint64(len(seed)),
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to create seed volume: %w", err)
	}
	if err := g.volumes.WriteVolumeData(ctx, pool, seedVolume, seed); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to upload seed: %w", err)
	}

	log.Info("Defining domain...")
	doc, err := GenerateDomainXML(DomainSpec{
		Name:       spec.Name,
		UUID:       id,
		CPU:        spec.CPU,
		MemoryMB:   spec.MemoryMB,
		Pool:       pool,
		BootVolume: bootVolume,
		SeedVolume: seedVolume,
		Network:    network,
	})
	if err != nil {
		cleanup()
		return "", err
	}
	dom, err = g.lv.DomainDefineXML(doc)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to define domain: %w", err)
	}
	defined = true

	if err := StoreLabels(g.lv, dom, spec.Labels); err != nil {
		cleanup()
		return "", err
	}

	if err := g.lv.DomainSetAutostart(dom, 1); err != nil {
		log.WithError(err).Warn("failed to set autostart")
	}

	log.Info("Starting domain...")
	if err := g.lv.DomainCreate(dom); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to start domain: %w", err)
	}

	log.WithField("uuid", id.String()).Info("domain created")
	return gateway.Ref(id.String()), nil
}

func (g *Gateway) PowerOn(ctx context.Context, ref gateway.Ref) (*gateway.Task, error) {
	dom, err := g.lookupDomain(ref)
	if err != nil {
		return nil, err
	}

	task := gateway.NewTask(gateway.OpPowerOn, ref)
	g.run(task, func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error) {
		return ref, g.start(dom)
	})
	return task, nil
}

// start boots dom unless it is already on.
func (g *Gateway) start(dom libvirt.Domain) error {
	state, _, err := g.lv.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}
	if !isOff(state) {
		return nil
	}
	if err := g.lv.DomainCreate(dom); err != nil {
		return fmt.Errorf("failed to start domain: %w", err)
	}
	return nil
}

func (g *Gateway) PowerOff(ctx context.Context, ref gateway.Ref) (*gateway.Task, error) {
	dom, err := g.lookupDomain(ref)
	if err != nil {
		return nil, err
	}

	task := gateway.NewTask(gateway.OpPowerOff, ref)
	g.run(task, func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error) {
		return ref, g.stop(ctx, log, dom)
	})
	return task, nil
}

// stop shuts dom down gracefully, polling until it is off, and forces it
// off once ShutdownTimeout passes or the guest ignores the request.
func (g *Gateway) stop(ctx context.Context, log logrus.FieldLogger, dom libvirt.Domain) error {
	state, _, err := g.lv.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}
	if isOff(state) {
		return nil
	}

	log.Info("Requesting graceful shutdown...")
	if err := g.lv.DomainShutdown(dom); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		return g.forceOff(log, dom)
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			log.Warn("graceful shutdown timed out")
			return g.forceOff(log, dom)
		case <-ticker.C:
			state, _, err := g.lv.DomainGetState(dom, 0)
			if err != nil {
				log.WithError(err).Warn("failed to check shutdown state")
				return g.forceOff(log, dom)
			}
			if isOff(state) {
				log.Info("domain shut down gracefully")
				return nil
			}
		}
	}
}

func (g *Gateway) forceOff(log logrus.FieldLogger, dom libvirt.Domain) error {
	log.Info("Force stopping domain...")
	if err := g.lv.DomainDestroy(dom); err != nil {
		if state, _, serr := g.lv.DomainGetState(dom, 0); serr == nil && isOff(state) {
			return nil
		}
		return fmt.Errorf("failed to force stop domain: %w", err)
	}
	return nil
}

func (g *Gateway) Reboot(ctx context.Context, ref gateway.Ref) (*gateway.Task, error) {
	dom, err := g.lookupDomain(ref)
	if err != nil {
		return nil, err
	}

	task := gateway.NewTask(gateway.OpReboot, ref)
	g.run(task, func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error) {
		state, _, err := g.lv.DomainGetState(dom, 0)
		if err != nil {
			return "", fmt.Errorf("failed to get domain state: %w", err)
		}
		if isOff(state) {
			return ref, g.start(dom)
		}
		if err := g.lv.DomainReboot(dom, 0); err != nil {
			return "", fmt.Errorf("failed to reboot domain: %w", err)
		}
		return ref, nil
	})
	return task, nil
}

func (g *Gateway) Destroy(ctx context.Context, ref gateway.Ref) (*gateway.Task, error) {
	dom, err := g.lookupDomain(ref)
	if err != nil {
		return nil, err
	}

	task := gateway.NewTask(gateway.OpDestroy, ref)
	g.run(task, func(ctx context.Context, log logrus.FieldLogger) (gateway.Ref, error) {
		return ref, g.destroy(ctx, log.WithField("vm", dom.Name), dom)
	})
	return task, nil
}

func (g *Gateway) destroy(ctx context.Context, log logrus.FieldLogger, dom libvirt.Domain) error {
	pools := []string{g.cfg.VMsPool}
	if doc, err := g.lv.DomainGetXMLDesc(dom, 0); err == nil {
		var d libvirtxml.Domain
		if err := d.Unmarshal(doc); err == nil {
			pools = diskPools(&d, g.cfg.VMsPool)
		}
	} else if hasCode(err, libvirt.ErrNoDomain) {
		log.Info("domain already gone")
		return nil
	}

	if err := g.stop(ctx, log, dom); err != nil {
		if hasCode(err, libvirt.ErrNoDomain) {
			return nil
		}
		return err
	}

	log.Info("Undefining domain...")
	if err := g.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil && !hasCode(err, libvirt.ErrNoDomain) {
		return fmt.Errorf("failed to undefine domain: %w", err)
	}

	// Leftover volumes are reclaimed by the next create with this name.
	log.Info("Cleaning up storage volumes...")
	prefix := naming.VolumePrefix(dom.Name)
	for _, pool := range pools {
		deleted, err := g.volumes.DeleteVolumesWithPrefix(context.WithoutCancel(ctx), pool, prefix)
		if err != nil {
			log.WithError(err).WithField("pool", pool).Warn("failed to delete volumes")
		}
		if len(deleted) > 0 {
			log.WithFields(logrus.Fields{"pool": pool, "volumes": deleted}).Info("deleted volumes")
		}
	}
	return nil
}

// diskPools lists the distinct pools the domain's volume disks live in,
// always including fallback.
func diskPools(d *libvirtxml.Domain, fallback string) []string {
	seen := map[string]bool{fallback: true}
	pools := []string{fallback}
	if d.Devices == nil {
		return pools
	}
	for _, disk := range d.Devices.Disks {
		if disk.Source == nil || disk.Source.Volume == nil {
			continue
		}
		if p := disk.Source.Volume.Pool; p != "" && !seen[p] {
			seen[p] = true
			pools = append(pools, p)
		}
	}
	return pools
}

func (g *Gateway) AwaitTask(ctx context.Context, task *gateway.Task) (gateway.TaskInfo, error) {
	return task.Await(ctx)
}
