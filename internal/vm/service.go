package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/metrics"
	"github.com/jbweber/vmlease/internal/naming"
	"github.com/jbweber/vmlease/internal/registry"
)

const tracerName = "github.com/jbweber/vmlease/internal/vm"

// DefaultTaskTimeout bounds the wait for one gateway task.
const DefaultTaskTimeout = 10 * time.Minute

// PlacementNames are the entity names resolved before every create.
type PlacementNames struct {
	// Datacenter is used when the order does not name one.
	Datacenter string
	Host       string
	Datastore  string
	Network    string
}

// Options configures a Service.
type Options struct {
	Store   vmStore
	Orders  orderBook
	Gateway gateway.Gateway

	// Events defaults to events.Nop.
	Events publisher

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Catalogue maps an OS id to its base image name. When empty every
	// OS is accepted and the image is named after it.
	Catalogue map[string]string

	Defaults  v1alpha1.SpecDefaults
	Limits    v1alpha1.ResourceLimits
	Placement PlacementNames

	// TaskTimeout defaults to DefaultTaskTimeout.
	TaskTimeout time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service runs every VM lifecycle operation.
type Service struct {
	store     vmStore
	orders    orderBook
	gw        gateway.Gateway
	events    publisher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	tracer    trace.Tracer
	catalogue map[string]string
	defaults  v1alpha1.SpecDefaults
	limits    v1alpha1.ResourceLimits
	placement PlacementNames
	timeout   time.Duration
	now       func() time.Time

	vmLocks    *keyedMutex
	orderLocks *keyedMutex
}

// NewService creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Orders == nil {
		return nil, errors.New("order book is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}

	s := &Service{
		store:      opts.Store,
		orders:     opts.Orders,
		gw:         opts.Gateway,
		events:     opts.Events,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		catalogue:  opts.Catalogue,
		defaults:   opts.Defaults,
		limits:     opts.Limits,
		placement:  opts.Placement,
		timeout:    opts.TaskTimeout,
		now:        opts.Clock,
		vmLocks:    newKeyedMutex(),
		orderLocks: newKeyedMutex(),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(tracerName)
	if s.defaults == (v1alpha1.SpecDefaults{}) {
		s.defaults = v1alpha1.DefaultSpecDefaults()
	}
	if s.limits == (v1alpha1.ResourceLimits{}) {
		s.limits = v1alpha1.DefaultResourceLimits()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTaskTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// startOp opens a span for an operation. The returned func ends the span
// and counts the outcome; pass it the operation's final error.
func (s *Service) startOp(ctx context.Context, action v1alpha1.Action, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "vm."+string(action), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = string(KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.ObserveOperation(string(action), outcome)
		span.End()
	}
}

// lockVM acquires the per-VM lock.
func (s *Service) lockVM(ctx context.Context, id string, action v1alpha1.Action) (func(), error) {
	unlock, err := s.vmLocks.Lock(ctx, id)
	if err != nil {
		return nil, &Error{Kind: KindGatewayTransient, VMID: id, Action: action,
			Err: fmt.Errorf("waiting for vm lock: %w", err)}
	}
	return unlock, nil
}

// load reads a record by id.
func (s *Service) load(ctx context.Context, id string, action v1alpha1.Action) (*v1alpha1.VirtualMachine, error) {
	vm, err := s.store.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, VMID: id, Action: action, Err: err}
	}
	if err != nil {
		return nil, &Error{Kind: KindInternal, VMID: id, Action: action,
			Err: fmt.Errorf("failed to read vm: %w", err)}
	}
	v1alpha1.SetDefaultAPIVersion(vm)
	return vm, nil
}

// save persists vm and returns the stored copy. Saves run detached from
// the caller's cancellation so a settled task is always recorded.
func (s *Service) save(ctx context.Context, vm *v1alpha1.VirtualMachine, action v1alpha1.Action) (*v1alpha1.VirtualMachine, error) {
	vm.UpdatedAt = s.now()
	saved, err := s.store.Update(context.WithoutCancel(ctx), vm)
	if errors.Is(err, registry.ErrStaleVersion) {
		return nil, newError(KindConflict, vm, action, err)
	}
	if err != nil {
		return nil, newError(KindInternal, vm, action, fmt.Errorf("failed to save vm: %w", err))
	}
	return saved, nil
}

// publish sends an event for a persisted record. Failures are logged only.
func (s *Service) publish(ctx context.Context, t events.Type, vm *v1alpha1.VirtualMachine, action v1alpha1.Action, actor v1alpha1.Actor, cause error) {
	ev := events.New(t, vm, action, actor, s.now())
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"vm":    vm.ID,
			"event": t,
		}).Warn("failed to publish event")
	}
}

// runTask submits a gateway task and waits for its outcome.
//
// Submission honors ctx. Once submitted the wait is bounded only by the
// task timeout so a caller giving up does not leave the record unsettled.
func (s *Service) runTask(ctx context.Context, op string, submit func(context.Context) (*gateway.Task, error)) (gateway.Ref, error) {
	ctx, span := s.tracer.Start(ctx, "gateway."+op)
	defer span.End()

	start := s.now()
	task, err := submit(ctx)
	if err != nil {
		s.metrics.ObserveTask(op, s.now().Sub(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	ref, err := gateway.Wait(waitCtx, s.gw, task)
	s.metrics.ObserveTask(op, s.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ref, err
}

// imageFor returns the base image name for an OS id.
func (s *Service) imageFor(os string) (string, bool) {
	if len(s.catalogue) == 0 {
		return naming.ImageVolumeName(os), true
	}
	img, ok := s.catalogue[os]
	return img, ok
}

// normalizeOS trims and lower-cases an OS id.
func normalizeOS(os string) string {
	return strings.ToLower(strings.TrimSpace(os))
}

// resolvePlacement looks up every placement entity for a create.
func (s *Service) resolvePlacement(ctx context.Context, vm *v1alpha1.VirtualMachine, os string) (gateway.Placement, error) {
	image, ok := s.imageFor(os)
	if !ok {
		return gateway.Placement{}, fmt.Errorf("no image for os %q: %w", os, gateway.ErrEntityNotFound)
	}

	dc := vm.DataCenter
	if dc == "" {
		dc = s.placement.Datacenter
	}

	var p gateway.Placement
	lookups := []struct {
		kind gateway.EntityKind
		name string
		ref  *gateway.Ref
	}{
		{gateway.KindDatacenter, dc, &p.Datacenter},
		{gateway.KindHost, s.placement.Host, &p.Host},
		{gateway.KindDatastore, s.placement.Datastore, &p.Datastore},
		{gateway.KindNetwork, s.placement.Network, &p.Network},
		{gateway.KindImage, image, &p.Image},
	}
	for _, l := range lookups {
		if l.name == "" {
			continue
		}
		ref, err := s.gw.FindEntity(ctx, l.kind, l.name)
		if err != nil {
			return gateway.Placement{}, fmt.Errorf("failed to resolve %s %q: %w", l.kind, l.name, err)
		}
		*l.ref = ref
	}
	return p, nil
}

// createRemote creates the remote object for vm with spec and waits for it.
func (s *Service) createRemote(ctx context.Context, vm *v1alpha1.VirtualMachine, spec v1alpha1.Specifications, placement gateway.Placement) (gateway.Ref, error) {
	cs := gateway.CreateSpec{
		Name:      vm.Name,
		Hostname:  vm.Hostname,
		CPU:       spec.CPU,
		MemoryMB:  spec.MemoryMB,
		DiskGB:    spec.DiskGB,
		OS:        spec.OS,
		SSHKeys:   append([]string(nil), spec.SSHKeys...),
		Placement: placement,
		Labels: map[string]string{
			"vmId":    vm.ID,
			"orderId": vm.OrderID,
			"userId":  vm.UserID,
		},
	}
	ref, err := s.runTask(ctx, gateway.OpCreateVM, func(ctx context.Context) (*gateway.Task, error) {
		return s.gw.CreateVM(ctx, cs)
	})
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", &gateway.TaskError{Op: gateway.OpCreateVM, Message: "task returned no object reference"}
	}
	return ref, nil
}

// refreshIPs reads the addresses reported for vm's remote object.
// Failures keep the current addresses.
func (s *Service) refreshIPs(ctx context.Context, vm *v1alpha1.VirtualMachine) {
	props, err := s.gw.GetProperties(ctx, gateway.Ref(vm.RemoteObjectRef), []string{gateway.PropIPAddresses})
	if err != nil {
		s.log.WithError(err).WithField("vm", vm.ID).Warn("failed to read ip addresses")
		return
	}
	vm.IPAddresses = gateway.StringSlice(props, gateway.PropIPAddresses)
}

func (s *Service) logger(vm *v1alpha1.VirtualMachine, action v1alpha1.Action) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"vm":     vm.ID,
		"order":  vm.OrderID,
		"action": action,
	})
}
