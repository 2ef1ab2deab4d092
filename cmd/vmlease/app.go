package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmlease/internal/config"
	"github.com/jbweber/vmlease/internal/events"
	"github.com/jbweber/vmlease/internal/gateway"
	"github.com/jbweber/vmlease/internal/libvirt"
	"github.com/jbweber/vmlease/internal/logging"
	"github.com/jbweber/vmlease/internal/metrics"
	"github.com/jbweber/vmlease/internal/orders"
	"github.com/jbweber/vmlease/internal/registry"
	"github.com/jbweber/vmlease/internal/sweeper"
	"github.com/jbweber/vmlease/internal/vm"
)

// app holds the wired service and everything that must be closed with it.
type app struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	gateway  gateway.Gateway
	service  *vm.Service
	sweeper  *sweeper.Sweeper
	registry *prometheus.Registry

	closers []func() error
}

func newApp(cfg *config.Config, log logrus.FieldLogger, tp trace.TracerProvider) (a *app, err error) {
	a = &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	store, err := openRegistry(cfg.Registry, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	book, err := orders.NewFileBook(cfg.Orders.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open order book: %w", err)
	}

	a.gateway = openGateway(cfg, log)
	if c, ok := a.gateway.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject, logging.Component(log, "events"))
		if err != nil {
			return nil, err
		}
		pub = nats
		a.closers = append(a.closers, nats.Close)
	}

	a.service, err = vm.NewService(vm.Options{
		Store:          store,
		Orders:         book,
		Gateway:        a.gateway,
		Events:         pub,
		Metrics:        m,
		Logger:         logging.Component(log, "vm"),
		TracerProvider: tp,
		Catalogue:      cfg.Catalogue,
		Defaults:       cfg.Defaults,
		Limits:         cfg.Limits,
		Placement: vm.PlacementNames{
			Datacenter: cfg.Gateway.Datacenter,
			Host:       cfg.Gateway.Host,
			Datastore:  cfg.Gateway.Datastore,
			Network:    cfg.Gateway.Network,
		},
		TaskTimeout: cfg.Gateway.TaskTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VM service: %w", err)
	}

	a.sweeper = sweeper.New(a.service, m, logging.Component(log, "sweeper"))
	return a, nil
}

func openRegistry(cfg config.RegistryConfig, log logrus.FieldLogger) (registry.Store, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		store, err := registry.NewBadgerStore(cfg.Path, logging.Component(log, "badger"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return registry.NewMemoryStore(), nil
	}
}

func openGateway(cfg *config.Config, log logrus.FieldLogger) gateway.Gateway {
	if cfg.Gateway.Driver == config.DriverFake {
		log.Warn("Using the in-memory fake gateway: no VMs will be created")
		return gateway.NewFake()
	}

	dial := libvirt.Dialer(libvirtConfig(cfg), log)
	return gateway.NewReconnecting(dial, logging.Component(log, "gateway"))
}

func libvirtConfig(cfg *config.Config) libvirt.Config {
	return libvirt.Config{
		SocketPath:      cfg.Gateway.Socket,
		ConnectTimeout:  cfg.Gateway.ConnectTimeout,
		Datacenter:      cfg.Gateway.Datacenter,
		ImagesPool:      cfg.Gateway.ImagePool,
		VMsPool:         cfg.Gateway.Datastore,
		ShutdownTimeout: cfg.Gateway.ShutdownTimeout,
		GuestDomain:     cfg.Guest.Domain,
		GuestUser:       cfg.Guest.User,
	}
}

// health reports whether the hypervisor answers for the configured
// datacenter.
func (a *app) health(ctx context.Context) error {
	if _, err := a.gateway.FindEntity(ctx, gateway.KindDatacenter, a.cfg.Gateway.Datacenter); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
