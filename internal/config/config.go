package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// EnvPrefix prefixes every environment override, e.g. VMLEASE_GATEWAY_SOCKET.
const EnvPrefix = "VMLEASE"

// Registry backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Gateway drivers.
const (
	DriverLibvirt = "libvirt"
	DriverFake    = "fake"
)

// Config is the service configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Registry RegistryConfig `mapstructure:"registry"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Guest    GuestConfig    `mapstructure:"guest"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Events   EventsConfig   `mapstructure:"events"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	Defaults v1alpha1.SpecDefaults   `mapstructure:"defaults"`
	Limits   v1alpha1.ResourceLimits `mapstructure:"limits"`

	// Catalogue maps an OS id to its base image volume. Empty accepts any
	// OS and names the image after it.
	Catalogue map[string]string `mapstructure:"catalogue"`

	file string
}

// RegistryConfig selects where VM records are kept.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// OrdersConfig points at the order ledger file.
type OrdersConfig struct {
	Path string `mapstructure:"path"`
}

// GatewayConfig configures the hypervisor connection and placement.
type GatewayConfig struct {
	Driver          string        `mapstructure:"driver"`
	Socket          string        `mapstructure:"socket"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Datacenter string `mapstructure:"datacenter"`
	Host       string `mapstructure:"host"`
	Datastore  string `mapstructure:"datastore"`
	Network    string `mapstructure:"network"`

	ImagePool  string `mapstructure:"image_pool"`
	ImagesPath string `mapstructure:"images_path"`
	VMsPath    string `mapstructure:"vms_path"`
}

// GuestConfig is written into every cloud-init seed.
type GuestConfig struct {
	Domain string `mapstructure:"domain"`
	User   string `mapstructure:"user"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// EventsConfig enables NATS publishing when NATSURL is set.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers every key with its default. Environment overrides
// only apply to registered keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.path", "/var/lib/vmlease/registry")
	v.SetDefault("orders.path", "/etc/vmlease/orders.yaml")

	v.SetDefault("gateway.driver", DriverLibvirt)
	v.SetDefault("gateway.socket", "/var/run/libvirt/libvirt-sock")
	v.SetDefault("gateway.connect_timeout", 5*time.Second)
	v.SetDefault("gateway.task_timeout", 10*time.Minute)
	v.SetDefault("gateway.shutdown_timeout", 60*time.Second)
	v.SetDefault("gateway.datacenter", "default")
	v.SetDefault("gateway.host", "")
	v.SetDefault("gateway.datastore", "vmlease-vms")
	v.SetDefault("gateway.network", "default")
	v.SetDefault("gateway.image_pool", "vmlease-images")
	v.SetDefault("gateway.images_path", "/var/lib/libvirt/images/vmlease/images")
	v.SetDefault("gateway.vms_path", "/var/lib/libvirt/images/vmlease/vms")

	v.SetDefault("guest.domain", "")
	v.SetDefault("guest.user", "")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Hour)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "vmlease")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("tracing.enabled", false)

	d := v1alpha1.DefaultSpecDefaults()
	v.SetDefault("defaults.cpu", d.CPU)
	v.SetDefault("defaults.memory_mb", d.MemoryMB)
	v.SetDefault("defaults.disk_gb", d.DiskGB)
	v.SetDefault("defaults.bandwidth_gb", d.BandwidthGB)
	v.SetDefault("defaults.os", d.OS)

	l := v1alpha1.DefaultResourceLimits()
	v.SetDefault("limits.min_cpu", l.MinCPU)
	v.SetDefault("limits.max_cpu", l.MaxCPU)
	v.SetDefault("limits.min_memory_mb", l.MinMemoryMB)
	v.SetDefault("limits.max_memory_mb", l.MaxMemoryMB)
	v.SetDefault("limits.min_disk_gb", l.MinDiskGB)
	v.SetDefault("limits.max_disk_gb", l.MaxDiskGB)
}

// Load reads configuration from path, or from vmlease.yaml in the working
// directory or /etc/vmlease when path is empty, then applies VMLEASE_*
// environment overrides. A missing config file is only an error when path
// was given.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vmlease")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vmlease")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// File returns the config file that was read, if any.
func (c *Config) File() string {
	return c.file
}

// Normalize sanitizes user input to consistent formats.
func (c *Config) Normalize() {
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	c.Gateway.Driver = strings.ToLower(strings.TrimSpace(c.Gateway.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Guest.Domain = strings.ToLower(strings.TrimSpace(c.Guest.Domain))
	c.Defaults.OS = strings.ToLower(strings.TrimSpace(c.Defaults.OS))

	if len(c.Catalogue) > 0 {
		catalogue := make(map[string]string, len(c.Catalogue))
		for os, image := range c.Catalogue {
			catalogue[strings.ToLower(strings.TrimSpace(os))] = strings.TrimSpace(image)
		}
		c.Catalogue = catalogue
	}
}

// RFC 952/1123 labels joined by dots.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// Validate checks the configuration for errors. It does not contact the
// hypervisor or the broker.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("registry.backend must be %q or %q, got %q", BackendMemory, BackendBadger, c.Registry.Backend)
	}

	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if c.Guest.Domain != "" && !domainPattern.MatchString(c.Guest.Domain) {
		return fmt.Errorf("guest.domain must be a valid DNS domain, got %q", c.Guest.Domain)
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be > 0, got %s", c.Sweeper.Interval)
	}

	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return fmt.Errorf("events.subject is required when events.nats_url is set")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	if err := validateLimits(c.Limits); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.Limits.Validate(c.Defaults.Apply(v1alpha1.ServiceConfig{})); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	for os, image := range c.Catalogue {
		if os == "" || image == "" {
			return fmt.Errorf("catalogue: os and image cannot be empty (%q: %q)", os, image)
		}
	}
	if len(c.Catalogue) > 0 {
		if _, ok := c.Catalogue[c.Defaults.OS]; !ok {
			return fmt.Errorf("defaults.os %q is not in the catalogue", c.Defaults.OS)
		}
	}

	return nil
}

// Validate checks gateway settings.
func (g *GatewayConfig) Validate() error {
	switch g.Driver {
	case DriverFake:
		return nil
	case DriverLibvirt:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverLibvirt, DriverFake, g.Driver)
	}

	if g.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if g.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0, got %s", g.ConnectTimeout)
	}
	if g.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be > 0, got %s", g.TaskTimeout)
	}
	if g.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0, got %s", g.ShutdownTimeout)
	}
	// the libvirt gateway cannot create a VM without these
	if g.Datastore == "" {
		return fmt.Errorf("datastore is required")
	}
	if g.Network == "" {
		return fmt.Errorf("network is required")
	}
	if g.ImagePool == "" {
		return fmt.Errorf("image_pool is required")
	}
	if g.ImagePool == g.Datastore {
		return fmt.Errorf("image_pool and datastore must differ, both are %q", g.Datastore)
	}
	return nil
}

func validateLimits(l v1alpha1.ResourceLimits) error {
	switch {
	case l.MinCPU <= 0 || l.MaxCPU < l.MinCPU:
		return fmt.Errorf("cpu range %d..%d is invalid", l.MinCPU, l.MaxCPU)
	case l.MinMemoryMB <= 0 || l.MaxMemoryMB < l.MinMemoryMB:
		return fmt.Errorf("memory_mb range %d..%d is invalid", l.MinMemoryMB, l.MaxMemoryMB)
	case l.MinDiskGB <= 0 || l.MaxDiskGB < l.MinDiskGB:
		return fmt.Errorf("disk_gb range %d..%d is invalid", l.MinDiskGB, l.MaxDiskGB)
	}
	return nil
}
