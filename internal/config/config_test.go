package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmlease.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `listen_addr: 127.0.0.1:9090
registry:
  backend: Badger
  path: /tmp/registry
gateway:
  task_timeout: 5m
  datacenter: lab
  network: br0
guest:
  domain: Lab.Example.com
  user: ops
sweeper:
  interval: 15m
log:
  level: debug
  format: json
defaults:
  os: debian-12
  memory_mb: 2048
catalogue:
  debian-12: debian-12-genericcloud.qcow2
  ubuntu-24: noble.qcow2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.File() != path {
		t.Errorf("File() = %q, want %q", cfg.File(), path)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Registry.Backend != BackendBadger || cfg.Registry.Path != "/tmp/registry" {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
	if cfg.Gateway.TaskTimeout != 5*time.Minute {
		t.Errorf("TaskTimeout = %s, want 5m", cfg.Gateway.TaskTimeout)
	}
	if cfg.Gateway.Network != "br0" || cfg.Gateway.Datacenter != "lab" {
		t.Errorf("Gateway placement = %+v", cfg.Gateway)
	}
	if cfg.Guest.Domain != "lab.example.com" {
		t.Errorf("Guest.Domain = %q, want normalized", cfg.Guest.Domain)
	}
	if cfg.Sweeper.Interval != 15*time.Minute {
		t.Errorf("Sweeper.Interval = %s", cfg.Sweeper.Interval)
	}
	if cfg.Defaults.OS != "debian-12" || cfg.Defaults.MemoryMB != 2048 {
		t.Errorf("Defaults = %+v", cfg.Defaults)
	}
	// untouched keys keep their defaults
	if cfg.Defaults.CPU != 1 || cfg.Limits.MaxCPU != 64 {
		t.Errorf("Defaults/Limits lost defaults: %+v %+v", cfg.Defaults, cfg.Limits)
	}
	if cfg.Gateway.Datastore != "vmlease-vms" || cfg.Gateway.ConnectTimeout != 5*time.Second {
		t.Errorf("Gateway lost defaults: %+v", cfg.Gateway)
	}
	if cfg.Catalogue["ubuntu-24"] != "noble.qcow2" {
		t.Errorf("Catalogue = %v", cfg.Catalogue)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.File() != "" {
		t.Errorf("File() = %q, want none", cfg.File())
	}
	if cfg.Gateway.Driver != DriverLibvirt || cfg.Registry.Backend != BackendMemory {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sweeper.Interval != time.Hour || !cfg.Sweeper.Enabled {
		t.Errorf("Sweeper = %+v", cfg.Sweeper)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VMLEASE_GATEWAY_NETWORK", "br-lease")
	t.Setenv("VMLEASE_LOG_LEVEL", "warn")
	t.Setenv("VMLEASE_GATEWAY_TASK_TIMEOUT", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Network != "br-lease" {
		t.Errorf("Gateway.Network = %q, want br-lease", cfg.Gateway.Network)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Gateway.TaskTimeout != 90*time.Second {
		t.Errorf("TaskTimeout = %s, want 90s", cfg.Gateway.TaskTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "missing explicit file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantErr: "failed to read config",
		},
		{
			name:    "malformed yaml",
			path:    func(t *testing.T) string { return writeConfig(t, "listen_addr: [\n") },
			wantErr: "failed to read config",
		},
		{
			name:    "invalid value",
			path:    func(t *testing.T) string { return writeConfig(t, "registry:\n  backend: etcd\n") },
			wantErr: "registry.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	cfg.Normalize()
	return &cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"fake driver skips libvirt checks", func(c *Config) {
			c.Gateway.Driver = DriverFake
			c.Gateway.Socket = ""
			c.Gateway.Network = ""
		}, ""},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, "listen_addr is required"},
		{"badger without path", func(c *Config) {
			c.Registry.Backend = BackendBadger
			c.Registry.Path = ""
		}, "registry.path"},
		{"unknown driver", func(c *Config) { c.Gateway.Driver = "vsphere" }, "gateway: driver"},
		{"no network", func(c *Config) { c.Gateway.Network = "" }, "gateway: network is required"},
		{"zero task timeout", func(c *Config) { c.Gateway.TaskTimeout = 0 }, "task_timeout"},
		{"shared pools", func(c *Config) { c.Gateway.ImagePool = c.Gateway.Datastore }, "must differ"},
		{"bad guest domain", func(c *Config) { c.Guest.Domain = "-lab..example" }, "guest.domain"},
		{"zero sweep interval", func(c *Config) { c.Sweeper.Interval = 0 }, "sweeper.interval"},
		{"nats without subject", func(c *Config) {
			c.Events.NATSURL = "nats://127.0.0.1:4222"
			c.Events.Subject = ""
		}, "events.subject"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"inverted cpu range", func(c *Config) { c.Limits.MaxCPU = 0 }, "limits: cpu range"},
		{"default out of bounds", func(c *Config) { c.Defaults.DiskGB = 5 }, "defaults: diskGB"},
		{"default os not in catalogue", func(c *Config) {
			c.Catalogue = map[string]string{"debian-12": "debian-12.qcow2"}
		}, "defaults.os"},
		{"empty catalogue image", func(c *Config) {
			c.Catalogue = map[string]string{"ubuntu-22": ""}
		}, "catalogue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
