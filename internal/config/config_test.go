package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	mutate := func(fn func(*Config)) *Config {
		cfg := DefaultConfig()
		fn(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "default config should be valid",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "invalid http port",
			config:  mutate(func(c *Config) { c.Server.HTTPPort = 0 }),
			wantErr: true,
		},
		{
			name:    "missing server id",
			config:  mutate(func(c *Config) { c.Node.ServerID = "" }),
			wantErr: true,
		},
		{
			name:    "missing data dir",
			config:  mutate(func(c *Config) { c.Node.DataDir = "" }),
			wantErr: true,
		},
		{
			name:    "missing etcd endpoints",
			config:  mutate(func(c *Config) { c.Etcd.Endpoints = nil }),
			wantErr: true,
		},
		{
			name:    "non-positive etcd dial timeout",
			config:  mutate(func(c *Config) { c.Etcd.DialTimeout = 0 }),
			wantErr: true,
		},
		{
			name:    "non-positive reconcile interval",
			config:  mutate(func(c *Config) { c.Reconcile.Interval = 0 }),
			wantErr: true,
		},
		{
			name: "full pass interval shorter than interval",
			config: mutate(func(c *Config) {
				c.Reconcile.Interval = 10 * time.Second
				c.Reconcile.FullPassInterval = time.Second
			}),
			wantErr: true,
		},
		{
			name:    "zero workers",
			config:  mutate(func(c *Config) { c.Reconcile.Workers = 0 }),
			wantErr: true,
		},
		{
			name:    "zero queue size",
			config:  mutate(func(c *Config) { c.Reconcile.QueueSize = 0 }),
			wantErr: true,
		},
		{
			name: "enabled archive without dir",
			config: mutate(func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Dir = ""
			}),
			wantErr: true,
		},
		{
			name: "enabled archive with zero retention",
			config: mutate(func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Retention = 0
			}),
			wantErr: true,
		},
		{
			name: "disabled archive skips archive checks",
			config: mutate(func(c *Config) {
				c.Archive.Enabled = false
				c.Archive.Dir = ""
				c.Archive.Retention = 0
			}),
			wantErr: false,
		},
		{
			name:    "invalid logging level",
			config:  mutate(func(c *Config) { c.Logging.Level = "verbose" }),
			wantErr: true,
		},
		{
			name:    "invalid logging format",
			config:  mutate(func(c *Config) { c.Logging.Format = "xml" }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 6655 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}
	if cfg.Node.ServerID != "PRMR-0001" {
		t.Errorf("ServerID = %q", cfg.Node.ServerID)
	}
	if cfg.Etcd.PlanPrefix != "/keel/plan" {
		t.Errorf("PlanPrefix = %q", cfg.Etcd.PlanPrefix)
	}
	if cfg.Bus.Backend != "memory" {
		t.Errorf("Bus backend = %q", cfg.Bus.Backend)
	}
	if cfg.Reconcile.Interval != time.Second {
		t.Errorf("Interval = %v", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.FullPassInterval != 30*time.Second {
		t.Errorf("FullPassInterval = %v", cfg.Reconcile.FullPassInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config must validate: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("Expected error for explicitly missing config file, got %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 7001
node:
  server_id: PRMR-0042
  data_dir: /var/lib/keel
reconcile:
  interval: 2s
  full_pass_interval: 60s
bus:
  backend: nats
  url: nats://bus:4222
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 7001 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}
	if cfg.Node.ServerID != "PRMR-0042" {
		t.Errorf("ServerID = %q", cfg.Node.ServerID)
	}
	if cfg.Reconcile.Interval != 2*time.Second {
		t.Errorf("Interval = %v", cfg.Reconcile.Interval)
	}
	if cfg.Bus.Backend != "nats" || cfg.Bus.URL != "nats://bus:4222" {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	// Unset sections keep their defaults.
	if cfg.Etcd.PlanPrefix != "/keel/plan" {
		t.Errorf("PlanPrefix = %q", cfg.Etcd.PlanPrefix)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 0\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error for http_port 0")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg == nil {
		t.Fatal("LoadOrDefault must never return nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Fallback config must validate: %v", err)
	}
}
