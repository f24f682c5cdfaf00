package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")         // Current directory
		v.AddConfigPath("./configs") // Project configs directory
		v.AddConfigPath("./config")  // Alternative config directory
		v.AddConfigPath("/etc/keel") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("KEEL")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 6655)

	// Node defaults
	v.SetDefault("node.server_id", "PRMR-0001")
	v.SetDefault("node.data_dir", "./data")

	// Etcd defaults
	v.SetDefault("etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.plan_prefix", "/keel/plan")

	// Bus defaults
	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.url", "nats://localhost:4222")

	// Reconcile defaults
	v.SetDefault("reconcile.interval", "1s")
	v.SetDefault("reconcile.full_pass_interval", "30s")
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.queue_size", 1024)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dir", "./archive")
	v.SetDefault("archive.retention", 16)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		// Return default configuration
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 6655,
		},
		Node: NodeConfig{
			ServerID: "PRMR-0001",
			DataDir:  "./data",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
			PlanPrefix:  "/keel/plan",
		},
		Bus: BusConfig{
			Backend: "memory",
			URL:     "nats://localhost:4222",
		},
		Reconcile: ReconcileConfig{
			Interval:         1 * time.Second,
			FullPassInterval: 30 * time.Second,
			Workers:          4,
			QueueSize:        1024,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Dir:       "./archive",
			Retention: 16,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
