package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Node      NodeConfig      `mapstructure:"node"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Bus       BusConfig       `mapstructure:"bus"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Host     string   `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int      `mapstructure:"http_port"` // HTTP server port
	APIKeys  []string `mapstructure:"api_keys"`  // API keys for mutating ops endpoints (empty: open)
}

// NodeConfig identifies this database server and its local state location
type NodeConfig struct {
	ServerID string `mapstructure:"server_id"` // Cluster-wide server id (e.g., PRMR-0001)
	DataDir  string `mapstructure:"data_dir"`  // Root of the local shard metadata tree
}

// EtcdConfig represents etcd configuration
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	PlanPrefix  string        `mapstructure:"plan_prefix"` // Key prefix of the Plan (default: /keel/plan)
}

// BusConfig represents maintenance event bus configuration
type BusConfig struct {
	Backend  string `mapstructure:"backend"`  // Bus backend: memory (default), nats, kafka, redis
	URL      string `mapstructure:"url"`      // Server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisStream   string `mapstructure:"redis_stream"`   // Redis stream prefix (default: "keel")
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "keel-maintenance")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// ReconcileConfig represents the maintenance reconciliation loop configuration
type ReconcileConfig struct {
	Interval         time.Duration `mapstructure:"interval"`           // Dirty-set pass interval
	FullPassInterval time.Duration `mapstructure:"full_pass_interval"` // Forced all-databases pass interval
	Workers          int           `mapstructure:"workers"`            // Executor worker count
	QueueSize        int           `mapstructure:"queue_size"`         // Executor action queue capacity
}

// ArchiveConfig represents the plan changeset archive configuration
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`   // Enable archiving of observed plan changesets
	Dir       string `mapstructure:"dir"`       // Archive directory
	Retention int    `mapstructure:"retention"` // Archived changesets kept per database
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, UnixMs, etc
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Reconcile.Validate(); err != nil {
		return fmt.Errorf("reconcile config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}

	return nil
}

// Validate validates node configuration
func (c *NodeConfig) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates reconcile configuration
func (c *ReconcileConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}

	if c.FullPassInterval < c.Interval {
		return fmt.Errorf("reconcile.full_pass_interval cannot be shorter than reconcile.interval")
	}

	if c.Workers < 1 {
		return fmt.Errorf("reconcile.workers must be at least 1")
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("reconcile.queue_size must be at least 1")
	}

	return nil
}

// Validate validates archive configuration
func (c *ArchiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Dir == "" {
		return fmt.Errorf("archive.dir is required when archiving is enabled")
	}

	if c.Retention < 1 {
		return fmt.Errorf("archive.retention must be at least 1")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
