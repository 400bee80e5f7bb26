package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation policies applied to local writes while no replication server is reachable
const (
	IsolationAccept = "accept"
	IsolationReject = "reject"
)

// ServerConfig holds node identity and the admin HTTP server
type ServerConfig struct {
	NodeID          string        `yaml:"node_id" mapstructure:"node_id"`
	ReplicaID       uint16        `yaml:"replica_id" mapstructure:"replica_id"`
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DomainConfig holds the replicated subtree settings
type DomainConfig struct {
	BaseDN             string        `yaml:"base_dn" mapstructure:"base_dn"`
	GroupID            uint8         `yaml:"group_id" mapstructure:"group_id"`
	GenerationID       int64         `yaml:"generation_id" mapstructure:"generation_id"`
	ReplicationServers []string      `yaml:"replication_servers" mapstructure:"replication_servers"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	WindowSize         int           `yaml:"window_size" mapstructure:"window_size"`
	IsolationPolicy    string        `yaml:"isolation_policy" mapstructure:"isolation_policy"`
	Assured            bool          `yaml:"assured" mapstructure:"assured"`
	AssuredMode        string        `yaml:"assured_mode" mapstructure:"assured_mode"`
	SafeDataLevel      uint8         `yaml:"safe_data_level" mapstructure:"safe_data_level"`
}

// ConnectionConfig holds replication server connection settings
type ConnectionConfig struct {
	DialTimeout        time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	InitialInterval    time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval        time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	MaxElapsedTime     time.Duration `yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
}

// StateStoreConfig selects where ServerState checkpoints go
type StateStoreConfig struct {
	Type               string        `yaml:"type" mapstructure:"type"`
	Directory          string        `yaml:"directory" mapstructure:"directory"`
	SyncWrites         bool          `yaml:"sync_writes" mapstructure:"sync_writes"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	MaxCheckpoints     int           `yaml:"max_checkpoints" mapstructure:"max_checkpoints"`
}

// EntryStoreConfig selects the directory backend
type EntryStoreConfig struct {
	Type string `yaml:"type" mapstructure:"type"`
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL state store settings
type PostgresConfig struct {
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Database       string `yaml:"database" mapstructure:"database"`
	User           string `yaml:"user" mapstructure:"user"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	MinConnections int    `yaml:"min_connections" mapstructure:"min_connections"`
}

// RedisConfig holds Redis state store settings
type RedisConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	BindAddr       string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort       int           `yaml:"bind_port" mapstructure:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes" mapstructure:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// ResyncConfig bounds the resync of entries from history
type ResyncConfig struct {
	Workers       int     `yaml:"workers" mapstructure:"workers"`
	QueueSize     int     `yaml:"queue_size" mapstructure:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// HealthConfig holds health check thresholds
type HealthConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	MaxDiskUsage   float64       `yaml:"max_disk_usage" mapstructure:"max_disk_usage"`
	MaxMemoryUsage float64       `yaml:"max_memory_usage" mapstructure:"max_memory_usage"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config represents the complete configuration of a replication node
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Domain     DomainConfig     `yaml:"domain" mapstructure:"domain"`
	Connection ConnectionConfig `yaml:"connection" mapstructure:"connection"`
	StateStore StateStoreConfig `yaml:"state_store" mapstructure:"state_store"`
	EntryStore EntryStoreConfig `yaml:"entry_store" mapstructure:"entry_store"`
	Postgres   PostgresConfig   `yaml:"postgres" mapstructure:"postgres"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Gossip     GossipConfig     `yaml:"gossip" mapstructure:"gossip"`
	Resync     ResyncConfig     `yaml:"resync" mapstructure:"resync"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8989
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Domain.HeartbeatInterval == 0 {
		cfg.Domain.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Domain.WindowSize == 0 {
		cfg.Domain.WindowSize = 100
	}
	if cfg.Domain.IsolationPolicy == "" {
		cfg.Domain.IsolationPolicy = IsolationReject
	}
	if cfg.Domain.AssuredMode == "" {
		cfg.Domain.AssuredMode = "safe_data"
	}
	if cfg.Domain.SafeDataLevel == 0 {
		cfg.Domain.SafeDataLevel = 1
	}

	if cfg.Connection.DialTimeout == 0 {
		cfg.Connection.DialTimeout = 5 * time.Second
	}
	if cfg.Connection.ProbeTimeout == 0 {
		cfg.Connection.ProbeTimeout = 2 * time.Second
	}
	if cfg.Connection.InitialInterval == 0 {
		cfg.Connection.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Connection.MaxInterval == 0 {
		cfg.Connection.MaxInterval = 30 * time.Second
	}
	if cfg.Connection.BreakerMaxFailures == 0 {
		cfg.Connection.BreakerMaxFailures = 3
	}
	if cfg.Connection.BreakerTimeout == 0 {
		cfg.Connection.BreakerTimeout = 30 * time.Second
	}
	if cfg.Connection.ReconnectInterval == 0 {
		cfg.Connection.ReconnectInterval = 5 * time.Second
	}

	if cfg.StateStore.Type == "" {
		cfg.StateStore.Type = "file"
	}
	if cfg.StateStore.Directory == "" {
		cfg.StateStore.Directory = "/var/lib/pairdb/replication"
	}
	if cfg.StateStore.CheckpointInterval == 0 {
		cfg.StateStore.CheckpointInterval = 10 * time.Second
	}
	if cfg.StateStore.MaxCheckpoints == 0 {
		cfg.StateStore.MaxCheckpoints = 1000
	}

	if cfg.EntryStore.Type == "" {
		cfg.EntryStore.Type = "memory"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 1
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Resync.Workers == 0 {
		cfg.Resync.Workers = 4
	}
	if cfg.Resync.QueueSize == 0 {
		cfg.Resync.QueueSize = 256
	}
	if cfg.Resync.RatePerSecond == 0 {
		cfg.Resync.RatePerSecond = 500
	}
	if cfg.Resync.Burst == 0 {
		cfg.Resync.Burst = 50
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 30 * time.Second
	}
	if cfg.Health.MaxDiskUsage == 0 {
		cfg.Health.MaxDiskUsage = 0.9
	}
	if cfg.Health.MaxMemoryUsage == 0 {
		cfg.Health.MaxMemoryUsage = 0.9
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.ReplicaID == 0 {
		return fmt.Errorf("server.replica_id must be between 1 and 65535")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Domain.BaseDN == "" {
		return fmt.Errorf("domain.base_dn is required")
	}
	switch c.Domain.IsolationPolicy {
	case IsolationAccept, IsolationReject:
	default:
		return fmt.Errorf("domain.isolation_policy must be %q or %q", IsolationAccept, IsolationReject)
	}
	switch c.StateStore.Type {
	case "file", "postgres", "redis":
	default:
		return fmt.Errorf("state_store.type must be file, postgres or redis")
	}
	switch c.EntryStore.Type {
	case "memory", "badger":
	default:
		return fmt.Errorf("entry_store.type must be memory or badger")
	}
	if c.EntryStore.Type == "badger" && c.EntryStore.Path == "" {
		return fmt.Errorf("entry_store.path is required for badger")
	}
	if c.StateStore.Type == "postgres" && c.Postgres.Host == "" {
		return fmt.Errorf("postgres.host is required for the postgres state store")
	}
	if c.StateStore.Type == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required for the redis state store")
	}
	if c.Resync.RatePerSecond < 0 {
		return fmt.Errorf("resync.rate_per_second must not be negative")
	}
	if c.Health.MaxDiskUsage < 0 || c.Health.MaxDiskUsage > 1 {
		return fmt.Errorf("health.max_disk_usage must be between 0 and 1")
	}
	return nil
}
