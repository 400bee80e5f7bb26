package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// envKeys are the settings that can be overridden with REPLICATION_<SECTION>_<KEY>
var envKeys = []string{
	"server.node_id",
	"server.replica_id",
	"server.host",
	"server.port",
	"domain.base_dn",
	"domain.group_id",
	"domain.generation_id",
	"domain.replication_servers",
	"domain.isolation_policy",
	"state_store.type",
	"state_store.directory",
	"entry_store.type",
	"entry_store.path",
	"postgres.host",
	"postgres.port",
	"postgres.database",
	"postgres.user",
	"postgres.password",
	"redis.host",
	"redis.port",
	"redis.password",
	"gossip.enabled",
	"gossip.bind_port",
	"gossip.seed_nodes",
	"logging.level",
}

// Load reads the YAML file when present, applies REPLICATION_* environment
// overrides, then fills defaults and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPLICATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
