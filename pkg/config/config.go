// Package config loads process configuration. The struct is constructed once
// at startup and passed by reference into the components that need it; there
// is no global settings singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Driver names the persistence backend.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the trust core's configuration.
type Config struct {
	// SigningSecret is the server-held master secret for PIN signing. Never
	// persisted; required in production.
	SigningSecret string `yaml:"signing_secret"`

	// PinTTL is the default PIN lifetime when an issuance does not override
	// it.
	PinTTL time.Duration `yaml:"pin_ttl"`

	// Driver selects the store backend: memory, sqlite, or postgres.
	Driver string `yaml:"driver"`

	// DatabaseURL is the SQLite path or Postgres DSN, depending on Driver.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the Redis lock backend for multi-instance
	// deployments when non-empty.
	RedisAddr string `yaml:"redis_addr"`

	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from environment variables with development
// defaults.
func Load() *Config {
	cfg := &Config{
		SigningSecret: envOr("TRUSTCORE_SIGNING_SECRET", "dev-signing-secret-change-in-production"),
		PinTTL:        60 * time.Second,
		Driver:        envOr("TRUSTCORE_DRIVER", DriverMemory),
		DatabaseURL:   envOr("TRUSTCORE_DATABASE_URL", "trustcore.db"),
		RedisAddr:     os.Getenv("TRUSTCORE_REDIS_ADDR"),
		LogLevel:      envOr("TRUSTCORE_LOG_LEVEL", "INFO"),
	}

	if v := os.Getenv("TRUSTCORE_PIN_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PinTTL = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("config: signing secret must not be empty")
	}
	if c.PinTTL <= 0 {
		return fmt.Errorf("config: pin ttl must be positive")
	}
	switch c.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
