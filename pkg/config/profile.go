package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// profile is the YAML overlay shape. Only fields present in the file
// override the base configuration.
type profile struct {
	SigningSecret *string `yaml:"signing_secret"`
	PinTTLSeconds *int    `yaml:"pin_ttl_seconds"`
	Driver        *string `yaml:"driver"`
	DatabaseURL   *string `yaml:"database_url"`
	RedisAddr     *string `yaml:"redis_addr"`
	LogLevel      *string `yaml:"log_level"`
}

// ApplyProfile overlays a YAML profile file on top of the configuration.
// Missing fields keep their current values.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile: %w", err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if p.SigningSecret != nil {
		c.SigningSecret = *p.SigningSecret
	}
	if p.PinTTLSeconds != nil {
		c.PinTTL = time.Duration(*p.PinTTLSeconds) * time.Second
	}
	if p.Driver != nil {
		c.Driver = *p.Driver
	}
	if p.DatabaseURL != nil {
		c.DatabaseURL = *p.DatabaseURL
	}
	if p.RedisAddr != nil {
		c.RedisAddr = *p.RedisAddr
	}
	if p.LogLevel != nil {
		c.LogLevel = *p.LogLevel
	}
	return nil
}
