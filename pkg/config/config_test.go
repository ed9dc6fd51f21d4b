package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consentmesh/trustcore/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TRUSTCORE_SIGNING_SECRET", "")
	t.Setenv("TRUSTCORE_DRIVER", "")
	t.Setenv("TRUSTCORE_DATABASE_URL", "")
	t.Setenv("TRUSTCORE_PIN_TTL_SECONDS", "")
	t.Setenv("TRUSTCORE_LOG_LEVEL", "")

	cfg := config.Load()

	assert.Equal(t, config.DriverMemory, cfg.Driver)
	assert.Equal(t, 60*time.Second, cfg.PinTTL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.NotEmpty(t, cfg.SigningSecret)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TRUSTCORE_SIGNING_SECRET", "prod-secret")
	t.Setenv("TRUSTCORE_DRIVER", "postgres")
	t.Setenv("TRUSTCORE_DATABASE_URL", "postgres://db:5432/trustcore")
	t.Setenv("TRUSTCORE_PIN_TTL_SECONDS", "120")
	t.Setenv("TRUSTCORE_REDIS_ADDR", "redis:6379")

	cfg := config.Load()

	assert.Equal(t, "prod-secret", cfg.SigningSecret)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://db:5432/trustcore", cfg.DatabaseURL)
	assert.Equal(t, 120*time.Second, cfg.PinTTL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cfg := config.Load()
	cfg.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = config.Load()
	cfg.SigningSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestApplyProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"driver: sqlite\ndatabase_url: /var/lib/trustcore/core.db\npin_ttl_seconds: 30\n",
	), 0o600))

	cfg := config.Load()
	base := cfg.SigningSecret
	require.NoError(t, cfg.ApplyProfile(path))

	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "/var/lib/trustcore/core.db", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.PinTTL)
	// Fields absent from the profile keep their values.
	assert.Equal(t, base, cfg.SigningSecret)
}

func TestApplyProfile_MissingFile(t *testing.T) {
	cfg := config.Load()
	assert.Error(t, cfg.ApplyProfile(filepath.Join(t.TempDir(), "absent.yaml")))
}
