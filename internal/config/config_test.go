package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendMemory, cfg.Storage.Accounts)
	assert.Equal(t, ClockSystem, cfg.Clock.Source)
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, "CdH2ymLMr7RyYcd1nyDZm59DRv6JgrtzuAxoH7STFvnm", cfg.Ledger.ProgramID)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEFI_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("DEFI_STORAGE_ACCOUNTS", "redis")
	t.Setenv("DEFI_REDIS_DB", "3")
	t.Setenv("DEFI_SCHEDULER_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, BackendRedis, cfg.Storage.Accounts)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":7000"
storage:
  accounts: postgres
postgres:
  dsn: postgres://ledger@localhost/ledger
log:
  level: debug
`), 0o600))

	// environment still wins over the file
	t.Setenv("DEFI_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, BackendPostgres, cfg.Storage.Accounts)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown accounts backend", func(c *Config) { c.Storage.Accounts = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Accounts = BackendPostgres }},
		{"clickhouse without dsn", func(c *Config) { c.Storage.Activity = BackendClickhouse }},
		{"unknown clock", func(c *Config) { c.Clock.Source = "ntp" }},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "abc" }},
		{"zero attempts", func(c *Config) { c.Ledger.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
