package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8443", cfg.Server.ListenAddr)
	assert.Equal(t, ReportModeCumulative, cfg.Metering.ReportMode)
	assert.Equal(t, "memory", cfg.Coordinator.Broker)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "none", cfg.Management.AuthType)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
	}{
		{"bad report mode", func(c *Root) { c.Metering.ReportMode = "guessing" }},
		{"bad broker", func(c *Root) { c.Coordinator.Broker = "kafka" }},
		{"redis without addrs", func(c *Root) { c.Coordinator.Broker = "redis" }},
		{"zero resync interval", func(c *Root) { c.Coordinator.ResyncInterval = 0 }},
		{"bad storage type", func(c *Root) { c.Storage.Type = "sqlite" }},
		{"postgres without dsn", func(c *Root) { c.Storage.Type = "postgres" }},
		{"bad auth type", func(c *Root) { c.Management.AuthType = "basic" }},
		{"api_key without key", func(c *Root) { c.Management.AuthType = "api_key" }},
		{"jwt without secret", func(c *Root) { c.Management.AuthType = "jwt" }},
		{"zero flush interval", func(c *Root) { c.Metering.FlushInterval = 0 }},
		{"zero cache size", func(c *Root) { c.Admission.CacheSize = 0 }},
		{"negative rate limit", func(c *Root) { c.Management.RateLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  listen_addr: ":9000"
metering:
  report_mode: incremental
  flush_interval: 10s
coordinator:
  broker: redis
  redis:
    addrs: ["localhost:6379"]
management:
  auth_type: api_key
  api_key: test-key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, ReportModeIncremental, cfg.Metering.ReportMode)
	assert.Equal(t, 10*time.Second, cfg.Metering.FlushInterval)
	assert.Equal(t, "redis", cfg.Coordinator.Broker)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Coordinator.Redis.Addrs)
	assert.Equal(t, "test-key", cfg.Management.APIKey)

	// Untouched sections keep their defaults
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 4096, cfg.Admission.CacheSize)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not-a-map"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: sqlite\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
