package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 4*time.Hour, cfg.Scanner.Cooldown)
	assert.False(t, cfg.Database.Enabled)
	assert.NotEmpty(t, cfg.Schedule.Scan)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9100"
  bearer_token: file-token
scanner:
  cooldown: 2h
  crypto_enabled: true
bias:
  manual:
    savita: 54.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "file-token", cfg.Server.BearerToken)
	assert.Equal(t, 2*time.Hour, cfg.Scanner.Cooldown)
	assert.True(t, cfg.Scanner.CryptoEnabled)
	require.NotNil(t, cfg.Bias.Manual.Savita)
	assert.InDelta(t, 54.5, *cfg.Bias.Manual.Savita, 1e-9)

	// Untouched sections keep their defaults.
	assert.Equal(t, "*/5 * * * *", cfg.Schedule.Heartbeat)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  bearer_token: file-token\n"), 0o644))

	t.Setenv("MB_BEARER_TOKEN", "env-token")
	t.Setenv("FRED_API_KEY", "abc123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Server.BearerToken)
	assert.Equal(t, "abc123", cfg.Providers.FREDAPIKey)
}

func TestValidateRejectsEnabledWithoutTarget(t *testing.T) {
	cfg := Default()
	cfg.Database.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}
