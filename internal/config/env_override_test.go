package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("SIBYL_DATA_DIR", "/var/lib/sibyl")
	t.Setenv("SIBYL_LOG_LEVEL", "debug")
	t.Setenv("SIBYL_TOKEN_BUDGET", "250000")
	t.Setenv("SIBYL_MAX_CONCURRENT", "16")
	t.Setenv("SIBYL_LISTEN_ADDR", "0.0.0.0:9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sibyl", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(250000), cfg.Budget.TokenBudget)
	assert.Equal(t, 16, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.ListenAddr)
}

func TestEnvOverridesIgnoreMalformedNumbers(t *testing.T) {
	t.Setenv("SIBYL_TOKEN_BUDGET", "a-lot")
	t.Setenv("SIBYL_MAX_CONCURRENT", "-3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget.TokenBudget, cfg.Budget.TokenBudget)
	assert.Equal(t, DefaultConfig().Scheduler.MaxConcurrent, cfg.Scheduler.MaxConcurrent)
}

func TestEnvOverrideTakesPrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sibyl.yaml")
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	require.NoError(t, cfg.Save(path))

	t.Setenv("SIBYL_LOG_LEVEL", "error")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", loaded.Logging.Level)
}
