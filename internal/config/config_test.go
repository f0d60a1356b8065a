package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnv strips every env var this package reads so tests don't pick up
// whatever happens to be set in the process environment.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HTTP_PORT", "STORE_URL", "API_KEY", "REMOTE_API_KEY", "REMOTE_MODEL",
		"REMOTE_MAX_TOKENS", "REQUEST_TIMEOUT", "MAX_ATTEMPTS", "POLL_INTERVAL",
		"BATCH_CHECK_INTERVAL", "MAX_CONCURRENT_SUBMITS", "MAX_CONCURRENT_DELIVERIES",
		"TASK_PENDING_TTL", "TASK_COMPLETED_TTL", "TASK_FAILED_TTL", "CALLBACK_URL",
		"CALLBACK_SECRET", "LEADER_ELECTION_ENABLED", "LEADER_LOCK_NAME",
		"LEADER_TTL", "LEADER_REFRESH_INTERVAL", "CLASSIFY_RELAY_DEV",
		"CLASSIFY_RELAY_CONFIG",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, 3, cfg.Task.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Task.PollInterval)
	require.Equal(t, 60*time.Second, cfg.Task.BatchCheckInterval)
	require.False(t, cfg.Leader.Enabled)
	require.Equal(t, "classify-relay:relay:leader", cfg.Leader.LockName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("LEADER_ELECTION_ENABLED", "true")
	t.Setenv("POLL_INTERVAL", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9191, cfg.HTTP.Port)
	require.Equal(t, 7, cfg.Task.MaxAttempts)
	require.True(t, cfg.Leader.Enabled)
	require.Equal(t, 2*time.Second, cfg.Task.PollInterval)
}

func TestLoad_InvalidEnvValueFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Task.MaxAttempts)
}

func TestLoad_TOMLOverlay(t *testing.T) {
	clearEnv(t)

	f, err := os.CreateTemp(t.TempDir(), "config-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString(`
[http]
port = 9000

[task]
max_attempts = 5
poll_interval = "10s"
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("CLASSIFY_RELAY_CONFIG", f.Name())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.HTTP.Port)
	require.Equal(t, 5, cfg.Task.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Task.PollInterval)
}

func TestLoad_TOMLOverlayMissingFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLASSIFY_RELAY_CONFIG", "/nonexistent/path/config.toml")

	_, err := Load()
	require.Error(t, err)
}
