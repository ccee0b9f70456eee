package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Bridge.DefaultTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, 5, cfg.Bridge.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Bridge.GracePeriod)
	assert.Equal(t, 50, cfg.Bridge.HighWaterMark)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hostbridge.yaml", `
bridge:
  default_timeout: 5s
  poll_interval: 20ms
  batch_size: 2
  grace_period: 1m
snapshot:
  enabled: false
http:
  addr: "127.0.0.1:8080"
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Bridge.DefaultTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, 2, cfg.Bridge.BatchSize)
	assert.Equal(t, time.Minute, cfg.Bridge.GracePeriod)
	assert.False(t, cfg.Snapshot.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)

	// Untouched sections keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.Bridge.TickInterval)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "bridge: [not, a, map")
	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hostbridge.yaml", "bridge:\n  batch_size: 2\n")
	t.Setenv("HOSTBRIDGE_BRIDGE_BATCH_SIZE", "9")
	t.Setenv("HOSTBRIDGE_BRIDGE_POLL_INTERVAL", "250ms")
	t.Setenv("HOSTBRIDGE_GRPC_ENABLED", "false")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Bridge.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.PollInterval)
	assert.False(t, cfg.GRPC.Enabled)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "HOSTBRIDGE_SNAPSHOT_PATH="+filepath.Join(dir, "dump.json")+"\n")
	t.Cleanup(func() { os.Unsetenv("HOSTBRIDGE_SNAPSHOT_PATH") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dump.json"), cfg.Snapshot.Path)
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero batch size", func(c *Config) { c.Bridge.BatchSize = 0 }, "batch_size"},
		{"zero poll interval", func(c *Config) { c.Bridge.PollInterval = 0 }, "poll_interval"},
		{"negative grace", func(c *Config) { c.Bridge.GracePeriod = -time.Second }, "grace_period"},
		{"stall ratio above one", func(c *Config) { c.Bridge.StallRatio = 1.5 }, "stall_ratio"},
		{"snapshot without path", func(c *Config) { c.Snapshot.Path = "" }, "snapshot.path"},
		{"http without addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
