package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Minute, cfg.Registry.ExpiryAfter)
	assert.Equal(t, 30*time.Second, cfg.Registry.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.Broker.PendingTimeout)
	assert.Equal(t, 50, cfg.Streaming.Quality)
	assert.Equal(t, 50*time.Millisecond, cfg.Streaming.Interval)
	assert.Equal(t, 10*time.Second, cfg.Client.ConnectTimeout)
	assert.False(t, cfg.Registry.EnforceUnique)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Signal.Path)
	assert.Equal(t, "http://localhost:8080", cfg.Client.SignalURL)
}

func TestLoad_ParsesYAMLDurations(t *testing.T) {
	path := writeTempConfig(t, `
registry:
  expiry_after: 30m
  sweep_interval: 60s
  enforce_unique: true
broker:
  pending_timeout: 90s
streaming:
  quality: 70
  interval: 100ms
client:
  signal_url: "https://relay.example.com"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Registry.ExpiryAfter)
	assert.Equal(t, 60*time.Second, cfg.Registry.SweepInterval)
	assert.True(t, cfg.Registry.EnforceUnique)
	assert.Equal(t, 90*time.Second, cfg.Broker.PendingTimeout)
	assert.Equal(t, 70, cfg.Streaming.Quality)
	assert.Equal(t, 100*time.Millisecond, cfg.Streaming.Interval)
	assert.Equal(t, "https://relay.example.com", cfg.Client.SignalURL)
	// untouched sections keep defaults
	assert.Equal(t, ":5000", cfg.Host.ListenAddress)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DESKRELAY_SIGNAL_URL", "http://10.0.0.5:9000")
	t.Setenv("DESKRELAY_LOG_LEVEL", "debug")
	t.Setenv("DESKRELAY_SESSION_EXPIRY", "30m")
	t.Setenv("DESKRELAY_SWEEP_INTERVAL", "1m")
	t.Setenv("DESKRELAY_REDIS_ENABLED", "true")
	t.Setenv("DESKRELAY_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Client.SignalURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Minute, cfg.Registry.ExpiryAfter)
	assert.Equal(t, time.Minute, cfg.Registry.SweepInterval)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("DESKRELAY_SESSION_EXPIRY", "ten minutes")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "registry: [unclosed")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero expiry", func(c *Config) { c.Registry.ExpiryAfter = 0 }},
		{"zero sweep", func(c *Config) { c.Registry.SweepInterval = 0 }},
		{"zero pending timeout", func(c *Config) { c.Broker.PendingTimeout = 0 }},
		{"tombstones shorter than timeout", func(c *Config) { c.Broker.TombstoneTTL = time.Second }},
		{"quality out of range", func(c *Config) { c.Streaming.Quality = 0 }},
		{"negative interval", func(c *Config) { c.Streaming.Interval = -time.Millisecond }},
		{"bad signal url", func(c *Config) { c.Client.SignalURL = "localhost" }},
		{"heartbeat slower than expiry", func(c *Config) { c.Client.HeartbeatInterval = 11 * time.Minute }},
		{"negative max viewers", func(c *Config) { c.Host.MaxViewers = -1 }},
		{"redis enabled without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"rate limit enabled with zero rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}
