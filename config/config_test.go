package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  listen_addr: ":9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Hub.ListenAddr)
	// Unset fields keep their defaults.
	assert.Equal(t, "/ws", cfg.Hub.WSPath)
	assert.Equal(t, 30*time.Second, cfg.Hub.HeartbeatInterval.Std())
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
}

func TestLoad_ParsesDurations(t *testing.T) {
	path := writeConfig(t, `
client:
  heartbeat_interval: 15s
  base_reconnect_delay: 500ms
  max_reconnect_delay: 1m
  poll_interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Client.HeartbeatInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Client.BaseReconnectDelay.Std())
	assert.Equal(t, time.Minute, cfg.Client.MaxReconnectDelay.Std())
	assert.Equal(t, 5*time.Second, cfg.Client.PollInterval.Std())
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
client:
  heartbeat_interval: soon
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Hub.ListenAddr = "" }},
		{"empty ws path", func(c *Config) { c.Hub.WSPath = "" }},
		{"zero heartbeat", func(c *Config) { c.Hub.HeartbeatInterval = 0 }},
		{"zero history limit", func(c *Config) { c.Hub.HistoryLimit = 0 }},
		{"negative reconnect attempts", func(c *Config) { c.Client.MaxReconnectAttempts = -1 }},
		{"zero base delay", func(c *Config) { c.Client.BaseReconnectDelay = 0 }},
		{"max delay below base", func(c *Config) {
			c.Client.BaseReconnectDelay = Duration(10 * time.Second)
			c.Client.MaxReconnectDelay = Duration(1 * time.Second)
		}},
		{"zero queue size", func(c *Config) { c.Client.QueueSize = 0 }},
		{"empty jwt secret env", func(c *Config) { c.Auth.JWTSecretEnv = "" }},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
