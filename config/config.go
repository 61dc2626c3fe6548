// Package config loads and validates the YAML configuration for the hub
// daemon and the client SDK.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailsense/realtime/errors"
)

// Duration wraps time.Duration so YAML values can be written as "30s",
// "2m", "500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete application configuration.
type Config struct {
	Hub    HubConfig    `yaml:"hub"`
	Client ClientConfig `yaml:"client"`
	NATS   NATSConfig   `yaml:"nats"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// HubConfig configures the server-side gateway.
type HubConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WSPath            string   `yaml:"ws_path"`
	MetricsAddr       string   `yaml:"metrics_addr"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HistoryLimit      int      `yaml:"history_limit"`
	HistoryWindow     Duration `yaml:"history_window"`
}

// ClientConfig configures the client SDK.
type ClientConfig struct {
	URL                  string   `yaml:"url"`
	HTTPBase             string   `yaml:"http_base"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	BaseReconnectDelay   Duration `yaml:"base_reconnect_delay"`
	MaxReconnectDelay    Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	PollInterval         Duration `yaml:"poll_interval"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	RetentionWindow      Duration `yaml:"retention_window"`
	QueueSize            int      `yaml:"queue_size"`
	StoreDSN             string   `yaml:"store_dsn"`
	StoreLimit           int      `yaml:"store_limit"`
}

// NATSConfig configures the producer-bus connection.
type NATSConfig struct {
	URLs          []string `yaml:"urls"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
}

// AuthConfig configures credential validation. The signing secret is
// read from the named environment variable, never stored in the file.
type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Hub: HubConfig{
			ListenAddr:        ":8080",
			WSPath:            "/ws",
			MetricsAddr:       ":9090",
			HeartbeatInterval: Duration(30 * time.Second),
			HistoryLimit:      200,
			HistoryWindow:     Duration(24 * time.Hour),
		},
		Client: ClientConfig{
			URL:                  "ws://localhost:8080/ws",
			HTTPBase:             "http://localhost:8080",
			HeartbeatInterval:    Duration(30 * time.Second),
			BaseReconnectDelay:   Duration(1 * time.Second),
			MaxReconnectDelay:    Duration(30 * time.Second),
			MaxReconnectAttempts: 5,
			PollInterval:         Duration(10 * time.Second),
			SweepInterval:        Duration(60 * time.Second),
			RetentionWindow:      Duration(24 * time.Hour),
			QueueSize:            100,
			StoreLimit:           100,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: 60,
			ReconnectWait: Duration(2 * time.Second),
		},
		Auth: AuthConfig{
			JWTSecretEnv: "REALTIME_JWT_SECRET",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and validates a YAML configuration file, applying defaults
// for absent fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapFatal(err, "config", "Load", "read file")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Load", "parse yaml")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Hub.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "hub.listen_addr")
	}
	if c.Hub.WSPath == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "hub.ws_path")
	}
	if c.Hub.HeartbeatInterval.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"hub.heartbeat_interval must be positive")
	}
	if c.Hub.HistoryLimit <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"hub.history_limit must be positive")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"client.max_reconnect_attempts cannot be negative")
	}
	if c.Client.BaseReconnectDelay.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"client.base_reconnect_delay must be positive")
	}
	if c.Client.MaxReconnectDelay.Std() < c.Client.BaseReconnectDelay.Std() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"client.max_reconnect_delay must be >= base_reconnect_delay")
	}
	if c.Client.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"client.queue_size must be positive")
	}
	if c.Auth.JWTSecretEnv == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "auth.jwt_secret_env")
	}
	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.urls")
	}
	return nil
}
