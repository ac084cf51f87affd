// Package config loads the server configuration from YAML files with
// environment overrides. Defaults cover a single-node in-memory
// deployment; NATS and metrics are opt-in.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in the "5s" form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the websocket endpoint settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NATSConfig holds the connection settings for the optional NATS
// backend. When disabled the server runs on the in-memory store and a
// purely local event bus.
type NATSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URLs          []string `yaml:"urls"`
	Bucket        string   `yaml:"bucket"`
	EventPrefix   string   `yaml:"event_prefix"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
}

// AuthConfig holds token settings. The secret has no default; it must
// come from the file or HYPHA_TOKEN_SECRET.
type AuthConfig struct {
	TokenSecret string   `yaml:"token_secret"`
	TokenExpiry Duration `yaml:"token_expiry"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds the slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":9527"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Bucket:        "hypha_services",
			EventPrefix:   "hypha.events",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Auth:    AuthConfig{TokenExpiry: Duration(24 * time.Hour)},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load returns the defaults overlaid with the given file (if path is
// non-empty) and environment overrides, validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies HYPHA_* environment variables on top of the
// file values. Only settings that make sense to inject at deploy time
// are overridable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HYPHA_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("HYPHA_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("HYPHA_NATS_URL"); v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("HYPHA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required (or set HYPHA_TOKEN_SECRET)")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be positive")
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required when nats is enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the slog logger described by the logging section.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
