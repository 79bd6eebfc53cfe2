// Package config loads the formrelayd server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" and "15s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete formrelayd configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Stream  StreamConfig  `yaml:"stream"`
	Runner  RunnerConfig  `yaml:"runner"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuthConfig maps bearer tokens to account names
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"` // token -> account
}

// StoreConfig contains log store backend settings
type StoreConfig struct {
	Backend   string   `yaml:"backend"` // "memory", "sqlite"
	DSN       string   `yaml:"dsn"`     // sqlite only
	Retention Duration `yaml:"retention"`
}

// StreamConfig contains live streaming settings
type StreamConfig struct {
	BufferSize int      `yaml:"buffer_size"` // per-subscriber event buffer
	Heartbeat  Duration `yaml:"heartbeat"`
}

// RunnerConfig contains worker pool settings
type RunnerConfig struct {
	Workers int `yaml:"workers"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load loads configuration from a YAML file, applying defaults for any
// omitted fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Auth: AuthConfig{
			Tokens: map[string]string{},
		},
		Store: StoreConfig{
			Backend:   "memory",
			Retention: Duration(time.Hour),
		},
		Stream: StreamConfig{
			BufferSize: 256,
			Heartbeat:  Duration(15 * time.Second),
		},
		Runner: RunnerConfig{
			Workers: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be positive")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be positive")
	}
	return nil
}

// ListenAddr returns the address:port string for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
