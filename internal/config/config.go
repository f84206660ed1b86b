// Package config handles loading, validating, and writing the
// LedgerTrail service configuration from config.yaml in the data
// directory.
//
// The config defines:
//   - Server bind address (host:port) for the HTTP API and live feed
//   - Storage settings (ledger database file, append queue size)
//   - Integrity monitor schedule (interval and trailing window)
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level LedgerTrail configuration. Loaded from
// config.yaml, with defaults for fields that are not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3600 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig controls the ledger database and the append queue.
type StorageConfig struct {
	// Path to the SQLite ledger file, relative to the data directory
	// unless absolute.
	Path string `yaml:"path"`

	// QueueSize bounds the append request queue. Callers block once the
	// queue is full, which backpressures producers instead of growing
	// memory without bound.
	QueueSize int `yaml:"queueSize"`
}

// MonitorConfig controls the background integrity monitor. These fields
// are hot-reloadable: the running service file-watches config.yaml and
// applies changes without a restart.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// IntervalSeconds between scheduled verification runs.
	IntervalSeconds int `yaml:"intervalSeconds"`

	// WindowSeconds of trailing history each run verifies.
	WindowSeconds int `yaml:"windowSeconds"`
}

// Interval returns the monitor interval as a duration.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Window returns the monitor window as a duration.
func (m MonitorConfig) Window() time.Duration {
	return time.Duration(m.WindowSeconds) * time.Second
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run before
			// `ledgertrail config init` creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `ledgertrail config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# LedgerTrail Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3600)
#
# storage:
#   path: SQLite ledger file (relative to the data directory unless absolute)
#   queueSize: Append queue capacity; full queue backpressures producers
#
# monitor:
#   enabled: Run background chain verification
#   intervalSeconds: Seconds between verification runs (hot-reloadable)
#   windowSeconds: Trailing window each run verifies (hot-reloadable)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3600,
		},
		Storage: StorageConfig{
			Path:      "ledger.db",
			QueueSize: 256,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalSeconds: 300,
			WindowSeconds:   86400,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if cfg.Storage.QueueSize < 0 {
		return fmt.Errorf("storage.queueSize must be non-negative")
	}
	if cfg.Monitor.IntervalSeconds < 0 {
		return fmt.Errorf("monitor.intervalSeconds must be non-negative")
	}
	if cfg.Monitor.Enabled && cfg.Monitor.IntervalSeconds == 0 {
		return fmt.Errorf("monitor.intervalSeconds must be positive when the monitor is enabled")
	}
	if cfg.Monitor.WindowSeconds < 0 {
		return fmt.Errorf("monitor.windowSeconds must be non-negative")
	}
	return nil
}
