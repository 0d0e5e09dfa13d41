// Package config holds the labkit CLI configuration: YAML file with
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all labkit configuration.
type Config struct {
	// Hub connection
	Hub HubConfig `yaml:"hub"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Sample recorder
	Recorder RecorderConfig `yaml:"recorder"`

	// Monitor TUI
	Monitor MonitorConfig `yaml:"monitor"`

	// Device defaults
	Devices DevicesConfig `yaml:"devices"`
}

// HubConfig configures the data-server connection.
type HubConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APILevel       int    `yaml:"api_level"`
	ClientName     string `yaml:"client_name"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`   // empty for stderr
}

// RecorderConfig configures the sample recorder.
type RecorderConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MonitorConfig configures the live monitor.
type MonitorConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
	MaxRows         int    `yaml:"max_rows"`
}

// DevicesConfig holds device defaults.
type DevicesConfig struct {
	// Default is the serial used when a command omits the device.
	Default       string `yaml:"default"`
	PresetTimeout string `yaml:"preset_timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Host:           "localhost",
			Port:           8004,
			APILevel:       6,
			ClientName:     "labkit",
			ConnectTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Recorder: RecorderConfig{
			DatabasePath: "labkit.db",
		},
		Monitor: MonitorConfig{
			RefreshInterval: "250ms",
			MaxRows:         32,
		},
		Devices: DevicesConfig{
			PresetTimeout: "30s",
		},
	}
}

// Load reads a config file over the defaults and applies environment
// overrides. A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("LABKIT_HUB_HOST"); host != "" {
		c.Hub.Host = host
	}
	if port := os.Getenv("LABKIT_HUB_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Hub.Port = n
		}
	}
	if path := os.Getenv("LABKIT_DB"); path != "" {
		c.Recorder.DatabasePath = path
	}
	if level := os.Getenv("LABKIT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// HubURL returns the websocket URL of the configured hub.
func (c *Config) HubURL() string {
	return fmt.Sprintf("ws://%s:%d/rpc", c.Hub.Host, c.Hub.Port)
}

// GetConnectTimeout returns the hub connect timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.Hub.ConnectTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetRefreshInterval returns the monitor refresh interval as a duration.
func (c *Config) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.Monitor.RefreshInterval)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// GetPresetTimeout returns the factory preset timeout as a duration.
func (c *Config) GetPresetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Devices.PresetTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Hub.Host == "" {
		return fmt.Errorf("hub host not configured")
	}
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("invalid hub port: %d", c.Hub.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid: console, json)", c.Logging.Format)
	}
	if c.Monitor.MaxRows <= 0 {
		return fmt.Errorf("monitor max_rows must be positive: %d", c.Monitor.MaxRows)
	}
	return nil
}
