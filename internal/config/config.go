// Package config loads the sitedock daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all sitedock configuration.
type Config struct {
	// Server-level settings
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	// Hosted backend connection
	Remote RemoteConfig `yaml:"remote"`

	// Offline sync pipeline tuning
	Sync SyncConfig `yaml:"sync"`

	// Realtime cache-invalidation feed
	Realtime RealtimeConfig `yaml:"realtime,omitempty"`

	// Terminal status surface
	UI UIConfig `yaml:"ui,omitempty"`
}

// RemoteConfig identifies the hosted backend.
type RemoteConfig struct {
	BaseURL     string `yaml:"baseUrl"`
	APIKey      string `yaml:"apiKey"`
	AccessToken string `yaml:"accessToken,omitempty"`
}

// SyncConfig tunes the offline pipeline.
type SyncConfig struct {
	// OplogPath is the SQLite file for the durable operation log.
	// Defaults to <dataDir>/oplog.db.
	OplogPath string `yaml:"oplogPath,omitempty"`

	// ProbeIntervalSeconds is how often to probe the backend while offline.
	ProbeIntervalSeconds int `yaml:"probeIntervalSeconds"`

	// ProbeTimeoutSeconds bounds a single probe attempt.
	ProbeTimeoutSeconds int `yaml:"probeTimeoutSeconds"`

	// DrainSchedule is a cron expression (or @every duration) for the
	// periodic opportunistic drain.
	DrainSchedule string `yaml:"drainSchedule,omitempty"`
}

// RealtimeConfig configures the websocket change feed.
type RealtimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
}

// UIConfig configures the terminal status panel.
type UIConfig struct {
	StatusPanel bool `yaml:"statusPanel"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".sitedock")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sync.OplogPath == "" {
		c.Sync.OplogPath = filepath.Join(c.DataDir, "oplog.db")
	}
	if c.Sync.ProbeIntervalSeconds <= 0 {
		c.Sync.ProbeIntervalSeconds = 10
	}
	if c.Sync.ProbeTimeoutSeconds <= 0 {
		c.Sync.ProbeTimeoutSeconds = 5
	}
	if c.Sync.DrainSchedule == "" {
		c.Sync.DrainSchedule = "@every 5m"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.baseUrl is required")
	}
	if c.Remote.APIKey == "" {
		return fmt.Errorf("config: remote.apiKey is required")
	}
	if c.Realtime.Enabled && c.Realtime.URL == "" {
		return fmt.Errorf("config: realtime.url is required when realtime is enabled")
	}
	return nil
}
