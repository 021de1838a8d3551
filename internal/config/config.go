// Package config handles configuration loading and validation for driftfs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftfs/driftfs/pkg/bytesize"
)

// Defaults applied when fields are absent from the config file.
const (
	DefaultListen        = ":8080"
	DefaultDataDir       = "/var/lib/driftfs"
	DefaultMaxObjectSize = 5 * bytesize.GB
	DefaultTTL           = "24h"
	DefaultReapInterval  = "15m"
)

// Config holds configuration for the driftfs server.
type Config struct {
	Listen        string        `yaml:"listen"`          // HTTP listen address
	DataDir       string        `yaml:"data_dir"`        // Metadata database directory
	Volumes       []string      `yaml:"volumes"`         // Storage volume roots, in placement-tiebreak order
	MaxObjectSize bytesize.Size `yaml:"max_object_size"` // Maximum object size ("5Gi", "500Mi", or bytes)
	DefaultTTL    string        `yaml:"default_ttl"`     // Duration string, e.g. "24h"
	ReapInterval  string        `yaml:"reap_interval"`   // Duration string, e.g. "15m"
	LogLevel      string        `yaml:"log_level"`       // zerolog level name
}

// Load loads server configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = bytesize.Size(DefaultMaxObjectSize)
	}
	if c.DefaultTTL == "" {
		c.DefaultTTL = DefaultTTL
	}
	if c.ReapInterval == "" {
		c.ReapInterval = DefaultReapInterval
	}

	c.DataDir = expandHome(c.DataDir)
	for i, v := range c.Volumes {
		c.Volumes[i] = expandHome(v)
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Volumes) == 0 {
		return fmt.Errorf("at least one volume is required")
	}
	seen := make(map[string]struct{}, len(c.Volumes))
	for _, v := range c.Volumes {
		if v == "" {
			return fmt.Errorf("volume path cannot be empty")
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("duplicate volume: %s", v)
		}
		seen[v] = struct{}{}
	}
	if c.MaxObjectSize <= 0 {
		return fmt.Errorf("max_object_size must be positive")
	}
	if _, err := time.ParseDuration(c.DefaultTTL); err != nil {
		return fmt.Errorf("invalid default_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.ReapInterval); err != nil {
		return fmt.Errorf("invalid reap_interval: %w", err)
	}
	return nil
}

// TTL returns the parsed default time-to-live for new objects.
// Validate must have been called first.
func (c *Config) TTL() time.Duration {
	d, _ := time.ParseDuration(c.DefaultTTL)
	return d
}

// ReapEvery returns the parsed interval between reaper passes.
// Validate must have been called first.
func (c *Config) ReapEvery() time.Duration {
	d, _ := time.ParseDuration(c.ReapInterval)
	return d
}
