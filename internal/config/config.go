// Package config handles configuration loading and validation for beamdrop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beamdrop/beamdrop/pkg/bytesize"
)

// ListenConfig holds the bind policy for the transfer server.
type ListenConfig struct {
	Host          string `yaml:"host"`           // empty = all interfaces
	Port          int    `yaml:"port"`           // preferred port
	FallbackPorts []int  `yaml:"fallback_ports"` // tried in order when the preferred port is taken
}

// StorageConfig holds the device-local storage layout.
type StorageConfig struct {
	MediaDir string `yaml:"media_dir"` // finalized files land here, visible to the rest of the app
	DataDir  string `yaml:"data_dir"`  // session metadata persistence
}

// UploadConfig holds upload protocol policy.
type UploadConfig struct {
	PIN               string   `yaml:"pin"`                // shared secret; empty disables the access gate
	MaxFileSize       string   `yaml:"max_file_size"`      // e.g. "8GB"; empty = unlimited
	AllowedExtensions []string `yaml:"allowed_extensions"` // lowercase, without dot
	ChunkReadTimeout  string   `yaml:"chunk_read_timeout"` // per-chunk network read deadline
	ActivityWindow    string   `yaml:"activity_window"`    // how recently a session must have moved to count as active
}

// CleanupConfig holds TTL sweep policy.
type CleanupConfig struct {
	SessionTTL    string `yaml:"session_ttl"`    // sessions idle longer than this are expired
	SweepInterval string `yaml:"sweep_interval"` // how often the cleanup scheduler runs
}

// WebConfig holds the static asset surface.
type WebConfig struct {
	AssetsDir string `yaml:"assets_dir"` // optional web UI root; empty disables static serving
}

// Config is the top-level beamdrop configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Storage  StorageConfig `yaml:"storage"`
	Upload   UploadConfig  `yaml:"upload"`
	Cleanup  CleanupConfig `yaml:"cleanup"`
	Web      WebConfig     `yaml:"web"`
	LogLevel string        `yaml:"log_level"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
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
	if c.Listen.Port == 0 {
		c.Listen.Port = 53317
	}
	if c.Listen.FallbackPorts == nil {
		c.Listen.FallbackPorts = []int{53318, 53319, 8080}
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/var/lib/beamdrop"
	}
	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = filepath.Join(c.Storage.DataDir, "media")
	}
	c.Storage.DataDir = expandHome(c.Storage.DataDir)
	c.Storage.MediaDir = expandHome(c.Storage.MediaDir)
	if c.Web.AssetsDir != "" {
		c.Web.AssetsDir = expandHome(c.Web.AssetsDir)
	}
	if c.Upload.MaxFileSize == "" {
		c.Upload.MaxFileSize = "8GB"
	}
	if c.Upload.AllowedExtensions == nil {
		c.Upload.AllowedExtensions = []string{
			"mp4", "mov", "mkv", "webm", "avi", "m4v",
			"jpg", "jpeg", "png", "gif", "heic",
		}
	}
	if c.Upload.ChunkReadTimeout == "" {
		c.Upload.ChunkReadTimeout = "60s"
	}
	if c.Upload.ActivityWindow == "" {
		c.Upload.ActivityWindow = "30s"
	}
	if c.Cleanup.SessionTTL == "" {
		c.Cleanup.SessionTTL = "72h"
	}
	if c.Cleanup.SweepInterval == "" {
		c.Cleanup.SweepInterval = "1h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
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
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port must be between 1 and 65535")
	}
	for _, p := range c.Listen.FallbackPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("listen.fallback_ports entry %d out of range", p)
		}
	}
	if c.Storage.MediaDir == "" {
		return fmt.Errorf("storage.media_dir is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if _, err := c.MaxFileSizeBytes(); err != nil {
		return fmt.Errorf("invalid upload.max_file_size: %w", err)
	}
	for _, name := range []struct {
		key   string
		value string
	}{
		{"upload.chunk_read_timeout", c.Upload.ChunkReadTimeout},
		{"upload.activity_window", c.Upload.ActivityWindow},
		{"cleanup.session_ttl", c.Cleanup.SessionTTL},
		{"cleanup.sweep_interval", c.Cleanup.SweepInterval},
	} {
		if _, err := time.ParseDuration(name.value); err != nil {
			return fmt.Errorf("invalid %s: %w", name.key, err)
		}
	}
	return nil
}

// MaxFileSizeBytes parses upload.max_file_size. Zero means unlimited.
func (c *Config) MaxFileSizeBytes() (int64, error) {
	if c.Upload.MaxFileSize == "" {
		return 0, nil
	}
	return bytesize.Parse(c.Upload.MaxFileSize)
}

// SessionTTL returns the parsed session TTL.
func (c *Config) SessionTTL() time.Duration {
	return mustDuration(c.Cleanup.SessionTTL, 72*time.Hour)
}

// SweepInterval returns the parsed cleanup sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Cleanup.SweepInterval, time.Hour)
}

// ChunkReadTimeout returns the parsed per-chunk read deadline.
func (c *Config) ChunkReadTimeout() time.Duration {
	return mustDuration(c.Upload.ChunkReadTimeout, 60*time.Second)
}

// ActivityWindow returns the parsed single-active-upload activity window.
func (c *Config) ActivityWindow() time.Duration {
	return mustDuration(c.Upload.ActivityWindow, 30*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// WriteDefault writes a default configuration file to path, creating parent
// directories as needed. Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
