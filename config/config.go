// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads router configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the message router.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Stats   StatsConfig   `yaml:"stats"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// QueueConfig holds offline queue settings.
type QueueConfig struct {
	// Maximum queued messages per offline client
	MaxQueued int `yaml:"max_queued"`

	// Persist queue snapshots on shutdown and restore them at startup
	Persist bool `yaml:"persist"`
}

// StatsConfig holds $SYS stats publishing settings.
type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/courier/data",
		},
		Queue: QueueConfig{
			MaxQueued: 1000,
			Persist:   false,
		},
		Stats: StatsConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when storage.type is 'badger'")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	if c.Queue.MaxQueued < 0 {
		return fmt.Errorf("queue.max_queued cannot be negative")
	}

	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive when stats are enabled")
	}

	return nil
}
