// Package config loads trustgate configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MirrorConfig configures the asynchronous remote audit mirror. An
// empty SinkURL disables mirroring entirely.
type MirrorConfig struct {
	SinkURL       string            `yaml:"sink_url"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
}

// FlushIntervalDuration parses the flush interval, falling back to the
// mirror's default on empty or unparseable values.
func (m MirrorConfig) FlushIntervalDuration() time.Duration {
	d, err := time.ParseDuration(m.FlushInterval)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// TimeoutDuration parses the sink request timeout the same way.
func (m MirrorConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(m.Timeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Config holds all configurable trustgate parameters.
type Config struct {
	StorageDir      string       `yaml:"storage_dir"`
	ProtectedFields []string     `yaml:"protected_fields"`
	Mirror          MirrorConfig `yaml:"mirror"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorageDir: defaultStorageDir(),
		ProtectedFields: []string{
			"system_prompt",
			"trigger_phrases",
			"protected_fields",
			"operating_mode",
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trustgate"
	}
	return filepath.Join(home, ".trustgate")
}

// Load reads configuration from a YAML file. Empty path falls back to
// ~/.trustgate/gate.yaml. Missing file returns defaults. Invalid YAML
// returns an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(defaultStorageDir(), "gate.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Start with defaults, YAML overwrites only specified fields.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = defaultStorageDir()
	}

	return cfg, nil
}
