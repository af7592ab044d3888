// Package config loads the editor settings file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KDE/kdenlive-sub010/internal/fsutil"
)

const (
	CurrentConfigVersion = 2
	DefaultFileName      = "tledit.yaml"
)

type Config struct {
	// Project
	FPS float64 `yaml:"fps"`

	// Storage
	CacheDir  string `yaml:"cache_dir"`
	PreviewDB string `yaml:"preview_db"`

	// Background jobs
	Workers int `yaml:"workers"`

	// Editing
	DefaultTransition     string `yaml:"default_transition"`
	DuplicateAudioSources bool   `yaml:"duplicate_audio_sources"`

	LogLevel string `yaml:"log_level"`

	ConfigVersion int `yaml:"config_version"`

	configFilePath string
}

// Default is the configuration used when no file exists yet.
func Default() *Config {
	c := &Config{}

	c.FPS = 25

	c.CacheDir = filepath.Join(os.TempDir(), "tledit")
	c.PreviewDB = ""

	c.Workers = 4

	c.DefaultTransition = "composite"
	c.DuplicateAudioSources = true

	c.LogLevel = "info"

	c.ConfigVersion = CurrentConfigVersion
	return c
}

// Load reads path over the defaults. A missing file is created from the
// defaults first. Older files are backed up and upgraded in place.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFileName
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Default().SaveAs(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	// Windows paths written with backslashes
	data = bytes.ReplaceAll(data, []byte(`\`), []byte(`/`))

	// absent fields keep their defaults
	cfg.ConfigVersion = 0
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	cfg.configFilePath = path

	// migrations see the raw values, normalize runs after them
	if cfg.ConfigVersion < CurrentConfigVersion {
		if err := upgrade(cfg, cfg.ConfigVersion); err != nil {
			return nil, fmt.Errorf("config upgrade failed: %w", err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

// SaveAs writes the configuration to path.
func (c *Config) SaveAs(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	c.configFilePath = path
	return nil
}

// Path is the file the configuration was loaded from, if any.
func (c *Config) Path() string { return c.configFilePath }

func (c *Config) normalize() {
	if c.FPS <= 0 {
		c.FPS = 25
	}
	c.CacheDir = strings.TrimSpace(c.CacheDir)
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "tledit")
	}
	c.CacheDir = filepath.Clean(c.CacheDir)
	if c.PreviewDB = strings.TrimSpace(c.PreviewDB); c.PreviewDB != "" {
		c.PreviewDB = filepath.Clean(c.PreviewDB)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	c.DefaultTransition = strings.ToLower(strings.TrimSpace(c.DefaultTransition))
	if c.DefaultTransition == "" {
		c.DefaultTransition = "composite"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
