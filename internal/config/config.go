package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	SocketFileName = "doppio.sock"
	LockFileName   = "doppio.lock"
)

// ErrNoRuntimeDir means no runtime directory was configured anywhere.
var ErrNoRuntimeDir = errors.New("runtime directory is not set (XDG_RUNTIME_DIR, DOPPIO_RUNTIME_DIR, --runtime-dir or config file)")

type Config struct {
	RuntimeDir    string `yaml:"runtime_dir"`
	Backend       string `yaml:"backend"`
	LogLevel      string `yaml:"log_level"`
	MetricsListen string `yaml:"metrics_listen"`
}

// Flags carries command-line overrides; empty fields are unset.
type Flags struct {
	ConfigFile    string
	RuntimeDir    string
	Backend       string
	LogLevel      string
	MetricsListen string
}

// Load resolves configuration from flags > env > config file.
func Load(flags Flags) (*Config, error) {
	cfg := &Config{}

	// 1. Load config file as base
	path, explicit := flags.ConfigFile, flags.ConfigFile != ""
	if !explicit {
		path = defaultConfigFilePath()
	}
	if path != "" {
		if err := loadFile(path, explicit, cfg); err != nil {
			return nil, err
		}
	}

	// 2. Environment variables override config file
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv("DOPPIO_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv("DOPPIO_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("DOPPIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOPPIO_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}

	// 3. CLI flags override everything
	if flags.RuntimeDir != "" {
		cfg.RuntimeDir = flags.RuntimeDir
	}
	if flags.Backend != "" {
		cfg.Backend = flags.Backend
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.MetricsListen != "" {
		cfg.MetricsListen = flags.MetricsListen
	}

	// Validate required fields
	if cfg.RuntimeDir == "" {
		return nil, ErrNoRuntimeDir
	}
	abs, err := filepath.Abs(cfg.RuntimeDir)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime directory: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("runtime directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("runtime directory %s is not a directory", abs)
	}
	cfg.RuntimeDir = abs

	return cfg, nil
}

// SocketPath is where the daemon listens.
func (c *Config) SocketPath() string {
	return filepath.Join(c.RuntimeDir, SocketFileName)
}

// LockPath is the singleton lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.RuntimeDir, LockFileName)
}

func loadFile(path string, explicit bool, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func defaultConfigFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "doppio", "config.yaml")
}
