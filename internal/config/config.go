// Package config loads stride configuration from file, environment, and
// defaults, in that precedence order reversed: explicit file values beat
// defaults, STRIDE_* environment variables beat both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. STRIDE_API_TOKEN.
const EnvPrefix = "STRIDE"

// Config holds every tunable the engine and CLI read.
type Config struct {
	// DBPath is the local SQLite store.
	DBPath string `mapstructure:"db_path"`

	// BaseURL is the backend endpoint, http(s).
	BaseURL string `mapstructure:"base_url"`

	// APIToken authenticates every backend call.
	APIToken string `mapstructure:"api_token"`

	// PushInterval is the periodic push cadence.
	PushInterval time.Duration `mapstructure:"push_interval"`

	// DebounceInterval delays the push after a local edit so bursts batch.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// ProbeInterval is the connectivity check cadence.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// BatchSize caps operations per push cycle.
	BatchSize int `mapstructure:"batch_size"`

	// MinAge holds fresh operations back so rapid edits coalesce.
	MinAge time.Duration `mapstructure:"min_age"`

	// LogFile, when set, routes daemon logs to a rotated file.
	LogFile string `mapstructure:"log_file"`
}

// DefaultDir returns the stride config/data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stride"
	}
	return filepath.Join(home, ".config", "stride")
}

// Load reads configuration. path selects an explicit config file; empty
// searches DefaultDir() and the working directory for stride.yaml. A missing
// config file is fine, defaults and environment still apply.
//
// It returns the loaded config and the file actually used, if any.
func Load(path string) (*Config, string, error) {
	v := viper.New()

	dir := DefaultDir()
	v.SetDefault("db_path", filepath.Join(dir, "stride.db"))
	v.SetDefault("base_url", "https://api.stride.app")
	v.SetDefault("api_token", "")
	v.SetDefault("push_interval", 15*time.Second)
	v.SetDefault("debounce_interval", 500*time.Millisecond)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("batch_size", 50)
	v.SetDefault("min_age", time.Duration(0))
	v.SetDefault("log_file", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stride")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}
