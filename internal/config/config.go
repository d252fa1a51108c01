// Package config handles configuration loading for swarmq.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for swarmq.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig holds datastore settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds scheduling-loop settings.
type SchedulerConfig struct {
	// Interval between scheduling passes when serving.
	Interval time.Duration `mapstructure:"interval"`
	// BatchLimit caps the ready batch per pass (0 = unlimited).
	BatchLimit int `mapstructure:"batch_limit"`
}

// LocksConfig holds resource lock defaults.
type LocksConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

// TiersConfig points at the subscription tier limits table.
type TiersConfig struct {
	// File is an optional YAML tier table; empty uses built-in limits.
	File string `mapstructure:"file"`
	// Watch hot-reloads the tier file on change.
	Watch bool `mapstructure:"watch"`
}

// LoggingConfig holds debug log settings.
type LoggingConfig struct {
	// DebugFile receives the debug log; empty disables it.
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWARMQ_*)
// 2. Project config (.swarmq.yaml in current directory or parent)
// 3. User config (~/.config/swarmq/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("SWARMQ")

	v.BindEnv("server.listen_addr", "SWARMQ_LISTEN_ADDR")
	v.BindEnv("database.path", "SWARMQ_DB_PATH")
	v.BindEnv("tiers.file", "SWARMQ_TIERS_FILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	cfg.Tiers.File = os.ExpandEnv(cfg.Tiers.File)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	cfg.Tiers.File = os.ExpandEnv(cfg.Tiers.File)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8411")
	v.SetDefault("database.path", "")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.batch_limit", 0)

	v.SetDefault("locks.ttl", "5m")
	v.SetDefault("locks.max_retries", 3)
	v.SetDefault("locks.base_backoff", "100ms")
	v.SetDefault("locks.reaper_interval", "1m")

	v.SetDefault("tiers.file", "")
	v.SetDefault("tiers.watch", false)

	v.SetDefault("logging.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for swarmq.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "swarmq")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "swarmq")
	}
	return filepath.Join(home, ".config", "swarmq")
}

// findProjectConfig searches for .swarmq.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".swarmq.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{ListenAddr: ":8411"},
		Database: DatabaseConfig{Path: ""},
		Scheduler: SchedulerConfig{
			Interval:   5 * time.Second,
			BatchLimit: 0,
		},
		Locks: LocksConfig{
			TTL:            5 * time.Minute,
			MaxRetries:     3,
			BaseBackoff:    100 * time.Millisecond,
			ReaperInterval: time.Minute,
		},
	}
}
