// Package config loads treefs configuration from a YAML file and TREEFS_*
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (applied by the caller)
//  2. Environment variables (TREEFS_*)
//  3. Configuration file
//  4. Defaults
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

// Config is the complete treefs configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Overlay    OverlayConfig    `mapstructure:"overlay"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Mount      MountConfig      `mapstructure:"mount"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// RepositoryConfig names the git repository and revision to project.
type RepositoryConfig struct {
	Path string `mapstructure:"path" validate:"required"`

	// Revision is a branch, tag or commit. Empty means HEAD.
	Revision string `mapstructure:"revision"`
}

// OverlayConfig configures local storage for materialized directories.
type OverlayConfig struct {
	Dir     string `mapstructure:"dir" validate:"required"`
	Backend string `mapstructure:"backend" validate:"required,oneof=memory nutsdb badger"`

	// Backend specific options, decoded by the overlay factory.
	NutsDB map[string]any `mapstructure:"nutsdb"`
	Badger map[string]any `mapstructure:"badger"`
}

// CacheConfig configures the on-disk tree cache. An empty Dir disables it.
type CacheConfig struct {
	Dir     string        `mapstructure:"dir"`
	TreeTTL time.Duration `mapstructure:"tree_ttl" validate:"gte=0"`
}

// MountConfig controls the FUSE mount.
type MountConfig struct {
	Point       string        `mapstructure:"point" validate:"required"`
	AllowOther  bool          `mapstructure:"allow_other"`
	AttrTimeout time.Duration `mapstructure:"attr_timeout" validate:"gte=0"`
	Debug       bool          `mapstructure:"debug"`
}

// envKeys are bound explicitly so environment overrides work without a
// config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"repository.path",
	"repository.revision",
	"overlay.dir",
	"overlay.backend",
	"cache.dir",
	"cache.tree_ttl",
	"mount.point",
	"mount.allow_other",
	"mount.attr_timeout",
	"mount.debug",
}

// Load reads configuration from configPath, or from the default location
// when configPath is empty. A missing default file is not an error.
// Defaults are applied but the result is not validated, since flags may
// still fill required fields.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) error {
	v.SetEnvPrefix("TREEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/treefs, falling back to
// ~/.config/treefs.
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "treefs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "treefs")
}

// GetDefaultConfigPath returns the config file used when -config is empty.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}
