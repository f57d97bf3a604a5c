package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/radryc/treefs/internal/overlay"
)

// ApplyDefaults fills zero values. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyOverlayDefaults(&cfg.Overlay)
	applyCacheDefaults(&cfg.Cache, cfg.Overlay.Dir)
	applyMountDefaults(&cfg.Mount)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyOverlayDefaults(cfg *OverlayConfig) {
	if cfg.Backend == "" {
		cfg.Backend = string(overlay.BackendNutsDB)
	}
	if cfg.NutsDB == nil {
		cfg.NutsDB = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

// applyCacheDefaults places the tree cache next to the overlay unless a
// directory was given.
func applyCacheDefaults(cfg *CacheConfig, overlayDir string) {
	if cfg.Dir == "" && overlayDir != "" {
		cfg.Dir = filepath.Join(overlayDir, "cache")
	}
	if cfg.TreeTTL == 0 {
		cfg.TreeTTL = 10 * time.Minute
	}
}

func applyMountDefaults(cfg *MountConfig) {
	if cfg.AttrTimeout == 0 {
		cfg.AttrTimeout = time.Second
	}
}
