package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/radryc/treefs/internal/overlay"
)

// OverlayOptions converts the overlay section into overlay.Config, decoding
// the backend option maps.
func (c *Config) OverlayOptions() (overlay.Config, error) {
	out := overlay.Config{
		Dir:     c.Overlay.Dir,
		Backend: overlay.Backend(c.Overlay.Backend),
	}
	if err := mapstructure.Decode(c.Overlay.NutsDB, &out.NutsDB); err != nil {
		return overlay.Config{}, fmt.Errorf("failed to decode nutsdb options: %w", err)
	}
	if err := mapstructure.Decode(c.Overlay.Badger, &out.Badger); err != nil {
		return overlay.Config{}, fmt.Errorf("failed to decode badger options: %w", err)
	}
	if out.NutsDB.SegmentSizeMB < 0 {
		return overlay.Config{}, fmt.Errorf("nutsdb segment_size_mb must not be negative")
	}
	return out, nil
}
