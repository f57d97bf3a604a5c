package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags plus rules that tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	overlayDir, err := filepath.Abs(cfg.Overlay.Dir)
	if err != nil {
		return fmt.Errorf("overlay.dir: %w", err)
	}
	mountPoint, err := filepath.Abs(cfg.Mount.Point)
	if err != nil {
		return fmt.Errorf("mount.point: %w", err)
	}
	if overlayDir == mountPoint {
		return fmt.Errorf("overlay.dir must differ from mount.point")
	}
	if rel, err := filepath.Rel(mountPoint, overlayDir); err == nil && filepath.IsLocal(rel) {
		return fmt.Errorf("overlay.dir %q must not live inside mount.point %q", cfg.Overlay.Dir, cfg.Mount.Point)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
