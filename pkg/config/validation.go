package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Adapters) == 0 {
		return fmt.Errorf("adapters: at least one adapter must be configured")
	}

	names := make(map[string]bool)
	ports := make(map[int]bool)
	for i := range cfg.Adapters {
		adapter := &cfg.Adapters[i]
		if names[adapter.Name] {
			return fmt.Errorf("adapters[%d]: duplicate adapter name %q", i, adapter.Name)
		}
		names[adapter.Name] = true

		// Port 0 picks a free port and may repeat.
		if adapter.Port != 0 {
			if ports[adapter.Port] {
				return fmt.Errorf("adapters[%d]: port %d already used by another adapter", i, adapter.Port)
			}
			ports[adapter.Port] = true
		}

		if err := adapter.Validate(); err != nil {
			return fmt.Errorf("adapters[%d] %q: %w", i, adapter.Name, err)
		}
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port != 0 && ports[cfg.Server.Metrics.Port] {
		return fmt.Errorf("server.metrics: port %d already used by an adapter", cfg.Server.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
