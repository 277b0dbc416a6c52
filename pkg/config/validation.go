package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// The graph is checked for shape only (names, references, cycles, a single
// top); node options are validated by the factories when the volume is
// built.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if _, _, err := cfg.Volume.Validate(DefaultRegistry(nil)); err != nil {
		return err
	}

	types := make(map[string]string, len(cfg.Volume.Nodes))
	for _, n := range cfg.Volume.Nodes {
		types[n.Name] = n.Type
	}
	for i, name := range cfg.Heal.Replicates {
		typ, ok := types[name]
		if !ok {
			return fmt.Errorf("heal.replicates[%d]: unknown node %q", i, name)
		}
		if typ != replicate.Type {
			return fmt.Errorf("heal.replicates[%d]: node %q is a %s, not a %s", i, name, typ, replicate.Type)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
