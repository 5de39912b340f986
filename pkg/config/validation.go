package config

import (
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
// Struct tags cover the declarative part; validateCustomRules handles the
// cross-field requirements the tags cannot express. Log level
// normalization happens in ApplyDefaults, so both cases are accepted here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	switch cfg.Device.Type {
	case "file":
		if stringOption(cfg.Device.File, "path") == "" {
			return fmt.Errorf("device.file: path is required")
		}
	case "badger":
		inMemory, _ := cfg.Device.Badger["in_memory"].(bool)
		if !inMemory && stringOption(cfg.Device.Badger, "path") == "" {
			return fmt.Errorf("device.badger: path is required unless in_memory is true")
		}
	case "s3":
		if stringOption(cfg.Device.S3, "bucket") == "" {
			return fmt.Errorf("device.s3: bucket is required")
		}
		if stringOption(cfg.Device.S3, "region") == "" {
			return fmt.Errorf("device.s3: region is required")
		}
	}

	return nil
}

func stringOption(options map[string]any, key string) string {
	if options == nil {
		return ""
	}
	s, _ := options[key].(string)
	return s
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
