package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
)

// ValidateConfig performs structural validation on an entire configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return padmuxerrors.NewValidationError("config", "configuration is nil", nil)
	}

	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}

	if cfg.PluginsDir == cfg.ProfilesDir {
		return padmuxerrors.NewValidationError("profiles_dir", "profiles_dir must differ from plugins_dir", nil)
	}

	return nil
}

// convertValidationError normalizes validator errors into padmux validation errors.
func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return padmuxerrors.NewValidationError(field, msg, err)
	}

	return padmuxerrors.NewValidationError("config", err.Error(), err)
}

func yamlishFieldName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	parts := strings.Split(ns, ".")
	var lowered []string
	for _, part := range parts {
		lowered = append(lowered, strings.ToLower(part))
	}
	return strings.Join(lowered, ".")
}
