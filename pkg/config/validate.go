package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and then the cross-field rules of the storage
// layers.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	scfg := cfg.Serializer.ToSerializer()
	if err := scfg.Validate(); err != nil {
		return fmt.Errorf("serializer: %w", err)
	}

	ccfg := cfg.Cache.ToCache()
	if err := ccfg.Validate(scfg.BlockSize); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	return nil
}

// formatValidationErrors renders one line per failed field, keeping the tag
// name so callers can match on it.
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
