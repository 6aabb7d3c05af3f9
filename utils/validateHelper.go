package utils

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// placeholder values UI code has historically sent instead of a real id
var placeholderIds = map[string]bool{
	"undefined": true,
	"null":      true,
	"nil":       true,
	"none":      true,
	"0":         true,
	"new":       true,
	"-":         true,
}

// ValidateId rejects empty, placeholder and non-UUID ids. No I/O.
func ValidateId(field string, id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return NewValidationError(field, "is required")
	}
	if placeholderIds[strings.ToLower(trimmed)] {
		return NewValidationError(field, "placeholder value %q is not a valid id", trimmed)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return NewValidationError(field, "must be a UUID")
	}
	if parsed == uuid.Nil {
		return NewValidationError(field, "nil UUID is not a valid id")
	}
	return nil
}

// ValidateRequired rejects blank strings (user ids need not be UUIDs).
func ValidateRequired(field string, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return NewValidationError(field, "is required")
	}
	if placeholderIds[strings.ToLower(trimmed)] {
		return NewValidationError(field, "placeholder value %q is not allowed", trimmed)
	}
	return nil
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs `validate:"..."` tags and converts the first failure into a ValidationError.
func ValidateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fields := ProcessValidationErrors(ves)
		first := ves[0]
		return NewValidationError(first.Field(), "failed %q (%d field errors)", fields[first.Field()], len(fields))
	}
	return err
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
