package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error.
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{Field: field, Value: val, Message: message})
}

// ValidateRequired checks if a required string field is not empty.
func ValidateRequired(field, value, entityType string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError{Field: field, Value: value, Message: fmt.Sprintf("is required for %s", entityType)}
	}
	return nil
}

// ValidateOneOf checks if a value is in a list of allowed values.
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", "))}
}

// tagNamePattern matches the tag grammar of spec §3: [A-Za-z_][A-Za-z0-9_-]*
var tagNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidateTagName checks a single tag against the case-sensitive identifier
// grammar required by spec §3.
func ValidateTagName(tag string) error {
	if !tagNamePattern.MatchString(tag) {
		return ValidationError{Field: "tags", Value: tag, Message: "must match [A-Za-z_][A-Za-z0-9_-]*"}
	}
	return nil
}

// FormatValidationError creates a consistent validation error message.
func FormatValidationError(entityType, entityName string, err error) error {
	if err == nil {
		return nil
	}
	if entityName != "" {
		return fmt.Errorf("validation failed for %s '%s': %w", entityType, entityName, err)
	}
	return fmt.Errorf("validation failed for %s: %w", entityType, err)
}

// ValidateBackend performs the invariants of spec §3 on a single backend or
// template definition:
//   - exactly one of command/url is set
//   - tags follow the identifier grammar
//   - kind, if set explicitly, is one of the known transport kinds
func ValidateBackend(name string, def BackendConfig) error {
	var errs ValidationErrors

	if err := ValidateRequired("name", name, "backend"); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	hasCommand := def.Command != ""
	hasURL := def.URL != ""
	switch {
	case hasCommand == hasURL:
		errs.Add("command/url", "exactly one of command or url must be set")
	}

	if def.Kind != KindUnspecified {
		if err := ValidateOneOf("type", string(def.Kind), []string{
			string(KindStdio), string(KindHTTP), string(KindSSE), string(KindStreamableHTTP),
		}); err != nil {
			errs = append(errs, err.(ValidationError))
		}
	}

	for _, tag := range def.Tags {
		if err := ValidateTagName(tag); err != nil {
			errs = append(errs, err.(ValidationError))
		}
	}

	if errs.HasErrors() {
		return FormatValidationError("backend", name, errs)
	}
	return nil
}
