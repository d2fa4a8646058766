// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validation checks user-supplied container inputs before they reach
// the daemon. Step definitions arrive from pipeline YAML, so labels, names
// and environment variables are all untrusted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Docker label keys are DNS-subdomain-like, with underscores additionally
// allowed inside segments: the engine's own managed keys (lazyaf.run_id,
// lazyaf.step_execution_id) use them.
var validLabelKeyRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9_.-]*[a-z0-9])?$`)

var validEnvVarNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Container and volume names accepted by the daemon.
var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateName validates a container or volume name.
func ValidateName(name string) error {
	if name == "" {
		return ValidationError{Field: "name", Message: "must not be empty"}
	}
	if len(name) > 128 {
		return ValidationError{Field: "name", Message: "exceeds 128 character limit"}
	}
	if !validNameRegex.MatchString(name) {
		return ValidationError{
			Field:   fmt.Sprintf("name '%s'", name),
			Message: "must start with an alphanumeric and contain only alphanumerics, underscores, dots and hyphens",
		}
	}
	return nil
}

// ValidateContainerLabels validates a map of container labels
func ValidateContainerLabels(labels map[string]string) error {
	var errors ValidationErrors

	for key, value := range labels {
		if !validLabelKeyRegex.MatchString(key) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("label key '%s'", key),
				Message: "must contain only lowercase letters, numbers, dots, hyphens, and underscores, starting and ending with an alphanumeric",
			})
			continue
		}

		// Docker limits each dotted segment to 63 characters.
		for _, segment := range strings.Split(key, ".") {
			if len(segment) > 63 {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("label key '%s'", key),
					Message: "segment exceeds 63 character limit",
				})
				break
			}
		}

		if err := validateStringValue(value, fmt.Sprintf("label value for key '%s'", key)); err != nil {
			errors = append(errors, *err)
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateEnvironmentVariables validates a map of environment variables
func ValidateEnvironmentVariables(env map[string]string) error {
	var errors ValidationErrors

	for name, value := range env {
		if !validEnvVarNameRegex.MatchString(name) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("environment variable '%s'", name),
				Message: "must start with a letter or underscore and contain only letters, numbers, and underscores",
			})
			continue
		}

		if isReservedEnvVar(name) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("environment variable '%s'", name),
				Message: "is reserved by the engine",
			})
			continue
		}

		if err := validateStringValue(value, fmt.Sprintf("environment variable value for '%s'", name)); err != nil {
			errors = append(errors, *err)
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// validateStringValue performs common string validation
func validateStringValue(value, fieldName string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   fieldName,
			Message: "contains null bytes",
		}
	}

	for _, r := range value {
		if r < 32 && r != 9 && r != 10 && r != 13 { // Allow tab, LF, CR
			return &ValidationError{
				Field:   fieldName,
				Message: "contains control characters",
			}
		}
	}

	if len(value) > 4096 {
		return &ValidationError{
			Field:   fieldName,
			Message: "exceeds maximum length of 4096 characters",
		}
	}

	return nil
}

// isReservedEnvVar blocks names the control layer injects into every step
// container; a step overriding them would break its own config handshake.
func isReservedEnvVar(name string) bool {
	if strings.HasPrefix(name, "LAZYAF_") {
		return true
	}
	reserved := map[string]bool{
		"PATH": true,
		"IFS":  true,
	}
	return reserved[name]
}
