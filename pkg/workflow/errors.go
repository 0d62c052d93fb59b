package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrSpecNotFound indicates no definition file exists for the workflow id.
	ErrSpecNotFound = errors.New("workflow definition not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates the definition failed validation.
	ErrValidationFailed = errors.New("workflow validation failed")
)

// ValidationError wraps a definition validation failure with context.
type ValidationError struct {
	Component string // "agent", "step", "workflow"
	ID        string
	Field     string
	Err       error
}

// NewValidationError builds a ValidationError.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
