// Package errors provides a structured error type (BuildError) for
// category-based classification of infrastructure faults. Expected
// compilation failures never travel through this package; they are captured
// as diagnostics inside stage results.
package errors

import (
	"fmt"
)

// ErrorCategory classifies a BuildError for exit-code mapping and logging.
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// External toolchain integration errors
	CategoryToolchain ErrorCategory = "toolchain"

	// Build infrastructure errors
	CategoryCache      ErrorCategory = "cache"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and internal errors
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical a BuildError is.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
)

// BuildError is a structured error with category, retryability, and context.
type BuildError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for BuildError.
type ContextFields map[string]any

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *BuildError) WithContext(key string, value any) *BuildError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new BuildError.
func New(category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new BuildError that wraps an existing error.
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// WrapRetryable creates a new retryable BuildError that wraps an existing error.
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *BuildError {
	return &BuildError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}
