package errors

import (
	"errors"
	"log/slog"
)

// CLIErrorAdapter handles error presentation and exit code determination for
// the texbuild CLI.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var be *BuildError
	if errors.As(err, &be) {
		return exitCodeFromBuild(be)
	}
	return 1
}

// exitCodeFromBuild maps BuildError categories to exit codes.
func exitCodeFromBuild(err *BuildError) int {
	switch err.Category {
	case CategoryValidation:
		return 2 // Invalid usage
	case CategoryConfig:
		return 7 // Configuration error
	case CategoryToolchain:
		return 8 // External tool error
	case CategoryCache, CategoryFileSystem:
		return 11 // Build infrastructure error
	case CategoryRuntime:
		return 12 // Runtime error
	case CategoryInternal:
		return 10 // Internal error
	default:
		return 1 // General error
	}
}

// Report logs the error with its structured context before the process exits.
func (a *CLIErrorAdapter) Report(err error) {
	if err == nil {
		return
	}

	var be *BuildError
	if !errors.As(err, &be) {
		a.logger.Error("Command failed", "error", err)
		return
	}

	attrs := []any{
		"category", string(be.Category),
		"severity", string(be.Severity),
	}
	if a.verbose {
		for k, v := range be.Context {
			attrs = append(attrs, k, v)
		}
		if be.Cause != nil {
			attrs = append(attrs, "cause", be.Cause.Error())
		}
	}
	a.logger.Error(be.Message, attrs...)
}
