// Package exitcodes defines standard exit codes for CLI operations so the
// runner behaves predictably under Airflow, Kubernetes, and cron wrappers.
package exitcodes

import (
	"errors"
	"os"
	"strings"

	"github.com/etlite/etlite/internal/errs"
)

// Exit codes for orchestration environments.
const (
	// Success - operation completed without errors
	Success = 0

	// ConfigError - configuration/YAML/JSON parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - datasource connection errors (recoverable)
	ConnectionError = 2

	// PipelineError - extract/transform/load failure (non-recoverable)
	PipelineError = 3

	// ValidationError - bad or missing fields in a request (non-recoverable)
	ValidationError = 4

	// NotFound - unknown mapping, config, or id (non-recoverable)
	NotFound = 5

	// Conflict - duplicate mapping (name, source) pair (non-recoverable)
	Conflict = 6

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 7

	// IOError - file I/O errors (recoverable)
	IOError = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors from internal/errs classify directly; everything else is
// classified by message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	// Check if it's already an ExitError
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errs.IsValidation(err):
		return ValidationError
	case errs.IsNotFound(err):
		return NotFound
	case errs.IsConflict(err):
		return Conflict
	}

	var pipeErr *errs.PipelineError
	if errors.As(err, &pipeErr) {
		return PipelineError
	}

	// File not found, permission denied, etc.
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Config errors - parsing issues, not validation of data
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	// Default to pipeline error for unknown errors
	return PipelineError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case PipelineError:
		return "pipeline error"
	case ValidationError:
		return "validation error"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled (recoverable)"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
