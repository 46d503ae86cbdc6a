// Package errs defines the typed errors shared across the ETL runner.
//
// Single-operation callers (CLI commands managing configs and mappings)
// receive these directly. Scheduled runs never see them: the pipeline's
// top-level Run swallows everything and records the outcome in the run log.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports every violation found in a request, not just
// the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Violations, "; "))
}

// NewValidation creates a ValidationError from one or more violations.
func NewValidation(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}

// NotFoundError indicates an unknown mapping, config, or id.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// NewNotFound creates a NotFoundError for the given entity kind and key.
func NewNotFound(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

// ConflictError indicates a uniqueness violation, such as a duplicate
// mapping (name, source) pair.
type ConflictError struct {
	Kind string
	Key  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.Key)
}

// NewConflict creates a ConflictError for the given entity kind and key.
func NewConflict(kind, key string) *ConflictError {
	return &ConflictError{Kind: kind, Key: key}
}

// AuthorizationError indicates the caller lacks a required capability.
// Enforcement lives in outer layers; this core never raises it itself.
type AuthorizationError struct {
	Capability string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("missing capability: %s", e.Capability)
}

// PipelineError wraps a script-render or I/O failure during an ETL stage.
type PipelineError struct {
	Stage   string // "extract", "transform", or "load"
	Mapping string
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("ETL %s error, mapping = %s: %v", e.Stage, e.Mapping, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipeline wraps err as a PipelineError for the given stage and mapping.
func NewPipeline(stage, mapping string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Mapping: mapping, Err: err}
}

// InternalError wraps anything unclassified.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
