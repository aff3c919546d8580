package models

import (
	"errors"
	"fmt"
)

// ErrJobTerminal is returned when a control operation targets a job already
// in a terminal state (completed, failed, cancelled).
var ErrJobTerminal = errors.New("job already in terminal state")

// ValidationError reports malformed project or layer data. Validation errors
// fail the job immediately and are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for the given field
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a media tool failure or timeout while rendering a
// scene. Execution errors are transient and retried with backoff.
type ExecutionError struct {
	SceneID string
	Timeout bool
	Stderr  string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("scene %s render timed out", e.SceneID)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("scene %s render failed: %s", e.SceneID, e.Stderr)
	}
	return fmt.Sprintf("scene %s render failed: %v", e.SceneID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConcatenationError reports a failure assembling scene outputs into the
// final artifact. Concatenation errors are transient and retried with backoff.
type ConcatenationError struct {
	Stderr string
	Err    error
}

func (e *ConcatenationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("concatenation failed: %s", e.Stderr)
	}
	return fmt.Sprintf("concatenation failed: %v", e.Err)
}

func (e *ConcatenationError) Unwrap() error { return e.Err }

// PublishError reports a failure uploading the final artifact. Uploads get
// their own retry budget; once exhausted the job fails without re-rendering.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsRetryable reports whether the whole render attempt may be retried after
// the given error. Validation and publish failures are permanent at the
// attempt level.
func IsRetryable(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return true
	}
	var concatErr *ConcatenationError
	if errors.As(err, &concatErr) {
		return true
	}
	return false
}

// FailureReason renders a human-readable reason for the persisted job record
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
