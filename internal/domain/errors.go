package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrCancelled indicates that a job observed a cancellation request.
	ErrCancelled = errors.New("cancelled")

	// ErrJobTimeout indicates that a job exceeded one of its time budgets.
	ErrJobTimeout = errors.New("job timeout")

	// ErrMissingCredential indicates that a required API credential is absent.
	// This is job-fatal, unlike item- or batch-level failures.
	ErrMissingCredential = errors.New("missing credential")

	// ErrJobConflict indicates a job status transition that the state machine
	// does not permit.
	ErrJobConflict = errors.New("job status conflict")
)

// TimeoutReason distinguishes how a job ran out of time.
type TimeoutReason string

const (
	// TimeoutReasonElapsed means total elapsed time exceeded the hard ceiling.
	TimeoutReasonElapsed TimeoutReason = "elapsed"

	// TimeoutReasonStall means no progress was persisted within the stall threshold.
	TimeoutReasonStall TimeoutReason = "stall"
)

// TimeoutError reports which time budget a job exhausted. Operators need to
// tell "ran out of time" apart from "stopped making progress".
type TimeoutError struct {
	Reason TimeoutReason
	Limit  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job timed out (%s): limit %s exceeded", e.Reason, e.Limit)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *TimeoutError) Unwrap() error {
	return ErrJobTimeout
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// BatchError wraps a provider failure for a whole batch of work items.
// The executor counts every item of the failed batch toward the error
// counter; the error carries the batch size for that bookkeeping.
type BatchError struct {
	BatchSize int
	Cause     error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch of %d items failed: %v", e.BatchSize, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *BatchError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewBatchError wraps cause as a failure of an entire batch.
func NewBatchError(batchSize int, cause error) *BatchError {
	return &BatchError{BatchSize: batchSize, Cause: cause}
}
