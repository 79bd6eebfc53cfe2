// Package errors provides standardized error handling for the FormRelay system.
// It implements the pipeline's error taxonomy with sentinel errors, typed
// wrappers and classification helpers following Go 1.20+ error handling
// conventions.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline error taxonomy
var (
	// ErrValidation indicates malformed create/query input. Reported to the
	// caller, never retried automatically.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown job or record. Reported, not retried.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates an ownership mismatch. The session itself is not
	// assumed invalid.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState indicates a write attempted on a terminal job.
	ErrInvalidState = errors.New("job is in a terminal state")

	// ErrInvalidTransition indicates an out-of-order job state change. Fatal
	// to the job.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnauthorized indicates a missing, expired or revoked credential. The
	// client must discard its cached credential and re-authenticate.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSubscriberDropped indicates a streaming subscriber fell behind and
	// was disconnected by the broadcaster. Recovery is the client's
	// responsibility via tail resync.
	ErrSubscriberDropped = errors.New("subscriber dropped: resync required")

	// ErrStoreClosed indicates an operation against a closed store or
	// broadcaster.
	ErrStoreClosed = errors.New("store is closed")
)

// JobError represents an error related to a specific job
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: operation %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ValidationError carries the offending field alongside the reason
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError records the rejected state change for diagnostics
type TransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid state transition %s -> %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Error wrapping constructors

func WrapJobError(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{JobID: jobID, Operation: operation, Err: err}
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func NewTransitionError(jobID, from, to string) error {
	return &TransitionError{JobID: jobID, From: from, To: to}
}

// Classification helpers

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsSubscriberDropped(err error) bool {
	return errors.Is(err, ErrSubscriberDropped)
}

// Re-exports so callers don't need to import both this package and the
// standard library errors package.

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func New(text string) error {
	return errors.New(text)
}
