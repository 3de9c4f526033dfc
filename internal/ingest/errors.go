package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks payloads that will never transform successfully.
	ErrValidation = errors.New("validation failed")
	// ErrThrottled marks source throttling and rate limiter deadlines; retryable.
	ErrThrottled = errors.New("throttled")
	// ErrPermanent marks source errors that retrying cannot fix, such as a missing item.
	ErrPermanent = errors.New("permanent source error")
	// ErrIdentityConflict is returned by content stores on a uniqueness violation.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrConfiguration marks failures no job of the affected type can recover from.
	ErrConfiguration = errors.New("configuration error")
	// ErrRuleNotFound is returned when no mapping rule exists for a platform and domain.
	ErrRuleNotFound = fmt.Errorf("%w: mapping rule not found", ErrConfiguration)
	// ErrDuplicateJob is returned when a target already has an in-flight job.
	ErrDuplicateJob = errors.New("job already in flight")
	// ErrLeaseLost is returned when a worker reports on a job it no longer holds.
	ErrLeaseLost = errors.New("lease lost")
)

// ValidationError describes why a payload or request was rejected.
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

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
