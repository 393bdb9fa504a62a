package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job key does not exist in its queue
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a worker acts on a job whose lease expired
	// and was reclaimed by another worker
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDeadLetterNotFound is returned when a dead-letter record does not exist
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrValidation marks a request that can never succeed
	ErrValidation = errors.New("validation failed")

	// ErrBudgetExceeded is returned when an organization reached its monthly budget
	ErrBudgetExceeded = errors.New("organization budget exceeded")

	// ErrCancelled is returned when a job was cancelled cooperatively
	ErrCancelled = errors.New("job cancelled")
)

// PermanentError wraps errors that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should skip retries. Validation and budget
// errors are always permanent.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrInvalidPayload)
}

// RateLimitedError is an admission-time rejection, not a job failure
type RateLimitedError struct {
	OrganizationID string
	Class          string
	RetryAfter     time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: organization %s class %s, retry after %s", e.OrganizationID, e.Class, e.RetryAfter)
}

// IsRateLimited returns the rate-limit rejection wrapped in err, if any
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// DeferError asks the worker pool to reschedule the job without consuming an attempt
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

// NewDeferError creates a new DeferError
func NewDeferError(delay time.Duration, reason string) error {
	return &DeferError{Delay: delay, Reason: reason}
}
