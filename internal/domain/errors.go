package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrPreconditionFailed is returned when a job is no longer in the state an operation expects
	ErrPreconditionFailed = errors.New("job not in expected status")

	// ErrInvalidTransition is returned for status changes the job lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrSlotAlreadyHeld is returned when a job asks for a second admission slot
	ErrSlotAlreadyHeld = errors.New("admission slot already held for job")

	// ErrInvalidMessage is returned when a queue message does not carry a job identifier
	ErrInvalidMessage = errors.New("invalid job message")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
