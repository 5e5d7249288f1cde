package domain

import "errors"

var (
	// ErrInvalidPayload is returned when an audit event cannot be decoded
	ErrInvalidPayload = errors.New("invalid audit event payload")

	// ErrConsumerClosed is returned when the broker closes the delivery channel
	ErrConsumerClosed = errors.New("delivery channel closed")
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
