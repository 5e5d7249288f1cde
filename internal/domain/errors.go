package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingFormat is returned when a format token is empty
	ErrMissingFormat = errors.New("format is required")

	// ErrUnknownFormat is returned when a format token is not in the supported set
	ErrUnknownFormat = errors.New("unknown format")

	// ErrUnsupportedPair is returned when no engine operation maps source to target
	ErrUnsupportedPair = errors.New("unsupported conversion pair")

	// ErrQueueFull is returned when admission control rejects a job
	ErrQueueFull = errors.New("conversion queue is full")

	// ErrQueueTimeout is returned when a queued job waits too long for a slot
	ErrQueueTimeout = errors.New("timed out waiting for a conversion slot")

	// ErrShuttingDown is returned when the executor no longer admits jobs
	ErrShuttingDown = errors.New("service is shutting down")

	// ErrEmptyOutput is returned when the engine exits cleanly but writes nothing
	ErrEmptyOutput = errors.New("engine produced no output")

	// ErrInvalidTransition is returned for a backward or post-terminal job state change
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ErrorKind is the client visible failure taxonomy
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "InvalidInput"
	KindUnsupportedFormat ErrorKind = "UnsupportedFormat"
	KindPayloadTooLarge   ErrorKind = "PayloadTooLarge"
	KindBackpressure      ErrorKind = "Backpressure"
	KindEngineFailure     ErrorKind = "EngineFailure"
	KindTimeout           ErrorKind = "Timeout"
	KindInternal          ErrorKind = "InternalError"
)

// HTTPStatus maps a kind to its response status code
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnprocessableEntity
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may resubmit the same request later.
// Nothing in this service retries automatically.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBackpressure, KindEngineFailure, KindTimeout:
		return true
	default:
		return false
	}
}

// ConversionError is a classified failure. Message is safe to show to clients;
// Err keeps the internal cause for logs.
type ConversionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth resubmitting
func (e *ConversionError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError creates a classified error
func NewError(kind ErrorKind, message string, cause error) *ConversionError {
	return &ConversionError{Kind: kind, Message: message, Err: cause}
}

// AsConversionError classifies any error. Unclassified errors become InternalError
// with a generic message so internal details never reach the client.
func AsConversionError(err error) *ConversionError {
	if err == nil {
		return nil
	}

	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return convErr
	}

	switch {
	case errors.Is(err, ErrMissingFormat):
		return NewError(KindInvalidInput, "format is required", err)
	case errors.Is(err, ErrUnknownFormat), errors.Is(err, ErrUnsupportedPair):
		return NewError(KindUnsupportedFormat, "unsupported format", err)
	case errors.Is(err, ErrQueueFull):
		return NewError(KindBackpressure, "too many conversions in progress, retry later", err)
	case errors.Is(err, ErrQueueTimeout):
		return NewError(KindBackpressure, "timed out waiting for a conversion slot, retry later", err)
	case errors.Is(err, ErrShuttingDown):
		return NewError(KindBackpressure, "service is shutting down, retry later", err)
	case errors.Is(err, ErrEmptyOutput):
		return NewError(KindEngineFailure, "conversion engine produced no output", err)
	}

	return NewError(KindInternal, "internal error", err)
}
