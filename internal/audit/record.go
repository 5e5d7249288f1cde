package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OutcomeSucceeded marks a successful conversion; failures carry the error kind
const OutcomeSucceeded = "SUCCEEDED"

// EventType is the AMQP message type of a published audit record
const EventType = "conversion.audit"

var (
	// ErrInvalidEvent is returned when an audit event cannot be decoded
	ErrInvalidEvent = errors.New("invalid audit event")

	// ErrNotFound is returned when no audit record matches
	ErrNotFound = errors.New("audit record not found")
)

// Record is the single audit entry written per conversion request
type Record struct {
	RequestID    string    `json:"request_id"`
	JobID        string    `json:"job_id,omitempty"`
	Outcome      string    `json:"outcome"`
	StatusCode   int       `json:"status_code"`
	SourceFormat string    `json:"source_format,omitempty"`
	TargetFormat string    `json:"target_format,omitempty"`
	InputBytes   int64     `json:"input_bytes"`
	OutputBytes  int64     `json:"output_bytes"`
	DurationMS   int64     `json:"duration_ms"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the fields every sink relies on
func (r *Record) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrInvalidEvent)
	}
	if r.Outcome == "" {
		return fmt.Errorf("%w: outcome is required", ErrInvalidEvent)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("%w: status_code %d out of range", ErrInvalidEvent, r.StatusCode)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidEvent)
	}
	return nil
}

// Succeeded reports whether the request produced a converted file
func (r *Record) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// EncodeEvent serializes a record for the message queue
func EncodeEvent(r *Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	return body, nil
}

// DecodeEvent parses and validates a queued audit record
func DecodeEvent(body []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
