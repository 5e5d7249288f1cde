package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/cad-convertor/shared/rabbitmq"
)

// Recorder persists audit records
type Recorder interface {
	Record(ctx context.Context, r *Record) error
}

// Store is the database side of the audit trail
type Store interface {
	InsertRecord(ctx context.Context, r *Record) (bool, error)
}

// Publisher sends audit events to the message queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// LogRecorder writes one structured log line per record
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a log-backed recorder
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (l *LogRecorder) Record(ctx context.Context, r *Record) error {
	level := slog.LevelInfo
	if r.StatusCode >= 500 {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "Conversion audit",
		slog.String("request_id", r.RequestID),
		slog.String("job_id", r.JobID),
		slog.String("outcome", r.Outcome),
		slog.Int("status_code", r.StatusCode),
		slog.String("source_format", r.SourceFormat),
		slog.String("target_format", r.TargetFormat),
		slog.Int64("input_bytes", r.InputBytes),
		slog.Int64("output_bytes", r.OutputBytes),
		slog.Int64("duration_ms", r.DurationMS),
		slog.String("client_ip", r.ClientIP),
		slog.String("message", r.Message),
	)
	return nil
}

// StoreRecorder inserts records straight into the database
type StoreRecorder struct {
	store   Store
	timeout time.Duration
}

// NewStoreRecorder creates a database-backed recorder. Each insert is bounded by timeout.
func NewStoreRecorder(store Store, timeout time.Duration) *StoreRecorder {
	return &StoreRecorder{store: store, timeout: timeout}
}

func (s *StoreRecorder) Record(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if _, err := s.store.InsertRecord(ctx, r); err != nil {
		return fmt.Errorf("failed to store audit record: %w", err)
	}
	return nil
}

// PublishRecorder publishes records for the audit worker to persist
type PublishRecorder struct {
	publisher Publisher
	timeout   time.Duration
}

// NewPublishRecorder creates a queue-backed recorder. Each publish is bounded by timeout.
func NewPublishRecorder(publisher Publisher, timeout time.Duration) *PublishRecorder {
	return &PublishRecorder{publisher: publisher, timeout: timeout}
}

func (p *PublishRecorder) Record(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	body, err := EncodeEvent(r)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	return p.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		ID:          r.RequestID,
		Type:        EventType,
		ContentType: "application/json",
		Body:        body,
	})
}

// fallbackRecorder tries primary and falls back when it fails
type fallbackRecorder struct {
	primary  Recorder
	fallback Recorder
	logger   *slog.Logger
}

// WithFallback writes to fallback whenever primary fails, so a record is never
// silently dropped
func WithFallback(primary, fallback Recorder, logger *slog.Logger) Recorder {
	return &fallbackRecorder{primary: primary, fallback: fallback, logger: logger}
}

func (f *fallbackRecorder) Record(ctx context.Context, r *Record) error {
	err := f.primary.Record(ctx, r)
	if err == nil {
		return nil
	}

	f.logger.Error("Failed to write audit record, using fallback",
		slog.String("request_id", r.RequestID),
		slog.String("error", err.Error()),
	)
	if fbErr := f.fallback.Record(ctx, r); fbErr != nil {
		return fmt.Errorf("audit fallback failed: %w (primary: %v)", fbErr, err)
	}
	return nil
}
