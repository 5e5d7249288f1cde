package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/shared/database"
)

// schema works on both PostgreSQL and SQLite. Timestamps are unix nanoseconds
// so ordering and cursors behave the same on both drivers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversion_audit (
		request_id    TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL,
		status_code   INTEGER NOT NULL,
		source_format TEXT NOT NULL DEFAULT '',
		target_format TEXT NOT NULL DEFAULT '',
		input_bytes   BIGINT NOT NULL DEFAULT 0,
		output_bytes  BIGINT NOT NULL DEFAULT 0,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		client_ip     TEXT NOT NULL DEFAULT '',
		message       TEXT NOT NULL DEFAULT '',
		created_at_ns BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_audit_created
		ON conversion_audit (created_at_ns DESC, request_id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_audit_outcome
		ON conversion_audit (outcome)`,
}

const recordColumns = `
	request_id, job_id, outcome, status_code, source_format, target_format,
	input_bytes, output_bytes, duration_ms, client_ip, message, created_at_ns`

// row is the database shape of an audit.Record
type row struct {
	RequestID    string `db:"request_id"`
	JobID        string `db:"job_id"`
	Outcome      string `db:"outcome"`
	StatusCode   int    `db:"status_code"`
	SourceFormat string `db:"source_format"`
	TargetFormat string `db:"target_format"`
	InputBytes   int64  `db:"input_bytes"`
	OutputBytes  int64  `db:"output_bytes"`
	DurationMS   int64  `db:"duration_ms"`
	ClientIP     string `db:"client_ip"`
	Message      string `db:"message"`
	CreatedAtNS  int64  `db:"created_at_ns"`
}

func toRow(r *audit.Record) row {
	return row{
		RequestID:    r.RequestID,
		JobID:        r.JobID,
		Outcome:      r.Outcome,
		StatusCode:   r.StatusCode,
		SourceFormat: r.SourceFormat,
		TargetFormat: r.TargetFormat,
		InputBytes:   r.InputBytes,
		OutputBytes:  r.OutputBytes,
		DurationMS:   r.DurationMS,
		ClientIP:     r.ClientIP,
		Message:      r.Message,
		CreatedAtNS:  r.CreatedAt.UTC().UnixNano(),
	}
}

func (w row) toRecord() audit.Record {
	return audit.Record{
		RequestID:    w.RequestID,
		JobID:        w.JobID,
		Outcome:      w.Outcome,
		StatusCode:   w.StatusCode,
		SourceFormat: w.SourceFormat,
		TargetFormat: w.TargetFormat,
		InputBytes:   w.InputBytes,
		OutputBytes:  w.OutputBytes,
		DurationMS:   w.DurationMS,
		ClientIP:     w.ClientIP,
		Message:      w.Message,
		CreatedAt:    time.Unix(0, w.CreatedAtNS).UTC(),
	}
}

type Storage struct {
	db *sqlx.DB
}

func NewStorage(client *database.Client) *Storage {
	return &Storage{
		db: client.GetDB(),
	}
}

// EnsureSchema creates the audit table and indexes if missing
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply audit schema: %w", err)
		}
	}
	return nil
}

// InsertRecord stores a record once. A replayed request_id is ignored and
// reported as not inserted.
func (s *Storage) InsertRecord(ctx context.Context, r *audit.Record) (bool, error) {
	query := `
		INSERT INTO conversion_audit (` + recordColumns + `
		) VALUES (
			:request_id, :job_id, :outcome, :status_code, :source_format, :target_format,
			:input_bytes, :output_bytes, :duration_ms, :client_ip, :message, :created_at_ns
		)
		ON CONFLICT (request_id) DO NOTHING
	`

	res, err := s.db.NamedExecContext(ctx, query, toRow(r))
	if err != nil {
		return false, fmt.Errorf("failed to insert audit record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n == 1, nil
}

func (s *Storage) GetRecord(ctx context.Context, requestID string) (*audit.Record, error) {
	var w row
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM conversion_audit WHERE request_id = ?`)

	err := s.db.GetContext(ctx, &w, query, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}

	r := w.toRecord()
	return &r, nil
}

type RecordFilter struct {
	Outcome      string
	SourceFormat string
	TargetFormat string
	PageSize     int
	Cursor       *RecordCursor
}

type RecordCursor struct {
	CreatedAt time.Time
	RequestID string
}

// ListRecords returns newest records first. It fetches PageSize+1 rows so the
// caller can tell whether another page exists.
func (s *Storage) ListRecords(ctx context.Context, filter RecordFilter) ([]audit.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM conversion_audit WHERE 1=1`
	args := []interface{}{}

	// Filters
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}

	if filter.SourceFormat != "" {
		query += " AND source_format = ?"
		args = append(args, filter.SourceFormat)
	}

	if filter.TargetFormat != "" {
		query += " AND target_format = ?"
		args = append(args, filter.TargetFormat)
	}

	if filter.Cursor != nil {
		ns := filter.Cursor.CreatedAt.UTC().UnixNano()
		query += " AND (created_at_ns < ? OR (created_at_ns = ? AND request_id < ?))"
		args = append(args, ns, ns, filter.Cursor.RequestID)
	}

	// Order by created_at DESC, request_id DESC for consistent pagination
	query += " ORDER BY created_at_ns DESC, request_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	records := make([]audit.Record, len(rows))
	for i, w := range rows {
		records[i] = w.toRecord()
	}
	return records, nil
}
