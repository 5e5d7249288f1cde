package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// JobState is the lifecycle state of a conversion job
type JobState string

// Job state constants
const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateTimedOut  JobState = "TIMED_OUT"
	JobStateCanceled  JobState = "CANCELED"
)

// DefaultTolerance is the tessellation and mesh-to-shape tolerance used when a
// request does not set one
const DefaultTolerance = 0.1

// MaxTolerance bounds user supplied tolerances
const MaxTolerance = 10.0

func (s JobState) rank() int {
	switch s {
	case JobStatePending:
		return 0
	case JobStateRunning:
		return 1
	default:
		return 2
	}
}

// IsTerminal reports whether no further transition is allowed
func (s JobState) IsTerminal() bool {
	return s.rank() == 2
}

// Options carries optional conversion parameters
type Options struct {
	Tolerance float64
	Filename  string
}

// ConversionRequest is one incoming conversion call
type ConversionRequest struct {
	Source  []byte
	From    Format
	To      Format
	Options Options
}

// Validate checks the request shape. Format membership is checked by ParseFormat
// before a request is built; pair support is checked by the engine router.
func (r *ConversionRequest) Validate() error {
	if len(r.Source) == 0 {
		return NewError(KindInvalidInput, "uploaded file is empty", nil)
	}
	if r.From == "" || r.To == "" {
		return NewError(KindInvalidInput, "source and target formats are required", nil)
	}
	if r.Options.Tolerance < 0 || r.Options.Tolerance > MaxTolerance {
		return NewError(KindInvalidInput, fmt.Sprintf("tolerance must be in (0, %g]", MaxTolerance), nil)
	}
	return nil
}

// Tolerance returns the effective tolerance
func (r *ConversionRequest) Tolerance() float64 {
	if r.Options.Tolerance <= 0 {
		return DefaultTolerance
	}
	return r.Options.Tolerance
}

// OutputName derives the download filename: the input base name with the target
// extension, or "converted.<target>" when no filename was supplied
func (r *ConversionRequest) OutputName() string {
	base := filepath.Base(strings.ReplaceAll(r.Options.Filename, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "converted"
	}
	return base + r.To.Extension()
}

// ConversionJob is a request in flight
type ConversionJob struct {
	ID        string
	Request   *ConversionRequest
	State     JobState
	CreatedAt time.Time
	StartedAt time.Time
	Deadline  time.Time
	EndedAt   time.Time
	Workspace string
}

// NewJob creates a pending job
func NewJob(id string, req *ConversionRequest, now time.Time, timeout time.Duration) *ConversionJob {
	return &ConversionJob{
		ID:        id,
		Request:   req,
		State:     JobStatePending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
}

// Transition moves the job forward. Backward moves and moves out of a terminal
// state fail with ErrInvalidTransition.
func (j *ConversionJob) Transition(next JobState, at time.Time) error {
	if j.State.IsTerminal() || next.rank() <= j.State.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}

	j.State = next
	switch {
	case next == JobStateRunning:
		j.StartedAt = at
	case next.IsTerminal():
		j.EndedAt = at
	}
	return nil
}

// ConversionResult holds either converted bytes or a failure, never both
type ConversionResult struct {
	JobID    string
	Format   Format
	Data     []byte
	Err      *ConversionError
	Duration time.Duration
}

// Succeeded reports whether the result carries data
func (r *ConversionResult) Succeeded() bool {
	return r.Err == nil
}

// Failed builds a failure result
func Failed(jobID string, err error) *ConversionResult {
	return &ConversionResult{JobID: jobID, Err: AsConversionError(err)}
}
