package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/cad-convertor/internal/domain"
	"github.com/cuongbtq/cad-convertor/internal/engine"
)

// Converter is the engine side of a job
type Converter interface {
	Route(from, to domain.Format) (engine.Operation, error)
	Convert(ctx context.Context, in engine.Input) (*engine.Output, error)
}

// Config holds executor limits. QueueTimeout bounds how long a caller may
// wait for a slot; zero means no bound.
type Config struct {
	JobTimeout    time.Duration
	QueueTimeout  time.Duration
	MaxConcurrent int
	QueueDepth    int
	WorkspaceRoot string
}

// Stats is a point-in-time view of admission state
type Stats struct {
	Running       int
	Queued        int
	MaxConcurrent int
	QueueDepth    int
	Accepting     bool
}

// Executor runs conversion jobs under admission control, each in its own
// workspace and with its own deadline
type Executor struct {
	cfg       Config
	converter Converter
	logger    *slog.Logger
	admission *admission

	mu          sync.Mutex
	jobs        map[string]context.CancelCauseFunc
	terminating bool
}

// New creates an executor and makes sure the workspace root exists
func New(cfg Config, converter Converter, logger *slog.Logger) (*Executor, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.QueueDepth < 0 {
		return nil, fmt.Errorf("queue depth cannot be negative, got %d", cfg.QueueDepth)
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("job timeout must be positive, got %s", cfg.JobTimeout)
	}
	if cfg.QueueTimeout < 0 {
		return nil, fmt.Errorf("queue timeout cannot be negative, got %s", cfg.QueueTimeout)
	}

	// The engine runs inside the job workspace, so paths handed to it must not
	// depend on the working directory
	root, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.WorkspaceRoot = root
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Executor{
		cfg:       cfg,
		converter: converter,
		logger:    logger,
		admission: newAdmission(cfg.MaxConcurrent, cfg.QueueDepth),
		jobs:      make(map[string]context.CancelCauseFunc),
	}, nil
}

// Execute runs one conversion to completion. The returned result carries
// either the converted bytes or a classified error, and the job workspace is
// gone by the time it returns.
func (e *Executor) Execute(ctx context.Context, req *domain.ConversionRequest) *domain.ConversionResult {
	if err := req.Validate(); err != nil {
		return domain.Failed("", err)
	}

	// Fail fast before taking a slot or touching disk
	if _, err := e.converter.Route(req.From, req.To); err != nil {
		return domain.Failed("", err)
	}

	if err := e.acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.Failed("", canceledError(ctx))
		}
		e.logger.Warn("Conversion rejected by admission control",
			slog.String("from", req.From.String()),
			slog.String("to", req.To.String()),
			slog.String("reason", err.Error()),
		)
		return domain.Failed("", err)
	}
	defer e.admission.release()

	job := domain.NewJob(uuid.NewString(), req, time.Now(), e.cfg.JobTimeout)
	return e.run(ctx, job)
}

// acquire waits for a slot no longer than the queue timeout
func (e *Executor) acquire(ctx context.Context) error {
	if e.cfg.QueueTimeout <= 0 {
		return e.admission.acquire(ctx)
	}

	waitCtx, cancel := context.WithTimeoutCause(ctx, e.cfg.QueueTimeout, domain.ErrQueueTimeout)
	defer cancel()

	err := e.admission.acquire(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(waitCtx), domain.ErrQueueTimeout) {
		return domain.ErrQueueTimeout
	}
	return err
}

func (e *Executor) run(parent context.Context, job *domain.ConversionJob) (result *domain.ConversionResult) {
	ctx, cancelCause := context.WithCancelCause(parent)
	defer cancelCause(nil)
	ctx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	e.track(job.ID, cancelCause)
	defer e.untrack(job.ID)

	logger := e.logger.With(slog.String("job_id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Conversion job panicked", slog.Any("panic", r))
			e.finish(job, domain.JobStateFailed)
			result = domain.Failed(job.ID, domain.NewError(domain.KindInternal, "internal error", fmt.Errorf("panic: %v", r)))
		}
	}()

	workspace, err := os.MkdirTemp(e.cfg.WorkspaceRoot, "job-"+job.ID+"-")
	if err != nil {
		logger.Error("Failed to create job workspace", slog.String("error", err.Error()))
		e.finish(job, domain.JobStateFailed)
		return domain.Failed(job.ID, err)
	}
	job.Workspace = workspace
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Error("Failed to remove job workspace",
				slog.String("workspace", workspace),
				slog.String("error", err.Error()),
			)
		}
	}()

	req := job.Request
	sourcePath := filepath.Join(workspace, "source"+req.From.Extension())
	if err := os.WriteFile(sourcePath, req.Source, 0o600); err != nil {
		logger.Error("Failed to write job source", slog.String("error", err.Error()))
		e.finish(job, domain.JobStateFailed)
		return domain.Failed(job.ID, err)
	}

	if err := job.Transition(domain.JobStateRunning, time.Now()); err != nil {
		return domain.Failed(job.ID, err)
	}
	logger.Info("Conversion job started",
		slog.String("from", req.From.String()),
		slog.String("to", req.To.String()),
		slog.Int("input_bytes", len(req.Source)),
	)

	out, err := e.converter.Convert(ctx, engine.Input{
		JobID:      job.ID,
		SourcePath: sourcePath,
		OutputPath: filepath.Join(workspace, "output"+req.To.Extension()),
		From:       req.From,
		To:         req.To,
		Tolerance:  req.Tolerance(),
	})
	if err != nil {
		return e.fail(ctx, logger, job, err)
	}

	data, err := os.ReadFile(out.Path)
	if err != nil {
		logger.Error("Failed to read conversion output", slog.String("error", err.Error()))
		e.finish(job, domain.JobStateFailed)
		return domain.Failed(job.ID, err)
	}
	if len(data) == 0 {
		e.finish(job, domain.JobStateFailed)
		return domain.Failed(job.ID, domain.ErrEmptyOutput)
	}

	e.finish(job, domain.JobStateSucceeded)
	logger.Info("Conversion job succeeded",
		slog.Int("output_bytes", len(data)),
		slog.Duration("duration", job.EndedAt.Sub(job.StartedAt)),
	)

	return &domain.ConversionResult{
		JobID:    job.ID,
		Format:   req.To,
		Data:     data,
		Duration: job.EndedAt.Sub(job.CreatedAt),
	}
}

// fail classifies a converter error and records the terminal state
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, job *domain.ConversionJob, err error) *domain.ConversionResult {
	convErr := domain.AsConversionError(err)

	switch {
	case convErr.Kind == domain.KindTimeout:
		e.finish(job, domain.JobStateTimedOut)
	case errors.Is(err, context.Canceled):
		e.finish(job, domain.JobStateCanceled)
		convErr = canceledError(ctx)
	default:
		e.finish(job, domain.JobStateFailed)
	}

	logger.Warn("Conversion job failed",
		slog.String("state", string(job.State)),
		slog.String("error_kind", string(convErr.Kind)),
		slog.String("error", err.Error()),
	)

	return &domain.ConversionResult{
		JobID:    job.ID,
		Err:      convErr,
		Duration: job.EndedAt.Sub(job.CreatedAt),
	}
}

func (e *Executor) finish(job *domain.ConversionJob, state domain.JobState) {
	if err := job.Transition(state, time.Now()); err != nil {
		e.logger.Error("Job state transition rejected",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// canceledError tells a shutdown apart from a caller that went away
func canceledError(ctx context.Context) *domain.ConversionError {
	if errors.Is(context.Cause(ctx), domain.ErrShuttingDown) {
		return domain.AsConversionError(domain.ErrShuttingDown)
	}
	return domain.NewError(domain.KindInternal, "conversion canceled", context.Cause(ctx))
}

// track registers a job's cancel func. A job that got its slot after the
// drain gave up is canceled right away.
func (e *Executor) track(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating {
		cancel(domain.ErrShuttingDown)
	}
	e.jobs[id] = cancel
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, id)
}

// Stats returns running and queued counts and the configured limits
func (e *Executor) Stats() Stats {
	running, queued, accepting := e.admission.stats()
	return Stats{
		Running:       running,
		Queued:        queued,
		MaxConcurrent: e.cfg.MaxConcurrent,
		QueueDepth:    e.cfg.QueueDepth,
		Accepting:     accepting,
	}
}

// Shutdown stops admitting jobs and waits for in-flight ones. When ctx ends
// first, every remaining job is canceled and Shutdown waits for their engine
// processes to be reaped before returning ctx's error.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.admission.close()

	running, _, _ := e.admission.stats()
	e.logger.Info("Executor draining", slog.Int("running", running))

	err := e.admission.wait(ctx)
	if err == nil {
		e.logger.Info("Executor drained")
		return nil
	}

	e.mu.Lock()
	e.terminating = true
	e.logger.Warn("Executor drain timed out, terminating jobs", slog.Int("jobs", len(e.jobs)))
	for _, cancel := range e.jobs {
		cancel(domain.ErrShuttingDown)
	}
	e.mu.Unlock()

	if waitErr := e.admission.wait(context.Background()); waitErr != nil {
		return waitErr
	}
	return err
}
