package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/cad-convertor/internal/domain"
	"github.com/cuongbtq/cad-convertor/internal/engine"
)

type convertFunc func(ctx context.Context, in engine.Input) (*engine.Output, error)

// fakeConverter stands in for the engine adapter and tracks concurrency
type fakeConverter struct {
	convert   convertFunc
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeConverter) Route(from, to domain.Format) (engine.Operation, error) {
	if from == to {
		return engine.Operation{}, domain.NewError(domain.KindUnsupportedFormat, "not supported", domain.ErrUnsupportedPair)
	}
	return engine.Operation{From: from, To: to, Load: from.Kind(), Export: engine.ExportShape}, nil
}

func (f *fakeConverter) Convert(ctx context.Context, in engine.Input) (*engine.Output, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.convert != nil {
		return f.convert(ctx, in)
	}
	return copyConvert(ctx, in)
}

func copyConvert(_ context.Context, in engine.Input) (*engine.Output, error) {
	data, err := os.ReadFile(in.SourcePath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(in.OutputPath, data, 0o600); err != nil {
		return nil, err
	}
	return &engine.Output{Path: in.OutputPath, Size: int64(len(data))}, nil
}

// blockingConvert waits for release or ctx, classifying ctx the way the engine adapter does
func blockingConvert(started chan<- struct{}, release <-chan struct{}) convertFunc {
	return func(ctx context.Context, in engine.Input) (*engine.Output, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return copyConvert(ctx, in)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewError(domain.KindTimeout, "conversion exceeded its deadline", ctx.Err())
			}
			return nil, fmt.Errorf("engine invocation canceled: %w", ctx.Err())
		}
	}
}

func newTestExecutor(t *testing.T, cfg Config, conv Converter) *Executor {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}

	exec, err := New(cfg, conv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return exec
}

func newRequest() *domain.ConversionRequest {
	return &domain.ConversionRequest{
		Source:  []byte("ISO-10303-21;\nHEADER;\nENDSEC;\n"),
		From:    domain.FormatSTEP,
		To:      domain.FormatSTL,
		Options: domain.Options{Filename: "part.step"},
	}
}

func assertWorkspaceEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "job workspaces must be removed")
}

func TestNew_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conv := &fakeConverter{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero concurrency", cfg: Config{JobTimeout: time.Second, MaxConcurrent: 0}},
		{name: "negative queue", cfg: Config{JobTimeout: time.Second, MaxConcurrent: 1, QueueDepth: -1}},
		{name: "zero timeout", cfg: Config{MaxConcurrent: 1}},
		{name: "negative queue timeout", cfg: Config{JobTimeout: time.Second, MaxConcurrent: 1, QueueTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.WorkspaceRoot = t.TempDir()
			_, err := New(tt.cfg, conv, logger)
			assert.Error(t, err)
		})
	}
}

func TestNew_RelativeWorkspaceRoot(t *testing.T) {
	cwd := t.TempDir()
	t.Chdir(cwd)

	var got engine.Input
	conv := &fakeConverter{convert: func(ctx context.Context, in engine.Input) (*engine.Output, error) {
		got = in
		return copyConvert(ctx, in)
	}}
	exec := newTestExecutor(t, Config{WorkspaceRoot: "work"}, conv)
	assert.Equal(t, filepath.Join(cwd, "work"), exec.cfg.WorkspaceRoot)

	res := exec.Execute(context.Background(), newRequest())
	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)
	assert.True(t, filepath.IsAbs(got.SourcePath))
	assert.True(t, filepath.IsAbs(got.OutputPath))
}

func TestExecute_Success(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	req := newRequest()
	res := exec.Execute(context.Background(), req)

	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)
	assert.Equal(t, req.Source, res.Data)
	assert.Equal(t, domain.FormatSTL, res.Format)
	assert.NotEmpty(t, res.JobID)
	assertWorkspaceEmpty(t, root)
}

func TestExecute_PassesWorkspacePathsAndTolerance(t *testing.T) {
	root := t.TempDir()
	var got engine.Input
	conv := &fakeConverter{convert: func(ctx context.Context, in engine.Input) (*engine.Output, error) {
		got = in
		return copyConvert(ctx, in)
	}}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	req := newRequest()
	req.Options.Tolerance = 0.5
	res := exec.Execute(context.Background(), req)
	require.True(t, res.Succeeded())

	assert.Equal(t, res.JobID, got.JobID)
	assert.Contains(t, got.SourcePath, root)
	assert.Contains(t, got.SourcePath, "job-"+res.JobID)
	assert.Equal(t, "source.step", filepath.Base(got.SourcePath))
	assert.Equal(t, "output.stl", filepath.Base(got.OutputPath))
	assert.InDelta(t, 0.5, got.Tolerance, 1e-9)
}

func TestExecute_FailuresBeforeEngine(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *domain.ConversionRequest)
		wantKind domain.ErrorKind
	}{
		{name: "empty source", mutate: func(r *domain.ConversionRequest) { r.Source = nil }, wantKind: domain.KindInvalidInput},
		{name: "bad tolerance", mutate: func(r *domain.ConversionRequest) { r.Options.Tolerance = 50 }, wantKind: domain.KindInvalidInput},
		{name: "identical pair", mutate: func(r *domain.ConversionRequest) { r.To = domain.FormatSTEP }, wantKind: domain.KindUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			conv := &fakeConverter{}
			exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

			req := newRequest()
			tt.mutate(req)
			res := exec.Execute(context.Background(), req)

			require.False(t, res.Succeeded())
			assert.Equal(t, tt.wantKind, res.Err.Kind)
			assert.Zero(t, conv.calls.Load(), "engine must not be invoked")
			assertWorkspaceEmpty(t, root)
		})
	}
}

func TestExecute_EngineFailure(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{convert: func(context.Context, engine.Input) (*engine.Output, error) {
		return nil, domain.NewError(domain.KindEngineFailure, "conversion engine failed", errors.New("exit status 1"))
	}}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	res := exec.Execute(context.Background(), newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindEngineFailure, res.Err.Kind)
	assert.True(t, res.Err.Retryable())
	assert.Nil(t, res.Data)
	assertWorkspaceEmpty(t, root)
}

func TestExecute_Timeout(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{convert: blockingConvert(nil, make(chan struct{}))}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root, JobTimeout: 100 * time.Millisecond}, conv)

	start := time.Now()
	res := exec.Execute(context.Background(), newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindTimeout, res.Err.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertWorkspaceEmpty(t, root)
}

func TestExecute_CallerCanceled(t *testing.T) {
	root := t.TempDir()
	started := make(chan struct{}, 1)
	conv := &fakeConverter{convert: blockingConvert(started, make(chan struct{}))}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := exec.Execute(ctx, newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindInternal, res.Err.Kind)
	assert.Equal(t, "conversion canceled", res.Err.Message)
	assertWorkspaceEmpty(t, root)
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{convert: func(context.Context, engine.Input) (*engine.Output, error) {
		panic("engine adapter bug")
	}}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	res := exec.Execute(context.Background(), newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindInternal, res.Err.Kind)
	assert.Equal(t, "internal error", res.Err.Message)
	assertWorkspaceEmpty(t, root)
	assert.Zero(t, exec.Stats().Running, "slot must be released after a panic")
}

func TestExecute_EmptyOutputFile(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{convert: func(_ context.Context, in engine.Input) (*engine.Output, error) {
		require.NoError(t, os.WriteFile(in.OutputPath, nil, 0o600))
		return &engine.Output{Path: in.OutputPath}, nil
	}}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root}, conv)

	res := exec.Execute(context.Background(), newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindEngineFailure, res.Err.Kind)
}

func TestExecute_BackpressureWithoutQueue(t *testing.T) {
	const limit = 2
	root := t.TempDir()
	started := make(chan struct{}, limit)
	release := make(chan struct{})
	conv := &fakeConverter{convert: blockingConvert(started, release)}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root, MaxConcurrent: limit, QueueDepth: 0}, conv)

	results := make(chan *domain.ConversionResult, limit)
	for i := 0; i < limit; i++ {
		go func() { results <- exec.Execute(context.Background(), newRequest()) }()
	}
	for i := 0; i < limit; i++ {
		<-started
	}

	rejected := exec.Execute(context.Background(), newRequest())
	require.False(t, rejected.Succeeded())
	assert.Equal(t, domain.KindBackpressure, rejected.Err.Kind)
	assert.Equal(t, 503, rejected.Err.Kind.HTTPStatus())

	close(release)
	for i := 0; i < limit; i++ {
		res := <-results
		assert.True(t, res.Succeeded())
	}

	assert.Equal(t, int32(limit), conv.calls.Load())
	assert.LessOrEqual(t, conv.maxActive.Load(), int32(limit))
	assertWorkspaceEmpty(t, root)
}

func TestExecute_ConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	conv := &fakeConverter{convert: func(ctx context.Context, in engine.Input) (*engine.Output, error) {
		time.Sleep(20 * time.Millisecond)
		return copyConvert(ctx, in)
	}}
	exec := newTestExecutor(t, Config{MaxConcurrent: limit, QueueDepth: 32}, conv)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !exec.Execute(context.Background(), newRequest()).Succeeded() {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, int32(12), conv.calls.Load())
	assert.LessOrEqual(t, conv.maxActive.Load(), int32(limit))
}

func TestExecute_QueuedCallerIsServed(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	conv := &fakeConverter{convert: blockingConvert(started, release)}
	exec := newTestExecutor(t, Config{MaxConcurrent: 1, QueueDepth: 1}, conv)

	first := make(chan *domain.ConversionResult, 1)
	go func() { first <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	second := make(chan *domain.ConversionResult, 1)
	go func() { second <- exec.Execute(context.Background(), newRequest()) }()
	require.Eventually(t, func() bool { return exec.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	third := exec.Execute(context.Background(), newRequest())
	assert.Equal(t, domain.KindBackpressure, third.Err.Kind)

	close(release)
	assert.True(t, (<-first).Succeeded())
	assert.True(t, (<-second).Succeeded())
	assert.Zero(t, exec.Stats().Running)
}

func TestExecute_CanceledWaiterLeavesQueue(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	conv := &fakeConverter{convert: blockingConvert(started, release)}
	exec := newTestExecutor(t, Config{MaxConcurrent: 1, QueueDepth: 1}, conv)

	first := make(chan *domain.ConversionResult, 1)
	go func() { first <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan *domain.ConversionResult, 1)
	go func() { waiting <- exec.Execute(ctx, newRequest()) }()
	require.Eventually(t, func() bool { return exec.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	res := <-waiting
	assert.Equal(t, domain.KindInternal, res.Err.Kind)
	assert.Zero(t, exec.Stats().Queued)

	close(release)
	assert.True(t, (<-first).Succeeded())
	assert.Equal(t, int32(1), conv.calls.Load())
}

func TestExecute_QueuedWaiterTimesOut(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	conv := &fakeConverter{convert: blockingConvert(started, release)}
	exec := newTestExecutor(t, Config{MaxConcurrent: 1, QueueDepth: 1, QueueTimeout: 100 * time.Millisecond}, conv)

	first := make(chan *domain.ConversionResult, 1)
	go func() { first <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	start := time.Now()
	res := exec.Execute(context.Background(), newRequest())

	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindBackpressure, res.Err.Kind)
	assert.ErrorIs(t, res.Err, domain.ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, exec.Stats().Queued)

	close(release)
	assert.True(t, (<-first).Succeeded())
	assert.Equal(t, int32(1), conv.calls.Load())
	assert.Zero(t, exec.Stats().Running)
}

func TestShutdown_DrainsInFlightJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	conv := &fakeConverter{convert: blockingConvert(started, release)}
	exec := newTestExecutor(t, Config{MaxConcurrent: 1}, conv)

	inFlight := make(chan *domain.ConversionResult, 1)
	go func() { inFlight <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- exec.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool { return !exec.Stats().Accepting }, time.Second, 5*time.Millisecond)
	rejected := exec.Execute(context.Background(), newRequest())
	assert.Equal(t, domain.KindBackpressure, rejected.Err.Kind)
	assert.ErrorIs(t, rejected.Err, domain.ErrShuttingDown)

	close(release)
	assert.True(t, (<-inFlight).Succeeded())
	assert.NoError(t, <-shutdownErr)
}

func TestShutdown_TerminatesJobsAfterGrace(t *testing.T) {
	root := t.TempDir()
	started := make(chan struct{}, 1)
	conv := &fakeConverter{convert: blockingConvert(started, make(chan struct{}))}
	exec := newTestExecutor(t, Config{WorkspaceRoot: root, MaxConcurrent: 1}, conv)

	inFlight := make(chan *domain.ConversionResult, 1)
	go func() { inFlight <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := exec.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res := <-inFlight
	require.False(t, res.Succeeded())
	assert.Equal(t, domain.KindBackpressure, res.Err.Kind)
	assert.Zero(t, exec.Stats().Running)
	assertWorkspaceEmpty(t, root)
}

func TestShutdown_CancelsJobsTrackedAfterTermination(t *testing.T) {
	started := make(chan struct{}, 1)
	conv := &fakeConverter{convert: blockingConvert(started, make(chan struct{}))}
	exec := newTestExecutor(t, Config{MaxConcurrent: 2}, conv)

	inFlight := make(chan *domain.ConversionResult, 1)
	go func() { inFlight <- exec.Execute(context.Background(), newRequest()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, exec.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, domain.KindBackpressure, (<-inFlight).Err.Kind)

	// A job that won its slot before the close but registers only now
	lateCtx, lateCancel := context.WithCancelCause(context.Background())
	defer lateCancel(nil)
	exec.track("late-job", lateCancel)
	defer exec.untrack("late-job")

	require.Error(t, lateCtx.Err())
	assert.ErrorIs(t, context.Cause(lateCtx), domain.ErrShuttingDown)
}
