package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/cad-convertor/internal/domain"
)

const (
	defaultDiagnosticsLimit = 16 * 1024
	defaultKillGrace        = 5 * time.Second
)

// Config describes how to invoke the external CAD engine. Args may contain the
// placeholders {operation}, {input}, {output}, {source}, {target} and {tolerance}.
type Config struct {
	Binary           string
	Args             []string
	DiagnosticsLimit int
	KillGrace        time.Duration
}

// Input is one conversion for the engine. Paths live in the job workspace.
type Input struct {
	JobID      string
	SourcePath string
	OutputPath string
	From       domain.Format
	To         domain.Format
	Tolerance  float64
}

// Output describes a validated engine result
type Output struct {
	Path        string
	Size        int64
	Operation   Operation
	Diagnostics string
	Duration    time.Duration
}

// Adapter translates a conversion into one engine invocation and interprets the outcome
type Adapter struct {
	cfg    Config
	routes map[Pair]Operation
	logger *slog.Logger
}

// New creates an engine adapter
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.DiagnosticsLimit <= 0 {
		cfg.DiagnosticsLimit = defaultDiagnosticsLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	cfg.Binary, cfg.Args = absolutePaths(cfg.Binary, cfg.Args)

	return &Adapter{
		cfg:    cfg,
		routes: buildRoutes(),
		logger: logger,
	}
}

// Route returns the engine operation for a pair. Unmapped pairs fail with
// domain.ErrUnsupportedPair before anything is started.
func (a *Adapter) Route(from, to domain.Format) (Operation, error) {
	op, ok := a.routes[Pair{From: from, To: to}]
	if !ok {
		return Operation{}, domain.NewError(
			domain.KindUnsupportedFormat,
			fmt.Sprintf("conversion from %s to %s is not supported", from, to),
			domain.ErrUnsupportedPair,
		)
	}
	return op, nil
}

// Pairs lists every supported conversion
func (a *Adapter) Pairs() []Pair {
	return sortedPairs(a.routes)
}

// Convert runs the engine once. It never reports success unless the process
// exited cleanly and the output file exists and is non-empty.
func (a *Adapter) Convert(ctx context.Context, in Input) (*Output, error) {
	op, err := a.Route(in.From, in.To)
	if err != nil {
		return nil, err
	}

	args := a.expandArgs(op, in)
	sess := newSession(ctx, a.cfg.Binary, args, filepath.Dir(in.SourcePath), a.cfg.DiagnosticsLimit, a.cfg.KillGrace)

	a.logger.Debug("Invoking conversion engine",
		slog.String("job_id", in.JobID),
		slog.String("binary", a.cfg.Binary),
		slog.String("operation", op.String()),
		slog.String("from", in.From.String()),
		slog.String("to", in.To.String()),
	)

	start := time.Now()
	runErr := sess.run()
	duration := time.Since(start)
	diag := sess.diagnostics()

	if ctxErr := ctx.Err(); ctxErr != nil {
		a.logger.Warn("Conversion engine stopped before completion",
			slog.String("job_id", in.JobID),
			slog.Duration("duration", duration),
			slog.String("reason", ctxErr.Error()),
		)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, domain.NewError(domain.KindTimeout, "conversion exceeded its deadline", ctxErr)
		}
		return nil, fmt.Errorf("engine invocation canceled: %w", ctxErr)
	}

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		a.logger.Error("Conversion engine failed",
			slog.String("job_id", in.JobID),
			slog.Int("exit_code", exitCode),
			slog.Duration("duration", duration),
			slog.String("diagnostics", diag),
			slog.String("error", runErr.Error()),
		)
		return nil, domain.NewError(
			domain.KindEngineFailure,
			fmt.Sprintf("conversion engine failed converting %s to %s", in.From, in.To),
			fmt.Errorf("engine exit code %d: %w", exitCode, runErr),
		)
	}

	info, err := os.Stat(in.OutputPath)
	if err != nil || info.Size() == 0 {
		a.logger.Error("Conversion engine exited cleanly without output",
			slog.String("job_id", in.JobID),
			slog.String("diagnostics", diag),
		)
		return nil, domain.NewError(domain.KindEngineFailure, "conversion engine produced no output", domain.ErrEmptyOutput)
	}

	return &Output{
		Path:        in.OutputPath,
		Size:        info.Size(),
		Operation:   op,
		Diagnostics: diag,
		Duration:    duration,
	}, nil
}

func (a *Adapter) expandArgs(op Operation, in Input) []string {
	r := strings.NewReplacer(
		"{operation}", op.String(),
		"{input}", in.SourcePath,
		"{output}", in.OutputPath,
		"{source}", in.From.String(),
		"{target}", in.To.String(),
		"{tolerance}", strconv.FormatFloat(in.Tolerance, 'f', -1, 64),
	)

	args := make([]string, len(a.cfg.Args))
	for i, arg := range a.cfg.Args {
		args[i] = r.Replace(arg)
	}
	return args
}

// absolutePaths anchors a relative binary path and relative script arguments
// to the service's working directory. The engine runs inside the job
// workspace, where they would no longer resolve.
func absolutePaths(binary string, args []string) (string, []string) {
	if binary != "" && !filepath.IsAbs(binary) && strings.ContainsRune(binary, filepath.Separator) {
		if abs, err := filepath.Abs(binary); err == nil {
			binary = abs
		}
	}

	resolved := make([]string, len(args))
	for i, arg := range args {
		resolved[i] = arg
		if arg == "" || filepath.IsAbs(arg) || strings.HasPrefix(arg, "-") || strings.Contains(arg, "{") {
			continue
		}
		info, err := os.Stat(arg)
		if err != nil || info.IsDir() {
			continue
		}
		if abs, err := filepath.Abs(arg); err == nil {
			resolved[i] = abs
		}
	}
	return binary, resolved
}
