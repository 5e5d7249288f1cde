package engine

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// session is one engine process invocation. It is owned by a single job and
// released on every path: the process group is killed when ctx ends and Wait
// always reaps the child.
type session struct {
	cmd    *exec.Cmd
	stdout *cappedBuffer
	stderr *cappedBuffer
}

func newSession(ctx context.Context, binary string, args []string, dir string, diagLimit int, killGrace time.Duration) *session {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir

	s := &session{
		cmd:    cmd,
		stdout: &cappedBuffer{limit: diagLimit},
		stderr: &cappedBuffer{limit: diagLimit},
	}
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	// Kill the whole process tree, not just the direct child, on cancellation
	configureProcessGroup(cmd)
	cmd.WaitDelay = killGrace

	return s
}

// run starts the process and blocks until it exits or ctx ends
func (s *session) run() error {
	return s.cmd.Run()
}

// diagnostics returns the captured stderr, falling back to stdout
func (s *session) diagnostics() string {
	if d := s.stderr.String(); d != "" {
		return d
	}
	return s.stdout.String()
}

// cappedBuffer keeps the first limit bytes written and silently drops the rest
// so a chatty engine cannot grow memory without bound
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return string(b.buf) + "...(truncated)"
	}
	return string(b.buf)
}
