// Package runner executes the external MongoDB tools and reports how they exited.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
)

const (
	// DefaultTailLines is how many output lines are kept for diagnostics
	DefaultTailLines = 20
	// DefaultGracePeriod is how long a cancelled child gets to exit after SIGINT
	DefaultGracePeriod = 5 * time.Second

	maxLineLength = 64 * 1024
)

// Command describes one external process invocation
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Label string
}

// ExitOutcome is the result of a process that ran to completion or was stopped
type ExitOutcome struct {
	ExitCode int
	Tail     []string
	Duration time.Duration
}

// Success reports whether the process exited zero
func (o *ExitOutcome) Success() bool {
	return o != nil && o.ExitCode == 0
}

// ProgressSink receives live tool output
type ProgressSink interface {
	Start(label string)
	Line(line string)
	Stop(success bool)
}

// Runner runs external commands. A nonzero exit is reported in ExitOutcome, not as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*ExitOutcome, error)
}

// Options configures an ExecRunner
type Options struct {
	TailLines   int
	GracePeriod time.Duration
	Progress    ProgressSink
	Logger      *logging.Logger
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	tailLines int
	grace     time.Duration
	progress  ProgressSink
	logger    *logging.Logger
}

// New creates an ExecRunner
func New(opts Options) *ExecRunner {
	r := &ExecRunner{
		tailLines: opts.TailLines,
		grace:     opts.GracePeriod,
		progress:  opts.Progress,
		logger:    opts.Logger,
	}
	if r.tailLines <= 0 {
		r.tailLines = DefaultTailLines
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.logger == nil {
		r.logger = logging.NewNopLogger()
	}
	return r
}

// WithProgress returns a copy of the runner that reports to sink
func (r *ExecRunner) WithProgress(sink ProgressSink) *ExecRunner {
	cp := *r
	cp.progress = sink
	return &cp
}

// Run starts the command and waits for it. On cancellation the child receives SIGINT,
// then SIGKILL after the grace period, and the returned error wraps ErrCancelled.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*ExitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s not started: %w", c.Label, apperrors.ErrCancelled)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = r.grace

	tail := NewTail(r.tailLines)
	stdout := r.newLineWriter(tail, c.Label)
	stderr := r.newLineWriter(tail, c.Label)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.LogToolInvocation(c.Label, c.Path, c.Args)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	if r.progress != nil {
		r.progress.Start(c.Label)
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	outcome := &ExitOutcome{
		ExitCode: exitCode(cmd, waitErr),
		Tail:     tail.Lines(),
		Duration: time.Since(start),
	}

	if r.progress != nil {
		r.progress.Stop(waitErr == nil)
	}

	if ctx.Err() != nil {
		r.logger.LogToolExit(c.Label, c.Path, outcome.ExitCode, outcome.Duration, ctx.Err())
		return outcome, fmt.Errorf("%s interrupted: %w", c.Label, apperrors.ErrCancelled)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		r.logger.LogToolExit(c.Label, c.Path, outcome.ExitCode, outcome.Duration, waitErr)
		return outcome, fmt.Errorf("failed waiting for %s: %w", c.Path, waitErr)
	}

	r.logger.LogToolExit(c.Label, c.Path, outcome.ExitCode, outcome.Duration, nil)
	return outcome, nil
}

// lineWriter splits a byte stream into lines and feeds them to the tail, the log and the
// progress sink. exec copies each stream on its own goroutine, so one writer per stream.
type lineWriter struct {
	r     *ExecRunner
	tail  *Tail
	label string
	buf   bytes.Buffer
}

func (r *ExecRunner) newLineWriter(tail *Tail, label string) *lineWriter {
	return &lineWriter{r: r, tail: tail, label: label}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexAny(w.buf.Bytes(), "\r\n")
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1)[:i])
		w.emit(line)
	}
	if w.buf.Len() > maxLineLength {
		w.emit(string(w.buf.Next(w.buf.Len())))
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(string(w.buf.Next(w.buf.Len())))
	}
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	line = logging.SanitizeURI(line)
	w.tail.Add(line)
	w.r.logger.LogToolOutput(w.label, line)
	if w.r.progress != nil {
		w.r.progress.Line(line)
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		// killed by a signal
		return -1
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
