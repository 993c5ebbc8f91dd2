// Package runner spawns external tool processes and supervises them.
//
// Each Run call spawns one command, enforces its timeout by terminating the
// whole process tree (SIGTERM, grace period, SIGKILL), and classifies the exit:
//   - exit 0 or a configured soft-fail code → Success
//   - any other exit code → Failure carrying that code
//   - no usable exit code (signal, spawn error) → Failure with CodeUnknownError
//   - timer fired before the exit was observed → Timeout, whatever the exit code
//
// stdout/stderr are logged line by line at DEBUG and never parsed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

const (
	// DefaultTimeout applies when an invocation carries no timeout.
	DefaultTimeout = 180 * time.Minute

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Kind classifies how a process ended.
type Kind string

const (
	Success Kind = "success"
	Failure Kind = "failure"
	Timeout Kind = "timeout"
)

// Invocation is one fully built command.
type Invocation struct {
	Path         string
	Args         []string
	SuccessCodes []int
	Timeout      time.Duration
	// Env is added on top of the worker's own environment for this process only.
	Env map[string]string
	Dir string
}

// String renders the command line for logs.
func (inv Invocation) String() string {
	return strings.TrimSpace(inv.Path + " " + strings.Join(inv.Args, " "))
}

// Outcome is the single result of a Run call.
type Outcome struct {
	Kind     Kind
	Code     job.Code
	PID      int
	Duration time.Duration
	// Stderr holds the tail of the process's stderr, for diagnostics only.
	Stderr string
}

// OK reports whether downstream steps may proceed.
func (o Outcome) OK() bool { return o.Kind == Success }

// Monitor is the subset of the resource monitor the runner drives.
type Monitor interface {
	Start(ctx context.Context, pid int, info monitor.Info)
	Stop(ctx context.Context, pid int, returnCode int) (monitor.Record, bool)
}

// Runner spawns and supervises tool processes.
type Runner struct {
	monitor Monitor
	grace   time.Duration
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMonitor attaches a resource monitor; it is used for Run calls that pass Info.
func WithMonitor(m Monitor) Option {
	return func(r *Runner) { r.monitor = m }
}

// WithGracePeriod overrides the SIGTERM→SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		grace:  terminationGracePeriod,
		logger: log.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv and blocks until the process tree is gone. When info is
// non-nil and a monitor is attached, the process is tracked while it runs.
func (r *Runner) Run(ctx context.Context, inv Invocation, info *monitor.Info) Outcome {
	logger := r.logger.With("exe", inv.Path)
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	setProcessGroup(cmd)

	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bound Wait if a stray grandchild keeps the output pipes open.
	cmd.WaitDelay = r.grace

	logger.Info("executing command", "command", inv.String(), "timeout", timeout)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start process", "error", err)
		return Outcome{Kind: Failure, Code: job.CodeUnknownError, Stderr: err.Error()}
	}
	pid := cmd.Process.Pid

	monitored := r.monitor != nil && info != nil
	if monitored {
		r.monitor.Start(ctx, pid, *info)
	}

	var timedOut atomic.Bool
	fired := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		close(fired)
	})
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-fired:
		logger.Info("max processing time reached, terminating the process", "pid", pid)
		waitErr = r.terminate(cmd, done, logger)
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn("process exited but its output was still held open by a child", "pid", pid)
	}

	stdout.Flush()
	stderr.Flush()

	code := exitCode(cmd.ProcessState, waitErr)
	if monitored {
		r.monitor.Stop(ctx, pid, code)
	}

	out := Outcome{PID: pid, Duration: time.Since(started), Stderr: stderr.Tail()}
	switch {
	case timedOut.Load():
		out.Kind, out.Code = Timeout, job.CodeTimeout
	case code == 0 || slices.Contains(inv.SuccessCodes, code):
		out.Kind, out.Code = Success, job.Code(code)
	case code < 0:
		logger.Info("exiting with unknown error", "error", waitErr)
		out.Kind, out.Code = Failure, job.CodeUnknownError
	default:
		out.Kind, out.Code = Failure, job.Code(code)
	}

	logger.Info("command executed", "pid", pid, "outcome", out.Kind, "code", int(out.Code), "duration", out.Duration)
	return out
}

// terminate asks the whole process group to stop, escalates to a kill after
// the grace period and returns the Wait error.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error, logger *slog.Logger) error {
	if err := signalTree(cmd, false); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		logger.Info("process exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := signalTree(cmd, true); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-done
	}
}

// exitCode returns the process exit code, or -1 when none is available.
// Once the process has exited its state is authoritative, including when Wait
// gave up on output pipes held open by a background child (exec.ErrWaitDelay).
func exitCode(state *os.ProcessState, err error) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// mergeEnv overlays extra on base; later keys win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return out
}
