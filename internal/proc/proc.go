package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is how long a process group gets between SIGTERM
// and SIGKILL when its context expires.
const DefaultGracePeriod = 5 * time.Second

// Spec describes one child process invocation. Env is the complete
// environment; nothing is inherited implicitly.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Result is the captured outcome of a finished child process.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
	// TimedOut marks a process that was killed because its context
	// deadline expired, as opposed to exiting on its own.
	TimedOut bool
}

// Launcher runs one child process to completion. The test suites
// substitute a fake so invoker behavior is checkable without spawning
// anything.
type Launcher interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecLauncher is the real Launcher. Children run in their own process
// group so that a timeout kill reaches the entire tree, never leaving
// orphaned grandchildren behind.
type ExecLauncher struct {
	Log *zap.Logger
	// GracePeriod between SIGTERM and SIGKILL; DefaultGracePeriod if zero.
	GracePeriod time.Duration
}

// Run starts the process and blocks until it exits or ctx expires. A
// non-zero exit is not an error: the error return covers only failure
// to launch.
func (l ExecLauncher) Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{ExitCode: -1}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		res.FinishedAt = res.StartedAt
		return res, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		res.TimedOut = errors.Is(context.Cause(ctx), context.DeadlineExceeded) ||
			errors.Is(ctx.Err(), context.DeadlineExceeded)
		waitErr = l.killTree(cmd.Process.Pid, done)
	}

	res.FinishedAt = time.Now()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	switch {
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, nil
}

// killTree signals the whole process group: SIGTERM first, SIGKILL
// after the grace period. Returns the eventual Wait error.
func (l ExecLauncher) killTree(pid int, done <-chan error) error {
	grace := l.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if l.Log != nil {
			l.Log.Warn("SIGTERM to process group failed", zap.Int("pgid", pid), zap.Error(err))
		}
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		if l.Log != nil {
			l.Log.Warn("process group ignored SIGTERM, escalating", zap.Int("pgid", pid))
		}
		syscall.Kill(-pid, syscall.SIGKILL)
		return <-done
	}
}
