package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	l := ExecLauncher{Log: zap.NewNop()}

	res, err := l.Run(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got=%d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("unexpected stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("unexpected stderr: %q", res.Stderr)
	}
	if res.TimedOut {
		t.Error("did not expect timeout flag")
	}
}

func TestRunPassesEnvAndDir(t *testing.T) {
	l := ExecLauncher{Log: zap.NewNop()}
	dir := t.TempDir()

	res, err := l.Run(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo $SERIAL_PORT; pwd"},
		Dir:  dir,
		Env:  []string{"PATH=/usr/bin:/bin", "SERIAL_PORT=/dev/ttyUSB0"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output: %q", res.Stdout)
	}
	if lines[0] != "/dev/ttyUSB0" {
		t.Errorf("env not passed, got=%q", lines[0])
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if lines[1] != dir && lines[1] != resolved {
		t.Errorf("dir not honored, got=%q want=%q", lines[1], dir)
	}
}

func TestRunMissingBinary(t *testing.T) {
	l := ExecLauncher{Log: zap.NewNop()}

	_, err := l.Run(context.Background(), Spec{Path: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected launch error for missing binary")
	}
}

func TestRunTimeoutKillsProcessTree(t *testing.T) {
	l := ExecLauncher{Log: zap.NewNop(), GracePeriod: 200 * time.Millisecond}
	pidFile := filepath.Join(t.TempDir(), "pid")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The child forks a grandchild; both record sleep. The group kill
	// must take out the grandchild as well.
	res, err := l.Run(ctx, Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 30 & echo $! > " + pidFile + "; sleep 30"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut flag")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took too long: %v", elapsed)
	}

	// The grandchild must be gone from the process table.
	data, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		t.Fatalf("grandchild pid not recorded: %v", readErr)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		t.Fatalf("bad pid file: %q", data)
	}
	// Give the kernel a moment to reap.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if killErr := syscall.Kill(pid, 0); errors.Is(killErr, syscall.ESRCH) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("grandchild pid %d still alive after group kill", pid)
}

func TestRunCancelledContextIsNotTimedOut(t *testing.T) {
	l := ExecLauncher{Log: zap.NewNop(), GracePeriod: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := l.Run(ctx, Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 30"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.TimedOut {
		t.Error("plain cancellation must not be reported as timeout")
	}
}
