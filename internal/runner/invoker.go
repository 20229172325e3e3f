package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/hardware"
	"github.com/PicoPiece/ats-ats-node/internal/proc"
)

// ErrRunnerNotFound means the test-runner entry point is missing or
// not executable. Unlike a failing test suite this is a pipeline
// error: there was nothing to run.
var ErrRunnerNotFound = errors.New("test runner not found")

// ReportFile is where a cooperating test runner drops structured
// per-case results, relative to the results directory.
const ReportFile = "testcases.json"

// Case statuses a runner may report.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

// Case is one test case outcome reported by the runner.
type Case struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Failure         string  `json:"failure,omitempty"`
}

// Run records one invocation of the external test runner. Handed
// read-only to the aggregator.
type Run struct {
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	Telemetry  []TelemetryLine
	TimedOut   bool
	Cases      []Case
}

// Passed reports whether this run counts as a passing verdict: clean
// exit, no timeout, no failed case.
func (r *Run) Passed() bool {
	if r.TimedOut || r.ExitCode != 0 {
		return false
	}
	for _, c := range r.Cases {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

// Params carries everything the invoker needs beyond the device
// descriptor. All paths are absolute by the time they get here.
type Params struct {
	WorkspaceRoot string
	ResultsDir    string
	ManifestPath  string
	RunnerPath    string
	Args          []string
	TestPlan      []string
	Timeout       time.Duration
}

// Invoker launches the external test runner against the flashed
// device, bounds it with a wall-clock timeout, and captures its output
// streams together with device serial telemetry.
type Invoker struct {
	launcher proc.Launcher
	opener   hardware.Opener
	log      *zap.Logger
	now      func() time.Time
}

func NewInvoker(launcher proc.Launcher, opener hardware.Opener, log *zap.Logger) *Invoker {
	return &Invoker{
		launcher: launcher,
		opener:   opener,
		log:      log,
		now:      time.Now,
	}
}

// WithClock substitutes the timestamp source. Test hook.
func (i *Invoker) WithClock(now func() time.Time) *Invoker {
	i.now = now
	return i
}

// Invoke runs the test runner once. A failing or timed-out suite is a
// valid Run, not an error; the error return covers only an
// unlaunchable runner.
func (i *Invoker) Invoke(ctx context.Context, desc *hardware.Descriptor, p Params) (*Run, error) {
	if err := checkEntryPoint(p.RunnerPath); err != nil {
		return nil, err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	capture := startTelemetry(i.opener, desc, i.now, i.log)

	spec := proc.Spec{
		Path: p.RunnerPath,
		Args: append([]string{p.ManifestPath}, p.Args...),
		Dir:  p.WorkspaceRoot,
		Env:  i.buildEnv(desc, p),
	}
	i.log.Info("invoking test runner",
		zap.String("path", p.RunnerPath),
		zap.Duration("timeout", p.Timeout))

	res, err := i.launcher.Run(ctx, spec)
	telemetry := capture.Stop()
	if err != nil {
		return nil, fmt.Errorf("%w: launching %s: %v", ErrRunnerNotFound, p.RunnerPath, err)
	}

	run := &Run{
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Telemetry:  telemetry,
		TimedOut:   res.TimedOut,
	}
	run.Cases = i.collectCases(run, p.ResultsDir)

	i.log.Info("test runner finished",
		zap.Int("exit_code", run.ExitCode),
		zap.Bool("timed_out", run.TimedOut),
		zap.Int("cases", len(run.Cases)),
		zap.Int("telemetry_lines", len(run.Telemetry)))
	return run, nil
}

// collectCases prefers the runner's structured report; otherwise a
// single synthetic case reflects the exit status, which is all a
// non-cooperating runner tells us.
func (i *Invoker) collectCases(run *Run, resultsDir string) []Case {
	path := filepath.Join(resultsDir, ReportFile)
	if data, err := os.ReadFile(path); err == nil {
		var cases []Case
		if err := json.Unmarshal(data, &cases); err != nil {
			i.log.Warn("malformed test case report, falling back to exit status",
				zap.String("path", path),
				zap.Error(err))
		} else if len(cases) > 0 {
			return cases
		}
	}

	c := Case{
		Name:            "test_execution",
		Status:          StatusPass,
		DurationSeconds: run.FinishedAt.Sub(run.StartedAt).Seconds(),
	}
	switch {
	case run.TimedOut:
		c.Status = StatusFail
		c.Failure = "test runner exceeded its timeout"
	case run.ExitCode != 0:
		c.Status = StatusFail
		c.Failure = failureFromStderr(run.Stderr, run.ExitCode)
	}
	return []Case{c}
}

func failureFromStderr(stderr []byte, exitCode int) string {
	msg := strings.TrimSpace(string(stderr))
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if msg == "" {
		return fmt.Sprintf("test runner exited with code %d", exitCode)
	}
	return msg
}

func (i *Invoker) buildEnv(desc *hardware.Descriptor, p Params) []string {
	env := os.Environ()
	port := ""
	baud := 0
	if desc != nil {
		port = desc.Port
		baud = desc.BaudRate
	}
	env = append(env,
		"SERIAL_PORT="+port,
		fmt.Sprintf("BAUD_RATE=%d", baud),
		"WORKSPACE="+p.WorkspaceRoot,
		"RESULTS_DIR="+p.ResultsDir,
		"TEST_REPORT_DIR="+p.ResultsDir,
		"MANIFEST_PATH="+p.ManifestPath,
		"ATS_TEST_PLAN="+strings.Join(p.TestPlan, ","),
	)
	return env
}

func checkEntryPoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrRunnerNotFound, path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrRunnerNotFound, path)
	}
	return nil
}
