package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/config"
	"github.com/PicoPiece/ats-ats-node/internal/flash"
	"github.com/PicoPiece/ats-ats-node/internal/hardware"
	"github.com/PicoPiece/ats-ats-node/internal/manifest"
	"github.com/PicoPiece/ats-ats-node/internal/results"
	"github.com/PicoPiece/ats-ats-node/internal/retry"
	"github.com/PicoPiece/ats-ats-node/internal/runner"
	"github.com/PicoPiece/ats-ats-node/internal/store"
	"github.com/PicoPiece/ats-ats-node/internal/ui"
)

// Component contracts, narrowed to what the pipeline calls so the
// test suite can substitute fakes.

type Discoverer interface {
	Discover(ctx context.Context, match manifest.Match, baudRate int, policy retry.Policy) (*hardware.Descriptor, error)
	Confirm(ctx context.Context, port string) error
}

type Flasher interface {
	Flash(ctx context.Context, desc *hardware.Descriptor, imagePath, expectedChecksum string, policy retry.Policy) (*flash.Job, error)
}

type Invoker interface {
	Invoke(ctx context.Context, desc *hardware.Descriptor, p runner.Params) (*runner.Run, error)
}

type ResultWriter interface {
	Write(b *results.Bundle) error
}

// Executor drives the fixed pipeline: manifest → hardware → flash →
// test → results. The first failing stage short-circuits the rest,
// but the aggregator and writer always run, so a result bundle exists
// for every invocation.
type Executor struct {
	cfg        config.Config
	log        *zap.Logger
	discoverer Discoverer
	flasher    Flasher
	invoker    Invoker
	writer     ResultWriter
	history    *store.Store
	reporter   *ui.Reporter
	version    string

	now      func() time.Time
	newRunID func() string
}

func New(cfg config.Config, log *zap.Logger, d Discoverer, f Flasher, i Invoker, w ResultWriter, history *store.Store, reporter *ui.Reporter, version string) *Executor {
	return &Executor{
		cfg:        cfg,
		log:        log,
		discoverer: d,
		flasher:    f,
		invoker:    i,
		writer:     w,
		history:    history,
		reporter:   reporter,
		version:    version,
		now:        time.Now,
		newRunID:   func() string { return uuid.NewString() },
	}
}

// WithClock substitutes the time source. Test hook.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithRunID substitutes run ID generation. Test hook.
func (e *Executor) WithRunID(gen func() string) *Executor {
	e.newRunID = gen
	return e
}

// Run executes one job end to end and returns the process exit code.
// It never panics a low-level error past the aggregator: every outcome
// lands in the bundle, and the only path that bypasses it is failure
// to write the bundle itself.
func (e *Executor) Run(ctx context.Context) int {
	in := results.Inputs{
		RunID:     e.newRunID(),
		NodeID:    e.cfg.NodeID,
		Version:   e.version,
		StartedAt: e.now(),
	}
	e.log.Info("run starting",
		zap.String("run_id", in.RunID),
		zap.String("manifest", e.cfg.ManifestPath),
		zap.String("results_dir", e.cfg.ResultsDir))

	e.pipeline(ctx, &in)
	in.FinishedAt = e.now()

	bundle := results.Aggregate(in)
	e.report(bundle)

	if err := e.writer.Write(bundle); err != nil {
		// The one failure CI cannot tell apart from a crash.
		e.log.Error("result bundle could not be written", zap.Error(err))
		return results.ExitInternalError
	}

	if err := e.history.AddRun(e.historyRecord(bundle)); err != nil {
		e.log.Warn("run history not recorded", zap.Error(err))
	}

	return bundle.ExitCode()
}

// pipeline advances stage by stage, stopping at the first failure.
// Outcomes accumulate in in regardless.
func (e *Executor) pipeline(ctx context.Context, in *results.Inputs) {
	m, err := manifest.Load(e.cfg.ManifestPath, e.cfg.WorkspaceRoot)
	in.Manifest, in.ManifestErr = m, err
	if err != nil {
		e.log.Error("manifest rejected", zap.Error(err))
		return
	}
	e.reporter.Start(in.RunID, m.Device.Target)

	desc, err := e.discover(ctx, m)
	in.Descriptor, in.HardwareErr = desc, err
	if err != nil {
		e.log.Error("hardware resolution failed", zap.Error(err))
		return
	}

	job, err := e.flash(ctx, m, desc)
	in.FlashJob, in.FlashErr = job, err
	if err != nil {
		e.log.Error("flash failed", zap.Error(err))
		return
	}

	// Handoff check: the device must still be attached after flashing.
	// Losing it here is a distinct fatal condition, not a trigger for
	// renewed discovery.
	if err := e.discoverer.Confirm(ctx, desc.Port); err != nil {
		in.HardwareErr = err
		e.log.Error("device lost after flash", zap.Error(err))
		return
	}

	run, err := e.invoker.Invoke(ctx, desc, runner.Params{
		WorkspaceRoot: e.cfg.WorkspaceRoot,
		ResultsDir:    e.cfg.ResultsDir,
		ManifestPath:  e.cfg.ManifestPath,
		RunnerPath:    m.RunnerPath(e.cfg.WorkspaceRoot),
		Args:          m.TestRunner.Args,
		TestPlan:      m.TestPlan,
		Timeout:       m.Timeouts.Test.Std(),
	})
	in.TestRun, in.RunnerErr = run, err
	if err != nil {
		e.log.Error("test runner could not be launched", zap.Error(err))
	}
}

func (e *Executor) discover(ctx context.Context, m *manifest.Manifest) (*hardware.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeouts.Discover.Std())
	defer cancel()
	return e.discoverer.Discover(ctx, m.Device.Match, m.Device.BaudRate, retry.Policy{
		MaxAttempts: m.Retries.Discover.Attempts,
		Interval:    m.Retries.Discover.Backoff.Std(),
	})
}

func (e *Executor) flash(ctx context.Context, m *manifest.Manifest, desc *hardware.Descriptor) (*flash.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeouts.Flash.Std())
	defer cancel()
	return e.flasher.Flash(ctx, desc, m.FirmwarePath(e.cfg.WorkspaceRoot), m.Build.Artifact.Checksum, retry.Policy{
		MaxAttempts: m.Retries.Flash.Attempts,
		Interval:    m.Retries.Flash.Backoff.Std(),
	})
}

func (e *Executor) report(b *results.Bundle) {
	for _, s := range []struct {
		name   string
		status results.StageStatus
		detail string
	}{
		{"manifest", b.Stages.Manifest, manifestDetail(b)},
		{"hardware", b.Stages.Hardware, hardwareDetail(b)},
		{"flash", b.Stages.Flash, flashDetail(b)},
		{"test", b.Stages.Test, testDetail(b)},
	} {
		switch s.status {
		case results.StatusNotRun:
			e.reporter.Skipped(s.name)
		case results.StatusPassed:
			e.reporter.Stage(s.name, true, s.detail)
		default:
			e.reporter.Stage(s.name, false, s.detail)
		}
	}
	e.reporter.Verdict(b.Verdict, b.FailureReason, b.ExitCode())
}

func (e *Executor) historyRecord(b *results.Bundle) store.RunRecord {
	rec := store.RunRecord{
		RunID:       b.RunID,
		Timestamp:   b.StartedAt,
		Verdict:     b.Verdict,
		FailedStage: string(b.FailedStage),
		Duration:    b.FinishedAt.Sub(b.StartedAt).String(),
		TestCases:   len(b.Cases),
	}
	if b.Manifest != nil {
		rec.DeviceTarget = b.Manifest.Device.Target
		rec.BuildNumber = b.Manifest.Build.BuildNumber
	}
	if b.Descriptor != nil {
		rec.Port = b.Descriptor.Port
	}
	if b.FlashJob != nil {
		rec.FlashAttempts = b.FlashJob.Attempts
	}
	return rec
}

func manifestDetail(b *results.Bundle) string {
	if b.Manifest == nil {
		return ""
	}
	return fmt.Sprintf("v%d build %s", b.Manifest.Version, b.Manifest.Build.BuildNumber)
}

func hardwareDetail(b *results.Bundle) string {
	if b.Descriptor == nil {
		return ""
	}
	return b.Descriptor.Port
}

func flashDetail(b *results.Bundle) string {
	if b.FlashJob == nil {
		return ""
	}
	return fmt.Sprintf("%d bytes in %d attempt(s)", b.FlashJob.BytesWritten, b.FlashJob.Attempts)
}

func testDetail(b *results.Bundle) string {
	if b.TestRun == nil {
		return ""
	}
	return fmt.Sprintf("%d case(s)", len(b.Cases))
}
