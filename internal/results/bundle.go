package results

import (
	"fmt"
	"time"

	"github.com/PicoPiece/ats-ats-node/internal/flash"
	"github.com/PicoPiece/ats-ats-node/internal/hardware"
	"github.com/PicoPiece/ats-ats-node/internal/manifest"
	"github.com/PicoPiece/ats-ats-node/internal/runner"
)

// StageStatus distinguishes "did not execute" from "executed and
// failed" so CI tooling never has to guess.
type StageStatus string

const (
	StatusNotRun        StageStatus = "not-run"
	StatusPassed        StageStatus = "passed"
	StatusFailed        StageStatus = "failed"
	StatusInternalError StageStatus = "internal-error"
)

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageManifest Stage = "manifest"
	StageHardware Stage = "hardware"
	StageFlash    Stage = "flash"
	StageTest     Stage = "test"
)

// Verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// Process exit codes. Stable, documented contract with CI tooling.
const (
	ExitPass          = 0
	ExitTestsFailed   = 1
	ExitManifestError = 2
	ExitHardwareError = 3
	ExitFlashError    = 4
	ExitRunnerMissing = 5
	ExitInternalError = 6
)

// StageReport is the per-stage status block of the summary document.
type StageReport struct {
	Manifest StageStatus `json:"manifest" yaml:"manifest"`
	Hardware StageStatus `json:"hardware" yaml:"hardware"`
	Flash    StageStatus `json:"flash" yaml:"flash"`
	Test     StageStatus `json:"test" yaml:"test"`
}

// Inputs is everything the aggregator consumes. Each stage contributes
// either a value, an error, or neither (stage never ran).
type Inputs struct {
	RunID      string
	NodeID     string
	Version    string
	StartedAt  time.Time
	FinishedAt time.Time

	Manifest    *manifest.Manifest
	ManifestErr error
	Descriptor  *hardware.Descriptor
	HardwareErr error
	FlashJob    *flash.Job
	FlashErr    error
	TestRun     *runner.Run
	RunnerErr   error
}

// Bundle is the aggregated outcome of one run, produced exactly once
// regardless of where the pipeline stopped.
type Bundle struct {
	RunID      string
	NodeID     string
	Version    string
	StartedAt  time.Time
	FinishedAt time.Time

	Verdict       string
	FailedStage   Stage // empty when Verdict is pass
	Stages        StageReport
	FailureReason string
	Cases         []runner.Case
	Telemetry     []runner.TelemetryLine

	Manifest      *manifest.Manifest
	Descriptor    *hardware.Descriptor
	FlashJob      *flash.Job
	TestRun       *runner.Run
	runnerMissing bool
}

// Aggregate renders the stage outcomes into a Bundle. It is a pure
// function of its inputs and never fails: outcomes it cannot make
// sense of become internal-error markers, because this is the last
// line of defense for producing output at all.
func Aggregate(in Inputs) *Bundle {
	b := &Bundle{
		RunID:      in.RunID,
		NodeID:     in.NodeID,
		Version:    in.Version,
		StartedAt:  in.StartedAt,
		FinishedAt: in.FinishedAt,
		Manifest:   in.Manifest,
		Descriptor: in.Descriptor,
		FlashJob:   in.FlashJob,
		TestRun:    in.TestRun,
		Stages: StageReport{
			Manifest: stageStatus(in.Manifest != nil, in.ManifestErr),
			Hardware: stageStatus(in.Descriptor != nil, in.HardwareErr),
			Flash:    flashStatus(in.FlashJob, in.FlashErr),
			Test:     testStatus(in.TestRun, in.RunnerErr),
		},
	}

	if in.TestRun != nil {
		b.Cases = in.TestRun.Cases
		b.Telemetry = in.TestRun.Telemetry
	}
	b.runnerMissing = in.RunnerErr != nil

	for _, s := range []struct {
		stage  Stage
		status StageStatus
		reason string
	}{
		{StageManifest, b.Stages.Manifest, reasonFor(in.ManifestErr, "manifest rejected")},
		{StageHardware, b.Stages.Hardware, reasonFor(in.HardwareErr, "hardware unavailable")},
		{StageFlash, b.Stages.Flash, flashReason(in.FlashJob, in.FlashErr)},
		{StageTest, b.Stages.Test, testReason(in.TestRun, in.RunnerErr)},
	} {
		if s.status == StatusFailed || s.status == StatusInternalError {
			b.FailedStage = s.stage
			b.FailureReason = s.reason
			break
		}
	}

	if b.FailedStage == "" && b.Stages.Test == StatusPassed {
		b.Verdict = VerdictPass
	} else {
		b.Verdict = VerdictFail
		if b.FailureReason == "" {
			// Nothing failed but the pipeline never reached a passing
			// test stage; encode rather than invent an error.
			b.FailureReason = "pipeline ended without a completed test stage"
		}
	}
	return b
}

// ExitCode maps the bundle to the process exit code contract:
// 0 pass, 1 tests failed, 2 manifest, 3 hardware, 4 flash,
// 5 runner unlaunchable, 6 internal error.
func (b *Bundle) ExitCode() int {
	if b.Verdict == VerdictPass {
		return ExitPass
	}
	switch b.FailedStage {
	case StageManifest:
		return ExitManifestError
	case StageHardware:
		return ExitHardwareError
	case StageFlash:
		return ExitFlashError
	case StageTest:
		if b.runnerMissing {
			return ExitRunnerMissing
		}
		return ExitTestsFailed
	}
	return ExitInternalError
}

func stageStatus(haveValue bool, err error) StageStatus {
	switch {
	case err != nil:
		return StatusFailed
	case haveValue:
		return StatusPassed
	default:
		return StatusNotRun
	}
}

func flashStatus(job *flash.Job, err error) StageStatus {
	switch {
	case err != nil:
		return StatusFailed
	case job == nil:
		return StatusNotRun
	case job.Outcome == flash.OutcomeSucceeded:
		return StatusPassed
	default:
		// A job that ended badly must come with its error; a bare
		// failed job is an aggregation inconsistency.
		return StatusInternalError
	}
}

func testStatus(run *runner.Run, err error) StageStatus {
	switch {
	case err != nil:
		return StatusFailed
	case run == nil:
		return StatusNotRun
	case run.Passed():
		return StatusPassed
	default:
		return StatusFailed
	}
}

func reasonFor(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func flashReason(job *flash.Job, err error) string {
	if err != nil {
		return err.Error()
	}
	if job != nil && job.FailureReason != "" {
		return job.FailureReason
	}
	return "flash did not complete"
}

func testReason(run *runner.Run, err error) string {
	if err != nil {
		return err.Error()
	}
	if run == nil {
		return "tests never ran"
	}
	if run.TimedOut {
		return "test runner exceeded its timeout"
	}
	for _, c := range run.Cases {
		if c.Status == runner.StatusFail {
			if c.Failure != "" {
				return fmt.Sprintf("%s: %s", c.Name, c.Failure)
			}
			return c.Name + " failed"
		}
	}
	return fmt.Sprintf("test runner exited with code %d", run.ExitCode)
}
