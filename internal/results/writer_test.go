package results

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/runner"
)

func writeBundle(t *testing.T, b *Bundle) string {
	t.Helper()
	dir := t.TempDir()
	if err := NewWriter(dir, zap.NewNop()).Write(b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return dir
}

func readFile(t *testing.T, dir, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return data
}

func TestWriteFullContractForPassingRun(t *testing.T) {
	in := passingInputs()
	in.TestRun.Telemetry = []runner.TelemetryLine{
		{At: time.Date(2026, 2, 3, 4, 5, 10, 0, time.UTC), Text: "boot ok"},
	}
	b := Aggregate(in)
	dir := writeBundle(t, b)

	var summary summaryDoc
	if err := json.Unmarshal(readFile(t, dir, SummaryFile), &summary); err != nil {
		t.Fatalf("summary not parseable: %v", err)
	}
	if summary.Verdict != VerdictPass {
		t.Errorf("expected pass verdict, got=%s", summary.Verdict)
	}
	if len(summary.Tests) != 1 || summary.Tests[0].Name != "boot_test" {
		t.Errorf("unexpected tests: %+v", summary.Tests)
	}
	if summary.Manifest == nil || summary.Manifest.BuildNumber != "142" {
		t.Errorf("unexpected manifest block: %+v", summary.Manifest)
	}

	junit := string(readFile(t, dir, JUnitFile))
	for _, want := range []string{
		`name="ATS Hardware Tests"`,
		`name="boot_test"`,
		`classname="HardwareTest"`,
		`tests="1"`,
		`failures="0"`,
	} {
		if !strings.Contains(junit, want) {
			t.Errorf("junit.xml missing %s:\n%s", want, junit)
		}
	}
	if strings.Contains(junit, "<failure") {
		t.Errorf("passing run must not carry failure elements:\n%s", junit)
	}

	meta := string(readFile(t, dir, MetaFile))
	for _, want := range []string{"run_id: run-1", "node_id: node-a", "exit_code: 0", "status: PASS"} {
		if !strings.Contains(meta, want) {
			t.Errorf("meta.yaml missing %q:\n%s", want, meta)
		}
	}

	devlog := string(readFile(t, dir, DeviceLogFile))
	if !strings.Contains(devlog, "boot ok") || !strings.Contains(devlog, "2026-02-03T04:05:10.000Z") {
		t.Errorf("unexpected device log: %q", devlog)
	}
}

func TestWriteFailedHardwareRunMarksLaterStagesNotRun(t *testing.T) {
	in := passingInputs()
	in.Descriptor = nil
	in.HardwareErr = errDummy("no device matched pattern")
	in.FlashJob = nil
	in.TestRun = nil
	b := Aggregate(in)
	dir := writeBundle(t, b)

	var summary summaryDoc
	if err := json.Unmarshal(readFile(t, dir, SummaryFile), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Stages.Hardware != StatusFailed {
		t.Errorf("expected hardware failed, got=%s", summary.Stages.Hardware)
	}
	if summary.Stages.Flash != StatusNotRun || summary.Stages.Test != StatusNotRun {
		t.Errorf("expected flash/test not-run, got=%+v", summary.Stages)
	}
	if summary.FailureReason != "no device matched pattern" {
		t.Errorf("unexpected failure reason: %q", summary.FailureReason)
	}

	// Device log still exists, empty.
	if devlog := readFile(t, dir, DeviceLogFile); len(devlog) != 0 {
		t.Errorf("expected empty device log, got=%q", devlog)
	}
}

func TestWriteFailingCaseAppearsInJUnit(t *testing.T) {
	in := passingInputs()
	in.TestRun = &runner.Run{ExitCode: 1, Cases: []runner.Case{
		{Name: "gpio_test", Status: runner.StatusFail, DurationSeconds: 0.5, Failure: "pin 4 stuck low"},
		{Name: "later_test", Status: runner.StatusSkip},
	}}
	b := Aggregate(in)
	dir := writeBundle(t, b)

	junit := string(readFile(t, dir, JUnitFile))
	for _, want := range []string{`failures="1"`, `skipped="1"`, "pin 4 stuck low", "<skipped"} {
		if !strings.Contains(junit, want) {
			t.Errorf("junit.xml missing %s:\n%s", want, junit)
		}
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	b := Aggregate(passingInputs())
	dir1 := writeBundle(t, b)
	dir2 := writeBundle(t, b)

	for _, name := range []string{SummaryFile, JUnitFile, MetaFile, DeviceLogFile} {
		a := readFile(t, dir1, name)
		bb := readFile(t, dir2, name)
		if !bytes.Equal(a, bb) {
			t.Errorf("%s differs between identical writes", name)
		}
	}
}

func TestWriteFailsOnUnwritableDirectory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, permission checks are bypassed")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0o755)

	b := Aggregate(passingInputs())
	if err := NewWriter(filepath.Join(dir, "results"), zap.NewNop()).Write(b); err == nil {
		t.Fatal("expected write error on unwritable directory")
	}
}

type errDummy string

func (e errDummy) Error() string { return string(e) }
