package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PicoPiece/ats-ats-node/internal/runner"
)

// Output contract file names.
const (
	SummaryFile   = "ats-summary.json"
	JUnitFile     = "junit.xml"
	MetaFile      = "meta.yaml"
	DeviceLogFile = "device.log"
)

// summaryDoc is the machine-readable summary (ats-summary.json).
type summaryDoc struct {
	Verdict       string           `json:"verdict"`
	Stages        StageReport      `json:"stages"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Tests         []runner.Case    `json:"tests"`
	Manifest      *summaryManifest `json:"manifest,omitempty"`
}

type summaryManifest struct {
	Version      int    `json:"version"`
	BuildNumber  string `json:"build_number,omitempty"`
	DeviceTarget string `json:"device_target"`
}

// metaDoc is the execution metadata document (meta.yaml).
type metaDoc struct {
	Execution metaExecution `yaml:"execution"`
	Manifest  *metaManifest `yaml:"manifest,omitempty"`
	Stages    StageReport   `yaml:"stages"`
	Hardware  *metaHardware `yaml:"hardware,omitempty"`
	Flash     *metaFlash    `yaml:"flash,omitempty"`
}

type metaExecution struct {
	RunID           string    `yaml:"run_id"`
	NodeID          string    `yaml:"node_id"`
	ExecutorVersion string    `yaml:"executor_version"`
	StartedAt       time.Time `yaml:"started_at"`
	FinishedAt      time.Time `yaml:"finished_at"`
	ExitCode        int       `yaml:"exit_code"`
	Status          string    `yaml:"status"`
}

type metaManifest struct {
	Version      int    `yaml:"version"`
	BuildNumber  string `yaml:"build_number,omitempty"`
	DeviceTarget string `yaml:"device_target"`
}

type metaHardware struct {
	Port          string `yaml:"port"`
	VID           string `yaml:"vid,omitempty"`
	PID           string `yaml:"pid,omitempty"`
	SerialNumber  string `yaml:"serial_number,omitempty"`
	GPIOAvailable bool   `yaml:"gpio_available"`
}

type metaFlash struct {
	Attempts     int    `yaml:"attempts"`
	BytesWritten int64  `yaml:"bytes_written"`
	Checksum     string `yaml:"checksum,omitempty"`
	Outcome      string `yaml:"outcome"`
}

// Writer persists the output contract into the results directory. It
// runs for every pipeline outcome; its own IO failure is the one error
// CI tooling cannot distinguish from a crash, so Write logs it loudly
// before returning it.
type Writer struct {
	dir string
	log *zap.Logger
}

func NewWriter(dir string, log *zap.Logger) *Writer {
	return &Writer{dir: dir, log: log}
}

// Write emits summary, JUnit report, metadata and device log. Output
// is byte-identical for identical bundles.
func (w *Writer) Write(b *Bundle) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Error("cannot create results directory", zap.String("dir", w.dir), zap.Error(err))
		return fmt.Errorf("create results dir: %w", err)
	}

	files := []struct {
		name   string
		render func() ([]byte, error)
	}{
		{SummaryFile, func() ([]byte, error) { return renderSummary(b) }},
		{JUnitFile, func() ([]byte, error) { return junitReport(b.Cases) }},
		{MetaFile, func() ([]byte, error) { return renderMeta(b) }},
		{DeviceLogFile, func() ([]byte, error) { return renderDeviceLog(b.Telemetry), nil }},
	}

	for _, f := range files {
		data, err := f.render()
		if err != nil {
			w.log.Error("cannot render result document", zap.String("file", f.name), zap.Error(err))
			return fmt.Errorf("render %s: %w", f.name, err)
		}
		path := filepath.Join(w.dir, f.name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			w.log.Error("RESULT WRITE FAILED, CI cannot observe this run",
				zap.String("path", path),
				zap.Error(err))
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	w.log.Info("result bundle written",
		zap.String("dir", w.dir),
		zap.String("verdict", b.Verdict))
	return nil
}

func renderSummary(b *Bundle) ([]byte, error) {
	doc := summaryDoc{
		Verdict:       b.Verdict,
		Stages:        b.Stages,
		FailureReason: b.FailureReason,
		Tests:         b.Cases,
	}
	if doc.Tests == nil {
		doc.Tests = []runner.Case{}
	}
	if b.Manifest != nil {
		doc.Manifest = &summaryManifest{
			Version:      b.Manifest.Version,
			BuildNumber:  b.Manifest.Build.BuildNumber,
			DeviceTarget: b.Manifest.Device.Target,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func renderMeta(b *Bundle) ([]byte, error) {
	doc := metaDoc{
		Execution: metaExecution{
			RunID:           b.RunID,
			NodeID:          b.NodeID,
			ExecutorVersion: b.Version,
			StartedAt:       b.StartedAt,
			FinishedAt:      b.FinishedAt,
			ExitCode:        b.ExitCode(),
			Status:          strings.ToUpper(b.Verdict),
		},
		Stages: b.Stages,
	}
	if b.Manifest != nil {
		doc.Manifest = &metaManifest{
			Version:      b.Manifest.Version,
			BuildNumber:  b.Manifest.Build.BuildNumber,
			DeviceTarget: b.Manifest.Device.Target,
		}
	}
	if b.Descriptor != nil {
		doc.Hardware = &metaHardware{
			Port:          b.Descriptor.Port,
			VID:           b.Descriptor.VID,
			PID:           b.Descriptor.PID,
			SerialNumber:  b.Descriptor.SerialNumber,
			GPIOAvailable: b.Descriptor.GPIOAvailable,
		}
	}
	if b.FlashJob != nil {
		doc.Flash = &metaFlash{
			Attempts:     b.FlashJob.Attempts,
			BytesWritten: b.FlashJob.BytesWritten,
			Checksum:     b.FlashJob.Checksum,
			Outcome:      string(b.FlashJob.Outcome),
		}
	}
	return yaml.Marshal(doc)
}

func renderDeviceLog(lines []runner.TelemetryLine) []byte {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.At.UTC().Format("2006-01-02T15:04:05.000Z"))
		sb.WriteByte(' ')
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}
