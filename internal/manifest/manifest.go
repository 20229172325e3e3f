package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedVersions lists the manifest schema versions this executor accepts.
var SupportedVersions = []int{1}

const (
	DefaultBaudRate        = 115200
	DefaultDiscoverTimeout = 30 * time.Second
	DefaultFlashTimeout    = 2 * time.Minute
	DefaultTestTimeout     = 10 * time.Minute
)

// ErrMissing reports an absent or unreadable manifest file.
var ErrMissing = errors.New("manifest not found")

// ValidationError reports a manifest that parsed but fails schema
// validation. Field names the offending entry in dotted YAML notation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest field %s: %s", e.Field, e.Reason)
}

// Duration wraps time.Duration with YAML support for "30s"-style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Manifest is the declarative description of one test job. It is built
// once by Load, never mutated afterwards, and owned by the orchestrator.
type Manifest struct {
	Version    int        `yaml:"manifest_version"`
	Build      Build      `yaml:"build"`
	Device     Device     `yaml:"device"`
	TestRunner TestRunner `yaml:"test_runner"`
	TestPlan   []string   `yaml:"test_plan,omitempty"`
	Timeouts   Timeouts   `yaml:"timeouts,omitempty"`
	Retries    Retries    `yaml:"retries,omitempty"`
}

type Build struct {
	BuildNumber string   `yaml:"build_number,omitempty"`
	Artifact    Artifact `yaml:"artifact"`
}

type Artifact struct {
	Name string `yaml:"name"`
	// Checksum is the expected BLAKE3 digest of the firmware image,
	// hex encoded. Optional; when present the flasher refuses images
	// that do not match.
	Checksum string `yaml:"checksum,omitempty"`
}

type Device struct {
	Target   string `yaml:"target"`
	Match    Match  `yaml:"match,omitempty"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

// Match is the identification pattern used to resolve the abstract
// target to an attached device. All populated fields must match.
type Match struct {
	VID          string `yaml:"vid,omitempty"`
	PID          string `yaml:"pid,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty"`
	PortGlob     string `yaml:"port_glob,omitempty"`
}

type TestRunner struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

type Timeouts struct {
	Discover Duration `yaml:"discover,omitempty"`
	Flash    Duration `yaml:"flash,omitempty"`
	Test     Duration `yaml:"test,omitempty"`
}

type RetrySpec struct {
	Attempts int      `yaml:"attempts,omitempty"`
	Backoff  Duration `yaml:"backoff,omitempty"`
}

type Retries struct {
	Discover RetrySpec `yaml:"discover,omitempty"`
	Flash    RetrySpec `yaml:"flash,omitempty"`
}

// Load reads and validates the manifest at path. Relative artifact and
// runner paths are interpreted against workspaceRoot; the firmware
// artifact must already exist and be non-empty. Manifest problems are
// operator errors: no retries, surfaced immediately.
func Load(path, workspaceRoot string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissing, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &ValidationError{Field: "(document)", Reason: err.Error()}
	}

	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, err
	}

	fw := m.FirmwarePath(workspaceRoot)
	info, err := os.Stat(fw)
	if err != nil {
		return nil, &ValidationError{Field: "build.artifact.name", Reason: fmt.Sprintf("firmware %s not found", fw)}
	}
	if info.Size() == 0 {
		return nil, &ValidationError{Field: "build.artifact.name", Reason: fmt.Sprintf("firmware %s is empty", fw)}
	}

	return &m, nil
}

// Marshal serializes the manifest back to YAML. Load followed by
// Marshal followed by Load yields an identical Manifest.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// FirmwarePath resolves the artifact location against the workspace root.
func (m *Manifest) FirmwarePath(workspaceRoot string) string {
	return resolve(m.Build.Artifact.Name, workspaceRoot)
}

// RunnerPath resolves the test-runner entry point against the workspace root.
func (m *Manifest) RunnerPath(workspaceRoot string) string {
	return resolve(m.TestRunner.Path, workspaceRoot)
}

func resolve(p, root string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func (m *Manifest) applyDefaults() {
	if m.Device.BaudRate == 0 {
		m.Device.BaudRate = DefaultBaudRate
	}
	if m.Timeouts.Discover == 0 {
		m.Timeouts.Discover = Duration(DefaultDiscoverTimeout)
	}
	if m.Timeouts.Flash == 0 {
		m.Timeouts.Flash = Duration(DefaultFlashTimeout)
	}
	if m.Timeouts.Test == 0 {
		m.Timeouts.Test = Duration(DefaultTestTimeout)
	}
	if m.Retries.Discover.Attempts == 0 {
		m.Retries.Discover.Attempts = 5
	}
	if m.Retries.Discover.Backoff == 0 {
		m.Retries.Discover.Backoff = Duration(2 * time.Second)
	}
	if m.Retries.Flash.Attempts == 0 {
		m.Retries.Flash.Attempts = 3
	}
	if m.Retries.Flash.Backoff == 0 {
		m.Retries.Flash.Backoff = Duration(time.Second)
	}
}

func (m *Manifest) validate() error {
	supported := false
	for _, v := range SupportedVersions {
		if m.Version == v {
			supported = true
			break
		}
	}
	if !supported {
		return &ValidationError{Field: "manifest_version", Reason: fmt.Sprintf("unsupported version %d", m.Version)}
	}
	if m.Build.Artifact.Name == "" {
		return &ValidationError{Field: "build.artifact.name", Reason: "required"}
	}
	if m.Device.Target == "" {
		return &ValidationError{Field: "device.target", Reason: "required"}
	}
	if m.Device.BaudRate < 0 {
		return &ValidationError{Field: "device.baud_rate", Reason: "must be positive"}
	}
	if m.TestRunner.Path == "" {
		return &ValidationError{Field: "test_runner.path", Reason: "required"}
	}
	if m.Retries.Discover.Attempts < 1 {
		return &ValidationError{Field: "retries.discover.attempts", Reason: "must be at least 1"}
	}
	if m.Retries.Flash.Attempts < 1 {
		return &ValidationError{Field: "retries.flash.attempts", Reason: "must be at least 1"}
	}
	for _, d := range []struct {
		field string
		val   Duration
	}{
		{"timeouts.discover", m.Timeouts.Discover},
		{"timeouts.flash", m.Timeouts.Flash},
		{"timeouts.test", m.Timeouts.Test},
	} {
		if d.val < 0 {
			return &ValidationError{Field: d.field, Reason: "must not be negative"}
		}
	}
	return nil
}
