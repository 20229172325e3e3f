package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/manifest"
	"github.com/PicoPiece/ats-ats-node/internal/retry"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestDiscoverer(enum Enumerator) *Discoverer {
	return NewDiscoverer(enum, zap.NewNop()).
		WithSleep(noSleep).
		WithGPIOProbe(func() bool { return true })
}

func TestDiscoverMatchesByVIDPID(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60", SerialNumber: "A1"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "B2"},
	}}}

	desc, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{VID: "10c4", PID: "ea60"}, 115200, retry.Policy{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if desc.Port != "/dev/ttyUSB0" {
		t.Errorf("expected /dev/ttyUSB0, got=%s", desc.Port)
	}
	if desc.BaudRate != 115200 {
		t.Errorf("expected baud 115200, got=%d", desc.BaudRate)
	}
	if !desc.GPIOAvailable {
		t.Error("expected GPIO available from probe")
	}
}

func TestDiscoverTieBreakIsLexicographic(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{{
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "10C4", PID: "EA60"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"},
		{Name: "/dev/ttyUSB2", IsUSB: true, VID: "10C4", PID: "EA60"},
	}}}

	desc, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{VID: "10C4"}, 115200, retry.Policy{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if desc.Port != "/dev/ttyUSB0" {
		t.Errorf("expected lexicographically first port, got=%s", desc.Port)
	}
}

func TestDiscoverRetriesUntilDeviceAppears(t *testing.T) {
	// Device enumerates only on the third poll.
	enum := &SimEnumerator{Sequence: [][]PortInfo{
		nil,
		nil,
		{{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"}},
	}}

	desc, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{VID: "10C4"}, 115200, retry.Policy{MaxAttempts: 5, Interval: time.Second})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if desc.Port != "/dev/ttyUSB0" {
		t.Errorf("unexpected port: %s", desc.Port)
	}
	if enum.Calls != 3 {
		t.Errorf("expected 3 enumeration calls, got=%d", enum.Calls)
	}
}

func TestDiscoverNotFoundAfterExhaustion(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{nil}}

	_, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{VID: "10C4"}, 115200, retry.Policy{MaxAttempts: 3})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got=%v", err)
	}
	if enum.Calls != 3 {
		t.Errorf("expected 3 enumeration calls, got=%d", enum.Calls)
	}
}

func TestDiscoverAmbiguousSerialNumber(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{{
		{Name: "/dev/ttyUSB0", IsUSB: true, SerialNumber: "DUP"},
		{Name: "/dev/ttyUSB1", IsUSB: true, SerialNumber: "DUP"},
	}}}

	_, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{SerialNumber: "DUP"}, 115200, retry.Policy{MaxAttempts: 5})
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got=%v", err)
	}
	// Ambiguity is not retried.
	if enum.Calls != 1 {
		t.Errorf("expected 1 enumeration call, got=%d", enum.Calls)
	}
}

func TestDiscoverPortGlob(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true},
	}}}

	desc, err := newTestDiscoverer(enum).Discover(context.Background(),
		manifest.Match{PortGlob: "/dev/ttyUSB*"}, 9600, retry.Policy{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if desc.Port != "/dev/ttyUSB0" {
		t.Errorf("expected glob match, got=%s", desc.Port)
	}
}

func TestConfirmPresentAndLost(t *testing.T) {
	enum := &SimEnumerator{Sequence: [][]PortInfo{
		{{Name: "/dev/ttyUSB0"}},
		nil,
	}}
	d := newTestDiscoverer(enum)

	if err := d.Confirm(context.Background(), "/dev/ttyUSB0"); err != nil {
		t.Fatalf("Confirm failed while present: %v", err)
	}
	err := d.Confirm(context.Background(), "/dev/ttyUSB0")
	if !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got=%v", err)
	}
}
