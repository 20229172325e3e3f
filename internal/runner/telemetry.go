package runner

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/hardware"
)

// TelemetryLine is one line of device serial output with the host
// timestamp it arrived at, so it can be correlated with the runner's
// own output streams.
type TelemetryLine struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// telemetryCapture drains a serial port line-by-line on its own
// goroutine while the test runner executes.
type telemetryCapture struct {
	port  hardware.Port
	now   func() time.Time
	lines []TelemetryLine
	stop  chan struct{}
	done  chan struct{}
}

// startTelemetry opens the descriptor's serial channel and begins
// capturing. Returns nil when there is nothing to capture: no port in
// the descriptor, or the open failed (logged, never fatal — the test
// run proceeds without telemetry).
func startTelemetry(opener hardware.Opener, desc *hardware.Descriptor, now func() time.Time, log *zap.Logger) *telemetryCapture {
	if desc == nil || desc.Port == "" {
		return nil
	}
	port, err := opener.Open(desc.Port, desc.BaudRate)
	if err != nil {
		log.Warn("serial telemetry unavailable",
			zap.String("port", desc.Port),
			zap.Error(err))
		return nil
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		log.Warn("serial telemetry unavailable", zap.Error(err))
		port.Close()
		return nil
	}

	c := &telemetryCapture{
		port: port,
		now:  now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *telemetryCapture) readLoop() {
	defer close(c.done)
	defer c.port.Close()

	buf := make([]byte, 1024)
	var pending []byte
	for {
		select {
		case <-c.stop:
			if len(pending) > 0 {
				c.lines = append(c.lines, TelemetryLine{At: c.now(), Text: string(pending)})
			}
			return
		default:
		}

		n, err := c.port.Read(buf)
		if err != nil {
			if len(pending) > 0 {
				c.lines = append(c.lines, TelemetryLine{At: c.now(), Text: string(pending)})
			}
			return
		}
		if n == 0 {
			continue // read timeout, poll again
		}

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := bytes.TrimRight(pending[:idx], "\r")
			c.lines = append(c.lines, TelemetryLine{At: c.now(), Text: string(line)})
			pending = pending[idx+1:]
		}
	}
}

// Stop ends capture and returns everything collected. Safe to call on
// a nil capture.
func (c *telemetryCapture) Stop() []TelemetryLine {
	if c == nil {
		return nil
	}
	close(c.stop)
	<-c.done
	return c.lines
}
