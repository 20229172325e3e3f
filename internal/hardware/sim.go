package hardware

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// Simulated backend. The discoverer, flasher, and invoker test suites
// run against these types since physical hardware cannot take part in
// an automated test run.

// SimEnumerator replays scripted enumeration results. Each List call
// consumes the next entry of Sequence; the final entry repeats, which
// models a device that shows up after a few polls and then stays.
type SimEnumerator struct {
	mu       sync.Mutex
	Sequence [][]PortInfo
	Err      error
	Calls    int
}

func (e *SimEnumerator) List() ([]PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	if len(e.Sequence) == 0 {
		return nil, nil
	}
	idx := e.Calls - 1
	if idx >= len(e.Sequence) {
		idx = len(e.Sequence) - 1
	}
	return e.Sequence[idx], nil
}

// SimPort is an in-memory device channel. OnWrite lets a test script
// the device side of a conversation: whatever it returns is queued for
// subsequent reads.
type SimPort struct {
	mu      sync.Mutex
	readBuf bytes.Buffer
	written bytes.Buffer

	// OnWrite, when set, receives every write and returns the bytes
	// the simulated device answers with.
	OnWrite func(p []byte) []byte

	ReadErr  error
	WriteErr error

	closed      bool
	readTimeout time.Duration
}

func (p *SimPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReadErr != nil {
		return 0, p.ReadErr
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.readBuf.Len() == 0 {
		// Behave like a serial read timeout: zero bytes, no error.
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		if p.readBuf.Len() == 0 {
			return 0, nil
		}
	}
	return p.readBuf.Read(buf)
}

func (p *SimPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.written.Write(buf)
	if p.OnWrite != nil {
		if resp := p.OnWrite(buf); len(resp) > 0 {
			p.readBuf.Write(resp)
		}
	}
	return len(buf), nil
}

func (p *SimPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *SimPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

// Closed reports whether Close was called.
func (p *SimPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Written returns everything the host wrote to the device so far.
func (p *SimPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// QueueRead appends bytes the next Read will return, as if the device
// emitted them unprompted (telemetry, boot banners).
func (p *SimPort) QueueRead(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
}

// SimOpener hands out SimPorts by path. BusyOpens > 0 makes that many
// leading Open calls fail with a port-busy error, which exercises
// transient retry paths.
type SimOpener struct {
	mu        sync.Mutex
	Ports     map[string]*SimPort
	BusyOpens int
	OpenCalls int
}

// ErrPortBusy mimics the contention error a serial open returns while
// another process holds the device.
var ErrPortBusy = fmt.Errorf("serial port busy")

func (o *SimOpener) Open(path string, baudRate int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls++
	if o.BusyOpens > 0 {
		o.BusyOpens--
		return nil, ErrPortBusy
	}
	port, ok := o.Ports[path]
	if !ok {
		return nil, fmt.Errorf("no such device: %s", path)
	}
	// Re-opening resets the closed flag so a fresh attempt can use
	// the same scripted device.
	port.mu.Lock()
	port.closed = false
	port.mu.Unlock()
	return port, nil
}
