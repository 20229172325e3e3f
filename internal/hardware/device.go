package hardware

import (
	"io"
	"os"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo holds enumeration metadata for one attached serial device.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// Enumerator lists candidate serial devices attached to the host.
// Enumeration reads OS metadata only; it never opens a device.
type Enumerator interface {
	List() ([]PortInfo, error)
}

// Port is an open device channel. The owner must Close it before any
// other component may open the same device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// Opener opens an exclusive handle on a device.
type Opener interface {
	Open(path string, baudRate int) (Port, error)
}

// Descriptor is the resolved mapping from the manifest's abstract
// target to a concrete local device. Created once by Discover, never
// mutated afterwards.
type Descriptor struct {
	Port          string
	BaudRate      int
	VID           string
	PID           string
	SerialNumber  string
	GPIOAvailable bool
}

// SerialEnumerator is the real backend over go.bug.st's detailed port list.
type SerialEnumerator struct{}

func (SerialEnumerator) List() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var result []PortInfo
	for _, p := range ports {
		result = append(result, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return result, nil
}

// SerialOpener is the real backend for opening serial ports.
type SerialOpener struct{}

func (SerialOpener) Open(path string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

// GPIOAvailable reports whether the host exposes GPIO access, via
// either the sysfs interface or the memory-mapped device node.
func GPIOAvailable() bool {
	for _, p := range []string{"/sys/class/gpio", "/dev/gpiomem"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
