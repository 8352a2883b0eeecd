// Package serialport owns the byte-stream side of every serial device driver:
// opening a port with the right line settings, exchanging a command for a
// reply under the port's read timeout, and reporting each exchange to
// observers such as the journal and metrics.
package serialport

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// A read that times out returns (0, nil).
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// Flusher is implemented by ports that can discard unread input.
// go.bug.st/serial ports implement it.
type Flusher interface {
	ResetInputBuffer() error
}

// Opener opens the serial port at path with the given options. Drivers take
// an Opener so tests and dev mode can substitute simulators.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
