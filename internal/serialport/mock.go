package serialport

import (
	"bytes"
	"sync"
	"time"
)

// Responder computes a device's reply to one written command. Simulators
// implement it so drivers can run without hardware.
type Responder interface {
	Respond(req []byte) []byte
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(req []byte) []byte

// Respond calls f(req).
func (f ResponderFunc) Respond(req []byte) []byte { return f(req) }

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing and simulation. Reads on an empty buffer behave like a real port
// whose read timeout expired and return (0, nil).
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Responder, if set, is asked for a reply to every Write; the reply is
	// queued in ReadBuffer.
	Responder Responder

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// FlushCalls records the number of ResetInputBuffer calls
	FlushCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	writes [][]byte
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// NewSimulatedPort returns a TestableSerialPort answering through r.
func NewSimulatedPort(r Responder) *TestableSerialPort {
	p := NewTestableSerialPort()
	p.Responder = r
	return p
}

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors, and queues
// the Responder's reply.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		t.WriteBuffer.Write(p[:len(p)-1])
		return len(p) - 1, nil
	}

	t.writes = append(t.writes, append([]byte(nil), p...))
	n, err = t.WriteBuffer.Write(p)
	if t.Responder != nil {
		t.ReadBuffer.Write(t.Responder.Respond(p))
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements Flusher.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.FlushCalls++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Writes returns each successful Write call's data in order.
func (t *TestableSerialPort) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// LastWrite returns the data of the most recent successful Write, or nil.
func (t *TestableSerialPort) LastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.writes = nil
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.FlushCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ShortWrite = false
	t.ReadLatency = 0
}

// MockOpener records Open calls and returns a fixed port or error.
type MockOpener struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockOpener creates a MockOpener returning port.
func NewMockOpener(port SerialPorter) *MockOpener {
	return &MockOpener{Port: port}
}

// Open returns the configured port or error. It has the Opener signature.
func (m *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls = append(m.OpenCalls, MockOpenCall{Path: path, Options: opts})

	if m.Error != nil {
		return nil, m.Error
	}
	return m.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (m *MockOpener) LastCall() *MockOpenCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.OpenCalls) == 0 {
		return nil
	}
	return &m.OpenCalls[len(m.OpenCalls)-1]
}
