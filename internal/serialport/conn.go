package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial port closed")
	ErrTimeout     = errors.New("timed out waiting for reply")
)

// DefaultMaxReply bounds ExchangeUntil when the delimiter never arrives but
// the device keeps talking.
const DefaultMaxReply = 4096

// Conn is a driver's exclusive handle on one serial port. Exchanges are
// blocking and serialised: a command is written, then the reply is read
// until it is complete or a read returns no data because the port's read
// timeout expired.
type Conn struct {
	name     string
	port     SerialPorter
	maxReply int

	commandMu sync.Mutex
	closed    bool

	observerMu sync.Mutex
	observers  []Observer
}

// NewConn wraps port. name identifies the device in transactions.
func NewConn(name string, port SerialPorter, observers ...Observer) *Conn {
	return &Conn{
		name:      name,
		port:      port,
		maxReply:  DefaultMaxReply,
		observers: append([]Observer(nil), observers...),
	}
}

// Name returns the device name given to NewConn.
func (c *Conn) Name() string { return c.name }

// AddObserver registers o to receive every subsequent transaction.
func (c *Conn) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observers = append(c.observers, o)
}

// Flush discards unread input if the port supports it.
func (c *Conn) Flush() error {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if f, ok := c.port.(Flusher); ok {
		return f.ResetInputBuffer()
	}
	return nil
}

// Write sends cmd without waiting for a reply.
func (c *Conn) Write(cmd []byte) error {
	_, err := c.exchange(cmd, func() ([]byte, error) { return nil, nil })
	return err
}

// Exchange writes cmd and reads up to n reply bytes. It returns fewer than n
// bytes, with a nil error, when the read timeout expires first; callers that
// need an exact size check the length themselves.
func (c *Conn) Exchange(cmd []byte, n int) ([]byte, error) {
	return c.exchange(cmd, func() ([]byte, error) { return c.readN(n) })
}

// ExchangeUntil writes cmd and reads until the reply ends with delim. If the
// read timeout expires first it returns the partial reply and ErrTimeout.
func (c *Conn) ExchangeUntil(cmd, delim []byte) ([]byte, error) {
	return c.exchange(cmd, func() ([]byte, error) { return c.readUntil(delim) })
}

// Close releases the port. Subsequent exchanges fail with ErrClosed.
func (c *Conn) Close() error {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.port.Close()
}

func (c *Conn) exchange(cmd []byte, read func() ([]byte, error)) ([]byte, error) {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()

	tx := Transaction{
		Device:  c.name,
		Request: append([]byte(nil), cmd...),
		Started: time.Now(),
	}
	reply, err := c.exchangeLocked(cmd, read)
	tx.Response = reply
	tx.Err = err
	tx.Duration = time.Since(tx.Started)
	c.notify(tx)
	return reply, err
}

func (c *Conn) exchangeLocked(cmd []byte, read func() ([]byte, error)) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if len(cmd) > 0 {
		n, err := c.port.Write(cmd)
		if err != nil {
			return nil, fmt.Errorf("write %q: %w", c.name, err)
		}
		if n != len(cmd) {
			return nil, ErrWriteFailed
		}
	}
	return read()
}

func (c *Conn) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := c.port.Read(buf[got:])
		got += k
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return buf[:got], fmt.Errorf("read %q: %w", c.name, err)
		}
		if k == 0 {
			// read timeout
			break
		}
	}
	return buf[:got], nil
}

func (c *Conn) readUntil(delim []byte) ([]byte, error) {
	var reply []byte
	one := make([]byte, 1)
	for {
		k, err := c.port.Read(one)
		if k > 0 {
			reply = append(reply, one[0])
			if bytes.HasSuffix(reply, delim) {
				return reply, nil
			}
			if len(reply) >= c.maxReply {
				return reply, fmt.Errorf("reply from %q exceeded %d bytes without %q", c.name, c.maxReply, delim)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return reply, fmt.Errorf("read %q: %w", c.name, err)
		}
		if k == 0 || err != nil {
			return reply, fmt.Errorf("%w: %q after %q", ErrTimeout, c.name, reply)
		}
	}
}

func (c *Conn) notify(tx Transaction) {
	c.observerMu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.observerMu.Unlock()
	for _, o := range observers {
		o.ObserveTransaction(tx)
	}
}
