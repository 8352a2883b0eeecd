// Package filterwheel drives a Thorlabs FW102C/FW212C motorised filter wheel
// over its ASCII serial protocol. Each command ends in a carriage return; the
// wheel echoes it, prints any result and finishes with a ">" prompt.
package filterwheel

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

const (
	BaudRate = 115200
	// DefaultSettle is the estimated worst-case time for the wheel to finish
	// turning after it accepts a position command.
	DefaultSettle = 6 * time.Second
	// HomePosition is where the wheel is sent on start-up.
	HomePosition = 1
)

var prompt = []byte(">")

// Speed selects the wheel's rotation speed.
type Speed string

const (
	SpeedHigh Speed = "high"
	SpeedLow  Speed = "low"
)

// DeviceError is a "Command error ..." reply.
type DeviceError struct {
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("filter wheel rejected %q: %s", e.Command, e.Message)
}

// Config describes one filter wheel.
type Config struct {
	Name   string
	Port   string
	Serial serialport.PortOptions
	// Filters maps filter names to wheel positions.
	Filters map[string]int
	// Positions is the number of slots: 6 (FW102C) or 12 (FW212C). Zero means 6.
	Positions int
	Speed     Speed
	// Settle is the wait after a position change. Zero means DefaultSettle;
	// negative disables it.
	Settle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "filter-wheel"
	}
	if c.Positions == 0 {
		c.Positions = 6
	}
	if c.Speed == "" {
		c.Speed = SpeedHigh
	}
	if c.Settle == 0 {
		c.Settle = DefaultSettle
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	return c
}

// Validate checks the filter table against the wheel size and requires a
// home filter.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Positions != 6 && c.Positions != 12 {
		return devices.InvalidValuef("filter wheel %s: %d positions, want 6 or 12", c.Name, c.Positions)
	}
	if len(c.Filters) == 0 {
		return devices.InvalidValuef("filter wheel %s: no filters configured", c.Name)
	}
	home := 0
	seen := make(map[int]string, len(c.Filters))
	for name, pos := range c.Filters {
		if pos < 1 || pos > c.Positions {
			return devices.InvalidValuef("filter wheel %s: filter %q at position %d, want 1..%d", c.Name, name, pos, c.Positions)
		}
		if other, dup := seen[pos]; dup {
			return devices.InvalidValuef("filter wheel %s: filters %q and %q share position %d", c.Name, other, name, pos)
		}
		seen[pos] = name
		if pos == HomePosition {
			home++
		}
	}
	if home == 0 {
		return devices.InvalidValuef("filter wheel %s: no filter at home position %d", c.Name, HomePosition)
	}
	if _, err := speedCommand(c.Speed); err != nil {
		return err
	}
	return nil
}

func speedCommand(s Speed) (string, error) {
	switch s {
	case SpeedHigh:
		return "speed=1", nil
	case SpeedLow:
		return "speed=0", nil
	}
	return "", fmt.Errorf("%w: speed %q, want high or low", devices.ErrUnknownOption, s)
}

// Wheel is an open filter wheel.
type Wheel struct {
	conn    *serialport.Conn
	cfg     Config
	id      string
	filters devices.Options[int]
	sleep   func(time.Duration)

	mu     sync.Mutex // guards filter and speed
	filter string
	speed  Speed
}

// Open opens the wheel's serial port and initialises it.
func Open(cfg Config, open serialport.Opener, observers ...serialport.Observer) (*Wheel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if open == nil {
		open = serialport.Open
	}
	port, err := open(cfg.Port, cfg.Serial.WithBaudRate(BaudRate))
	if err != nil {
		return nil, fmt.Errorf("filter wheel %s: %w", cfg.Name, err)
	}
	conn := serialport.NewConn(cfg.Name, port, observers...)
	w, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

// New initialises a wheel on an open connection: it reads the identity,
// moves to the home filter and applies the configured speed.
func New(conn *serialport.Conn, cfg Config) (*Wheel, error) {
	return newWheel(conn, cfg, time.Sleep)
}

func newWheel(conn *serialport.Conn, cfg Config, sleep func(time.Duration)) (*Wheel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Wheel{
		conn:    conn,
		cfg:     cfg,
		filters: devices.NewOptions("filter", cfg.Filters),
		sleep:   sleep,
	}

	id, err := w.command("*idn?")
	if err != nil {
		return nil, err
	}
	w.id = id

	home, _ := w.filters.Name(HomePosition)
	if err := w.SetFilter(home); err != nil {
		return nil, err
	}
	if err := w.SetSpeed(cfg.Speed); err != nil {
		return nil, err
	}
	monitoring.Logf("filter wheel %s: %s at home filter %q", cfg.Name, w.id, home)
	return w, nil
}

// command sends cmd and returns the reply with the echo and prompt removed.
func (w *Wheel) command(cmd string) (string, error) {
	line := []byte(cmd + "\r")
	reply, err := w.conn.ExchangeUntil(line, prompt)
	if err != nil {
		return "", fmt.Errorf("filter wheel %s: %q: %w", w.cfg.Name, cmd, err)
	}
	reply = bytes.TrimSuffix(reply, prompt)
	reply = bytes.TrimPrefix(reply, line)
	body := strings.TrimSpace(string(reply))
	if strings.HasPrefix(body, "Command error") {
		return "", &DeviceError{Command: cmd, Message: strings.TrimSpace(strings.TrimPrefix(body, "Command error"))}
	}
	return body, nil
}

// ID returns the wheel's identification string.
func (w *Wheel) ID() string { return w.id }

// Filters returns the configured filter names in sorted order.
func (w *Wheel) Filters() []string { return w.filters.Names() }

// Filter returns the name of the filter last selected.
func (w *Wheel) Filter() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter
}

// SetFilter rotates to the named filter and waits for the wheel to settle.
func (w *Wheel) SetFilter(name string) error {
	pos, err := w.filters.Lookup(name)
	if err != nil {
		return err
	}
	if _, err := w.command("pos=" + strconv.Itoa(pos)); err != nil {
		return err
	}
	w.mu.Lock()
	w.filter = name
	w.mu.Unlock()
	monitoring.Logf("filter wheel %s: filter set to %q", w.cfg.Name, name)
	if w.cfg.Settle > 0 {
		w.sleep(w.cfg.Settle)
	}
	return nil
}

// Position queries the wheel's current slot.
func (w *Wheel) Position() (int, error) {
	body, err := w.command("pos?")
	if err != nil {
		return 0, err
	}
	pos, err := strconv.Atoi(body)
	if err != nil {
		return 0, fmt.Errorf("filter wheel %s: bad position reply %q: %w", w.cfg.Name, body, err)
	}
	return pos, nil
}

// Speed returns the speed last applied.
func (w *Wheel) Speed() Speed {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.speed
}

// SetSpeed applies the rotation speed.
func (w *Wheel) SetSpeed(s Speed) error {
	cmd, err := speedCommand(s)
	if err != nil {
		return err
	}
	if _, err := w.command(cmd); err != nil {
		return err
	}
	w.mu.Lock()
	w.speed = s
	w.mu.Unlock()
	return nil
}

// RawCommand sends an arbitrary command line and returns the reply body.
func (w *Wheel) RawCommand(cmd string) (string, error) {
	return w.command(strings.TrimRight(cmd, "\r\n"))
}

// Status reports the selected filter, the slot the wheel reports and the speed.
func (w *Wheel) Status() (map[string]any, error) {
	pos, err := w.Position()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":       w.id,
		"filter":   w.Filter(),
		"position": pos,
		"speed":    string(w.Speed()),
	}, nil
}

// Close releases the serial port.
func (w *Wheel) Close() error {
	return w.conn.Close()
}

var (
	_ devices.Device    = (*Wheel)(nil)
	_ devices.Statuser  = (*Wheel)(nil)
	_ devices.Commander = (*Wheel)(nil)
)
