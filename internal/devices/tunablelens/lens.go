// Package tunablelens drives an Optotune EL-E-4i electrically tunable lens
// controller. Every command is a framed binary message (see internal/codec);
// replies are checked for integrity before any value is used.
package tunablelens

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lightsheet/internal/codec"
	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

const (
	// BaudRate is the controller's fixed line rate.
	BaudRate = 115200
	// DefaultMaxCurrentMA is the full-scale drive current of the EL-16-40 lens.
	DefaultMaxCurrentMA = 293.0
	// DefaultSettle is how long SetCurrent waits for the lens to reach focus.
	DefaultSettle = time.Second
	// CodeRange is the magnitude of the full-scale current code.
	CodeRange = 4096
	// TemperatureScale converts the raw temperature reading to degrees C.
	TemperatureScale = 0.0625
)

// Mode is the lens control mode.
type Mode string

const (
	ModeInternal Mode = "internal"
	ModeExternal Mode = "external"
)

// Mode codes reported by MMA.
const (
	modeCodeInternal = 1
	modeCodeExternal = 5
)

// Reply layouts. Pad fields cover the echoed command prefix.
var (
	serialLayout       = codec.NewLayout(codec.Pad(1), codec.Bytes(8))
	modeLayout         = codec.NewLayout(codec.Pad(3), codec.Uint8())
	internalModeLayout = codec.NewLayout(codec.Pad(3), codec.Uint8(), codec.Int16(), codec.Int16())
	externalModeLayout = codec.NewLayout(codec.Pad(3))
	currentLayout      = codec.NewLayout(codec.Pad(1), codec.Int16())
	temperatureLayout  = codec.NewLayout(codec.Pad(3), codec.Int16())
)

var (
	handshakeCommand = []byte("Start")
	handshakeReply   = []byte("Ready\r\n")
	readCurrentCmd   = []byte{'A', 'r', 0x00, 0x00}
)

// Config describes one lens controller.
type Config struct {
	// Name identifies the device in logs, journals and metrics.
	Name string
	// Port is the serial device path.
	Port string
	// Serial overrides the line settings. The baud rate defaults to BaudRate.
	Serial serialport.PortOptions
	// MaxCurrentMA is the lens current at code 4096. Zero means DefaultMaxCurrentMA.
	MaxCurrentMA float64
	// Settle is the wait after SetCurrent. Zero means DefaultSettle; negative disables it.
	Settle time.Duration
	// Handshake sends "Start" and expects "Ready" before anything else.
	Handshake bool
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "tunable-lens"
	}
	if c.MaxCurrentMA == 0 {
		c.MaxCurrentMA = DefaultMaxCurrentMA
	}
	if c.Settle == 0 {
		c.Settle = DefaultSettle
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	return c
}

// Lens is an open EL-E-4i controller.
type Lens struct {
	conn  *serialport.Conn
	cfg   Config
	id    string
	modes devices.Options[string]
	codes devices.Options[uint8]
	sleep func(time.Duration)
}

// Open opens the controller's serial port with open (serialport.Open when nil)
// and initialises the driver.
func Open(cfg Config, open serialport.Opener, observers ...serialport.Observer) (*Lens, error) {
	cfg = cfg.withDefaults()
	if open == nil {
		open = serialport.Open
	}
	port, err := open(cfg.Port, cfg.Serial.WithBaudRate(BaudRate))
	if err != nil {
		return nil, fmt.Errorf("tunable lens %s: %w", cfg.Name, err)
	}
	conn := serialport.NewConn(cfg.Name, port, observers...)
	lens, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return lens, nil
}

// New initialises a driver on an already open connection: it discards stale
// input, performs the optional handshake and reads the serial number.
func New(conn *serialport.Conn, cfg Config) (*Lens, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxCurrentMA < 0 || math.IsNaN(cfg.MaxCurrentMA) || math.IsInf(cfg.MaxCurrentMA, 0) {
		return nil, devices.InvalidValuef("max current %v mA", cfg.MaxCurrentMA)
	}
	l := &Lens{
		conn: conn,
		cfg:  cfg,
		modes: devices.NewOptions("mode", map[string]string{
			string(ModeInternal): "MwCA",
			string(ModeExternal): "MwDA",
		}),
		codes: devices.NewOptions("mode code", map[string]uint8{
			string(ModeInternal): modeCodeInternal,
			string(ModeExternal): modeCodeExternal,
		}),
		sleep: time.Sleep,
	}

	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("tunable lens %s: flush: %w", cfg.Name, err)
	}
	if cfg.Handshake {
		if err := l.handshake(); err != nil {
			return nil, err
		}
	}

	values, err := l.send([]byte("X"), serialLayout)
	if err != nil {
		return nil, err
	}
	sn, err := values.Bytes(0)
	if err != nil {
		return nil, err
	}
	l.id = string(bytes.TrimRight(sn, "\x00 "))
	monitoring.Logf("tunable lens %s: serial number %q", cfg.Name, l.id)
	return l, nil
}

func (l *Lens) handshake() error {
	reply, err := l.conn.Exchange(handshakeCommand, len(handshakeReply))
	if err != nil {
		return fmt.Errorf("tunable lens %s: handshake: %w", l.cfg.Name, err)
	}
	if len(reply) == 0 {
		return fmt.Errorf("tunable lens %s: handshake: %w", l.cfg.Name, codec.ErrNoResponse)
	}
	if !bytes.Equal(reply, handshakeReply) {
		return fmt.Errorf("tunable lens %s: handshake: got %q, want %q", l.cfg.Name, reply, handshakeReply)
	}
	return nil
}

// send frames cmd and, when layout is non-nil, reads and decodes the reply.
func (l *Lens) send(cmd []byte, layout codec.Layout) (codec.Values, error) {
	frame := codec.Encode(cmd)
	if layout == nil {
		if err := l.conn.Write(frame); err != nil {
			return nil, fmt.Errorf("tunable lens %s: %q: %w", l.cfg.Name, cmd, err)
		}
		return nil, nil
	}
	raw, err := l.conn.Exchange(frame, layout.FrameSize())
	if err != nil {
		return nil, fmt.Errorf("tunable lens %s: %q: %w", l.cfg.Name, cmd, err)
	}
	values, err := codec.Decode(layout, raw)
	if err != nil {
		return nil, fmt.Errorf("tunable lens %s: %q: %w", l.cfg.Name, cmd, err)
	}
	return values, nil
}

// ID returns the controller's serial number.
func (l *Lens) ID() string { return l.id }

// Mode reads the current control mode.
func (l *Lens) Mode() (Mode, error) {
	values, err := l.send([]byte("MMA"), modeLayout)
	if err != nil {
		return "", err
	}
	code, err := values.Uint8(0)
	if err != nil {
		return "", err
	}
	name, ok := l.codes.Name(code)
	if !ok {
		return "", fmt.Errorf("tunable lens %s: unrecognised mode code %d", l.cfg.Name, code)
	}
	return Mode(name), nil
}

// SetMode switches the control mode. Unknown modes are rejected before
// anything is sent.
func (l *Lens) SetMode(mode Mode) error {
	mnemonic, err := l.modes.Lookup(string(mode))
	if err != nil {
		return err
	}
	layout := externalModeLayout
	if mode == ModeInternal {
		layout = internalModeLayout
	}
	if _, err := l.send([]byte(mnemonic), layout); err != nil {
		return err
	}
	monitoring.Logf("tunable lens %s: mode set to %s", l.cfg.Name, mode)
	return nil
}

// CurrentCode converts a current in mA to the controller's signed code for
// the given full-scale current.
func CurrentCode(mA, maxCurrentMA float64) (int16, error) {
	code := math.Round(mA / maxCurrentMA * CodeRange)
	if math.IsNaN(code) || code < -CodeRange || code > CodeRange {
		return 0, fmt.Errorf("%w: current %v mA gives code %v, want within ±%d", codec.ErrInvalidInput, mA, code, CodeRange)
	}
	return int16(code), nil
}

// SetCurrent drives the lens at mA and waits for the settle time. Currents
// beyond full scale fail with codec.ErrInvalidInput and nothing is sent.
func (l *Lens) SetCurrent(mA float64) error {
	code, err := CurrentCode(mA, l.cfg.MaxCurrentMA)
	if err != nil {
		return err
	}
	cmd := binary.BigEndian.AppendUint16([]byte("Aw"), uint16(code))
	if _, err := l.send(cmd, nil); err != nil {
		return err
	}
	if l.cfg.Settle > 0 {
		l.sleep(l.cfg.Settle)
	}
	return nil
}

// Current reads back the drive current in mA.
func (l *Lens) Current() (float64, error) {
	values, err := l.send(readCurrentCmd, currentLayout)
	if err != nil {
		return 0, err
	}
	code, err := values.Int16(0)
	if err != nil {
		return 0, err
	}
	return float64(code) * l.cfg.MaxCurrentMA / CodeRange, nil
}

// TemperatureC reads the lens temperature in degrees C.
func (l *Lens) TemperatureC() (float64, error) {
	values, err := l.send([]byte("TCA"), temperatureLayout)
	if err != nil {
		return 0, err
	}
	raw, err := values.Int16(0)
	if err != nil {
		return 0, err
	}
	return float64(raw) * TemperatureScale, nil
}

// Status reports mode, current and temperature.
func (l *Lens) Status() (map[string]any, error) {
	mode, err := l.Mode()
	if err != nil {
		return nil, err
	}
	current, err := l.Current()
	if err != nil {
		return nil, err
	}
	temp, err := l.TemperatureC()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            l.id,
		"mode":          string(mode),
		"current_ma":    current,
		"temperature_c": temp,
	}, nil
}

// Close releases the serial port.
func (l *Lens) Close() error {
	return l.conn.Close()
}

var (
	_ devices.Device   = (*Lens)(nil)
	_ devices.Statuser = (*Lens)(nil)
)
