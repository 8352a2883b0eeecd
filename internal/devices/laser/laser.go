// Package laser drives one line of a Cobolt Skyra multi-line laser over its
// ASCII serial protocol. Line commands carry the line prefix ("1" to "4");
// every command ends in a carriage return and every reply in CRLF.
package laser

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

const BaudRate = 115200

// Prefixes are the valid line prefixes of a four-line Skyra.
var Prefixes = []string{"1", "2", "3", "4"}

var replyEnd = []byte("\r\n")

// ModulationMode selects how the line output is controlled.
type ModulationMode string

const (
	ModulationOff     ModulationMode = "off"
	ModulationAnalog  ModulationMode = "analog"
	ModulationDigital ModulationMode = "digital"
)

// DeviceError is an error reply such as "Syntax error: illegal command".
type DeviceError struct {
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("laser rejected %q: %s", e.Command, e.Message)
}

// Config describes one laser line.
type Config struct {
	Name   string
	Port   string
	Serial serialport.PortOptions
	Prefix string
	// MaxPowerMW bounds the power setpoint.
	MaxPowerMW float64
	// MinCurrentMA and MaxCurrentMA clamp the drive current used in
	// modulation modes.
	MinCurrentMA float64
	MaxCurrentMA float64
	// Coefficients maps polynomial order to coefficient for converting a
	// power in mW to a drive current in mA.
	Coefficients map[int]float64
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "laser-" + c.Prefix
	}
	return c
}

// Validate checks the prefix and power and current bounds.
func (c Config) Validate() error {
	if !slices.Contains(Prefixes, c.Prefix) {
		return devices.InvalidValuef("laser %s: prefix %q, want one of %v", c.Name, c.Prefix, Prefixes)
	}
	if c.MaxPowerMW <= 0 {
		return devices.InvalidValuef("laser %s: max power %v mW", c.Name, c.MaxPowerMW)
	}
	if c.MinCurrentMA < 0 || c.MaxCurrentMA < c.MinCurrentMA {
		return devices.InvalidValuef("laser %s: current range [%v, %v] mA", c.Name, c.MinCurrentMA, c.MaxCurrentMA)
	}
	for order := range c.Coefficients {
		if order < 0 {
			return devices.InvalidValuef("laser %s: negative polynomial order %d", c.Name, order)
		}
	}
	return nil
}

// Laser is one open Skyra line.
type Laser struct {
	conn   *serialport.Conn
	cfg    Config
	id     string
	coeffs []float64
	modes  devices.Options[ModulationMode]

	mu       sync.Mutex // guards setpoint
	setpoint float64
}

// Open opens the laser's serial port.
func Open(cfg Config, open serialport.Opener, observers ...serialport.Observer) (*Laser, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if open == nil {
		open = serialport.Open
	}
	port, err := open(cfg.Port, cfg.Serial.WithBaudRate(BaudRate))
	if err != nil {
		return nil, fmt.Errorf("laser %s: %w", cfg.Name, err)
	}
	conn := serialport.NewConn(cfg.Name, port, observers...)
	l, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// New initialises a line on an open connection and reads the head serial
// number.
func New(conn *serialport.Conn, cfg Config) (*Laser, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Laser{
		conn:   conn,
		cfg:    cfg,
		coeffs: coefficientVector(cfg.Coefficients),
		modes: devices.NewOptions("modulation mode", map[string]ModulationMode{
			string(ModulationOff):     ModulationOff,
			string(ModulationAnalog):  ModulationAnalog,
			string(ModulationDigital): ModulationDigital,
		}),
	}
	id, err := l.send("sn?")
	if err != nil {
		return nil, err
	}
	l.id = id
	monitoring.Logf("laser %s: head %s line %s", cfg.Name, id, cfg.Prefix)
	return l, nil
}

func coefficientVector(m map[int]float64) []float64 {
	orders := make([]int, 0, len(m))
	for k := range m {
		orders = append(orders, k)
	}
	sort.Ints(orders)
	n := 0
	if len(orders) > 0 {
		n = orders[len(orders)-1] + 1
	}
	v := make([]float64, n)
	for k, c := range m {
		v[k] = c
	}
	return v
}

// CurrentForPower evaluates the power-to-current polynomial at mW.
func (l *Laser) CurrentForPower(mW float64) float64 {
	if len(l.coeffs) == 0 {
		return 0
	}
	powers := make([]float64, len(l.coeffs))
	p := 1.0
	for i := range powers {
		powers[i] = p
		p *= mW
	}
	return floats.Dot(l.coeffs, powers)
}

// send writes one command and returns the trimmed reply.
func (l *Laser) send(cmd string) (string, error) {
	reply, err := l.conn.ExchangeUntil([]byte(cmd+"\r"), replyEnd)
	if err != nil {
		return "", fmt.Errorf("laser %s: %q: %w", l.cfg.Name, cmd, err)
	}
	body := strings.TrimSpace(string(reply))
	if strings.HasPrefix(strings.ToLower(body), "syntax error") || strings.HasPrefix(strings.ToLower(body), "error") {
		return "", &DeviceError{Command: cmd, Message: body}
	}
	return body, nil
}

func (l *Laser) line(cmd string) (string, error) {
	return l.send(l.cfg.Prefix + cmd)
}

func (l *Laser) lineFloat(cmd string) (float64, error) {
	body, err := l.line(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, fmt.Errorf("laser %s: bad reply %q to %q: %w", l.cfg.Name, body, cmd, err)
	}
	return v, nil
}

// ID returns the laser head serial number.
func (l *Laser) ID() string { return l.id }

// Prefix returns the line prefix.
func (l *Laser) Prefix() string { return l.cfg.Prefix }

// Enable turns the line on.
func (l *Laser) Enable() error {
	_, err := l.line("l1")
	return err
}

// Disable turns the line off.
func (l *Laser) Disable() error {
	_, err := l.line("l0")
	return err
}

// Enabled reports whether the line is on.
func (l *Laser) Enabled() (bool, error) {
	body, err := l.line("l?")
	if err != nil {
		return false, err
	}
	return body == "1", nil
}

// PowerSetpointMW returns the power setpoint. In modulation modes the line
// is driven by current, so the last requested power is returned.
func (l *Laser) PowerSetpointMW() (float64, error) {
	mode, err := l.ModulationMode()
	if err != nil {
		return 0, err
	}
	if mode != ModulationOff {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.setpoint, nil
	}
	w, err := l.lineFloat("p?")
	if err != nil {
		return 0, err
	}
	return w * 1000, nil
}

// SetPowerSetpointMW sets the output power. With modulation off the power is
// sent in watts; otherwise it is converted to a drive current clamped to the
// configured current range.
func (l *Laser) SetPowerSetpointMW(mW float64) error {
	if math.IsNaN(mW) || mW < 0 || mW > l.cfg.MaxPowerMW {
		return devices.InvalidValuef("laser %s: power %v mW outside [0, %v]", l.cfg.Name, mW, l.cfg.MaxPowerMW)
	}
	mode, err := l.ModulationMode()
	if err != nil {
		return err
	}
	if mode == ModulationOff {
		if _, err := l.line("p " + strconv.FormatFloat(mW/1000, 'f', -1, 64)); err != nil {
			return err
		}
	} else {
		current := math.Min(math.Max(l.CurrentForPower(mW), l.cfg.MinCurrentMA), l.cfg.MaxCurrentMA)
		if _, err := l.line("slc " + strconv.FormatFloat(current, 'f', -1, 64)); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.setpoint = mW
	l.mu.Unlock()
	return nil
}

// PowerMW returns the measured output power.
func (l *Laser) PowerMW() (float64, error) {
	w, err := l.lineFloat("pa?")
	if err != nil {
		return 0, err
	}
	return w * 1000, nil
}

// ModulationMode reads the modulation mode back from the laser.
func (l *Laser) ModulationMode() (ModulationMode, error) {
	enabled, err := l.line("gmes?")
	if err != nil {
		return "", err
	}
	if enabled == "0" {
		return ModulationOff, nil
	}
	analog, err := l.line("games?")
	if err != nil {
		return "", err
	}
	if analog == "1" {
		return ModulationAnalog, nil
	}
	digital, err := l.line("gdmes?")
	if err != nil {
		return "", err
	}
	if digital == "1" {
		return ModulationDigital, nil
	}
	return "", fmt.Errorf("laser %s: modulation enabled with neither analog nor digital input", l.cfg.Name)
}

// SetModulationMode switches between constant power and analog or digital
// modulation.
func (l *Laser) SetModulationMode(mode ModulationMode) error {
	mode, err := l.modes.Lookup(string(mode))
	if err != nil {
		return err
	}
	var cmds []string
	switch mode {
	case ModulationOff:
		cmds = []string{"cp"}
	case ModulationAnalog:
		cmds = []string{"em", "sames 1", "sdmes 0"}
	case ModulationDigital:
		cmds = []string{"em", "sdmes 1", "sames 0"}
	}
	for _, cmd := range cmds {
		if _, err := l.line(cmd); err != nil {
			return err
		}
	}
	monitoring.Logf("laser %s: modulation %s", l.cfg.Name, mode)
	return nil
}

// RawCommand sends an arbitrary command line.
func (l *Laser) RawCommand(cmd string) (string, error) {
	return l.send(strings.TrimRight(cmd, "\r\n"))
}

// Status reports the enable state, modulation mode and powers.
func (l *Laser) Status() (map[string]any, error) {
	enabled, err := l.Enabled()
	if err != nil {
		return nil, err
	}
	mode, err := l.ModulationMode()
	if err != nil {
		return nil, err
	}
	setpoint, err := l.PowerSetpointMW()
	if err != nil {
		return nil, err
	}
	power, err := l.PowerMW()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                l.id,
		"prefix":            l.cfg.Prefix,
		"enabled":           enabled,
		"modulation":        string(mode),
		"power_setpoint_mw": setpoint,
		"power_mw":          power,
	}, nil
}

// Close releases the serial port.
func (l *Laser) Close() error {
	return l.conn.Close()
}

var (
	_ devices.Device    = (*Laser)(nil)
	_ devices.Statuser  = (*Laser)(nil)
	_ devices.Commander = (*Laser)(nil)
)
