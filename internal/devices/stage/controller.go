// Package stage drives an ASI MS2000 stage controller and exposes each of its
// motor axes as an instrument-axis stage.
//
// Move commands use ASI units: one unit is a tenth of a micron, so moving an
// axis by 1 mm is a relative move of 10000 units.
package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

const (
	DefaultBaudRate = 115200
	// UnitsPerMM converts millimetres to ASI units.
	UnitsPerMM = 10000
	// DefaultPollInterval paces busy polling in WaitForDevice.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultRetraceSpeedPercent is how fast the fast axis returns after a line.
	DefaultRetraceSpeedPercent = 50

	mmDecimals = 4
)

// BaudRates lists the rates selectable by the controller's DIP switches.
var BaudRates = []int{9600, 19200, 28800, 115200}

// DefaultAxes is the motor axis build of a standard MS2000.
var DefaultAxes = []string{"X", "Y", "Z", "F"}

var replyEnd = []byte("\r\n")

// ScanPattern is the slow-axis line order.
type ScanPattern int

const (
	Raster     ScanPattern = 0
	Serpentine ScanPattern = 1
)

// ControllerConfig describes one MS2000.
type ControllerConfig struct {
	Name   string
	Port   string
	Serial serialport.PortOptions
	// Axes lists the motor axes in controller order. Empty means DefaultAxes.
	Axes []string
	// PollInterval paces WaitForDevice. Zero means DefaultPollInterval.
	PollInterval time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.Name == "" {
		c.Name = "ms2000"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = DefaultBaudRate
	}
	if len(c.Axes) == 0 {
		c.Axes = DefaultAxes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Validate checks the baud rate and axis names.
func (c ControllerConfig) Validate() error {
	c = c.withDefaults()
	if !slices.Contains(BaudRates, c.Serial.BaudRate) {
		return devices.InvalidValuef("stage %s: baud rate %d, valid rates: 9600, 19200, 28800, or 115200", c.Name, c.Serial.BaudRate)
	}
	seen := make(map[string]bool, len(c.Axes))
	for _, a := range c.Axes {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || strings.ContainsAny(a, " =?-") {
			return devices.InvalidValuef("stage %s: bad axis name %q", c.Name, a)
		}
		if seen[a] {
			return devices.InvalidValuef("stage %s: duplicate axis %q", c.Name, a)
		}
		seen[a] = true
	}
	return nil
}

// Controller is an open MS2000. It is shared by the Stage of every axis it
// drives.
type Controller struct {
	conn    *serialport.Conn
	cfg     ControllerConfig
	axes    []string
	limiter *rate.Limiter

	mu           sync.Mutex
	ticksPerMM   map[string]float64
	scanFastAxis string
}

// OpenController opens the controller's serial port.
func OpenController(cfg ControllerConfig, open serialport.Opener, observers ...serialport.Observer) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if open == nil {
		open = serialport.Open
	}
	port, err := open(cfg.Port, cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", cfg.Name, err)
	}
	conn := serialport.NewConn(cfg.Name, port, observers...)
	ctrl, err := NewController(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ctrl, nil
}

// NewController wraps an open connection.
func NewController(conn *serialport.Conn, cfg ControllerConfig) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	axes := make([]string, len(cfg.Axes))
	for i, a := range cfg.Axes {
		axes[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	monitoring.Logf("stage %s: controller axes %v", cfg.Name, axes)
	return &Controller{
		conn:       conn,
		cfg:        cfg,
		axes:       axes,
		limiter:    rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		ticksPerMM: make(map[string]float64),
	}, nil
}

// Name returns the configured controller name.
func (c *Controller) Name() string { return c.cfg.Name }

// ID implements devices.Device.
func (c *Controller) ID() string { return c.cfg.Name }

// Axes returns the motor axes in controller order.
func (c *Controller) Axes() []string { return slices.Clone(c.axes) }

func (c *Controller) axis(a string) (string, error) {
	a = strings.ToUpper(strings.TrimSpace(a))
	if !slices.Contains(c.axes, a) {
		return "", fmt.Errorf("%w: %q is not one of %v", ErrUnknownAxis, a, c.axes)
	}
	return a, nil
}

// send writes one command line and returns the reply with the ":A" marker
// and line ending removed.
func (c *Controller) send(cmd string) (string, error) {
	reply, err := c.conn.ExchangeUntil([]byte(cmd+"\r"), replyEnd)
	if err != nil {
		return "", fmt.Errorf("stage %s: %q: %w", c.cfg.Name, cmd, err)
	}
	body := strings.TrimSpace(string(reply))
	if rest, ok := strings.CutPrefix(body, ":N"); ok {
		code, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rest), "-"))
		if err != nil {
			return "", fmt.Errorf("stage %s: %q: malformed error reply %q", c.cfg.Name, cmd, body)
		}
		return "", &ASIError{Command: cmd, Code: code}
	}
	body = strings.TrimPrefix(body, ":A")
	return strings.TrimSpace(body), nil
}

// RawCommand sends an arbitrary command line and returns the reply body.
func (c *Controller) RawCommand(cmd string) (string, error) {
	return c.send(strings.TrimRight(cmd, "\r\n"))
}

func (c *Controller) setAxis(cmd, axis string, value string) error {
	a, err := c.axis(axis)
	if err != nil {
		return err
	}
	_, err = c.send(fmt.Sprintf("%s %s=%s", cmd, a, value))
	return err
}

// queryAxis sends "<cmd> <axis>?" and parses the "<axis>=<value>" field of
// the reply. Both ":A X=1.0" and ":X=1.0 A" forms are accepted.
func (c *Controller) queryAxis(cmd, axis string) (float64, error) {
	a, err := c.axis(axis)
	if err != nil {
		return 0, err
	}
	body, err := c.send(fmt.Sprintf("%s %s?", cmd, a))
	if err != nil {
		return 0, err
	}
	return axisValue(body, a)
}

func axisValue(body, axis string) (float64, error) {
	for _, f := range strings.Fields(body) {
		f = strings.TrimPrefix(f, ":")
		key, val, ok := strings.Cut(f, "=")
		if !ok || !strings.EqualFold(key, axis) {
			continue
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("bad value for axis %s in %q: %w", axis, body, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no value for axis %s in %q", axis, body)
}

func formatMM(v float64) string {
	scale := math.Pow10(mmDecimals)
	return strconv.FormatFloat(math.Round(v*scale)/scale, 'f', -1, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Move starts an absolute move of axis to units.
func (c *Controller) Move(axis string, units int) error {
	return c.setAxis("MOVE", axis, strconv.Itoa(units))
}

// MoveRel starts a relative move of axis by units.
func (c *Controller) MoveRel(axis string, units int) error {
	return c.setAxis("MOVREL", axis, strconv.Itoa(units))
}

// Position returns the axis position in ASI units.
func (c *Controller) Position(axis string) (float64, error) {
	a, err := c.axis(axis)
	if err != nil {
		return 0, err
	}
	body, err := c.send("WHERE " + a)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return 0, fmt.Errorf("stage %s: empty position reply for %s", c.cfg.Name, a)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("stage %s: bad position reply %q: %w", c.cfg.Name, body, err)
	}
	return v, nil
}

// SetMaxSpeed sets the axis speed in mm/s.
func (c *Controller) SetMaxSpeed(axis string, mmPerS float64) error {
	return c.setAxis("SPEED", axis, formatFloat(mmPerS))
}

// MaxSpeed returns the axis speed in mm/s.
func (c *Controller) MaxSpeed(axis string) (float64, error) {
	return c.queryAxis("SPEED", axis)
}

// SetBacklash sets the anti-backlash distance in mm; zero disables it.
func (c *Controller) SetBacklash(axis string, mm float64) error {
	return c.setAxis("B", axis, formatFloat(mm))
}

// Backlash returns the anti-backlash distance in mm.
func (c *Controller) Backlash(axis string) (float64, error) {
	return c.queryAxis("B", axis)
}

// SetAcceleration sets the ramp time in ms.
func (c *Controller) SetAcceleration(axis string, ms float64) error {
	return c.setAxis("ACCEL", axis, formatFloat(ms))
}

// Acceleration returns the ramp time in ms.
func (c *Controller) Acceleration(axis string) (float64, error) {
	return c.queryAxis("ACCEL", axis)
}

// LowerTravelLimit returns the lower soft limit in mm.
func (c *Controller) LowerTravelLimit(axis string) (float64, error) {
	return c.queryAxis("SL", axis)
}

// UpperTravelLimit returns the upper soft limit in mm.
func (c *Controller) UpperTravelLimit(axis string) (float64, error) {
	return c.queryAxis("SU", axis)
}

// EncoderTicksPerMM returns the axis encoder resolution. The value is read
// once per axis and cached.
func (c *Controller) EncoderTicksPerMM(axis string) (float64, error) {
	a, err := c.axis(axis)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	ticks, ok := c.ticksPerMM[a]
	c.mu.Unlock()
	if ok {
		return ticks, nil
	}
	ticks, err = c.queryAxis("CNTS", a)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.ticksPerMM[a] = ticks
	c.mu.Unlock()
	return ticks, nil
}

// IsAxisBusy reports whether axis is moving.
func (c *Controller) IsAxisBusy(axis string) (bool, error) {
	a, err := c.axis(axis)
	if err != nil {
		return false, err
	}
	body, err := c.send("RS " + a + "?")
	if err != nil {
		return false, err
	}
	return strings.Contains(body, "B"), nil
}

// IsDeviceBusy reports whether any axis is moving.
func (c *Controller) IsDeviceBusy() (bool, error) {
	body, err := c.send("/")
	if err != nil {
		return false, err
	}
	return strings.Contains(body, "B"), nil
}

// WaitForDevice polls until every axis has stopped or ctx is done.
func (c *Controller) WaitForDevice(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		busy, err := c.IsDeviceBusy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
	}
}

// Halt stops all motion. The controller may acknowledge with :N-21, which is
// not treated as a failure.
func (c *Controller) Halt() error {
	_, err := c.send("HALT")
	var asiErr *ASIError
	if errors.As(err, &asiErr) && asiErr.Code == CodeCommandHalted {
		return nil
	}
	return err
}

// Zero makes the current position of axis its origin.
func (c *Controller) Zero(axis string) error {
	a, err := c.axis(axis)
	if err != nil {
		return err
	}
	_, err = c.send("ZERO " + a)
	return err
}

// SetupScan assigns the fast and slow scan axes and the line pattern.
// secondSlowAxis is parked; pass "" when there is none.
func (c *Controller) SetupScan(fastAxis, slowAxis, secondSlowAxis string, pattern ScanPattern) error {
	fast, err := c.axis(fastAxis)
	if err != nil {
		return err
	}
	slow, err := c.axis(slowAxis)
	if err != nil {
		return err
	}
	if fast == slow {
		return devices.InvalidValuef("scan: fast and slow axis are both %s", fast)
	}
	second := ""
	if secondSlowAxis != "" {
		if second, err = c.axis(secondSlowAxis); err != nil {
			return err
		}
	}

	var args params
	for _, a := range c.axes {
		switch a {
		case fast:
			args.set(a, "1")
		case slow:
			args.set(a, "2")
		case second:
			args.set(a, "0")
		}
	}
	args.set("F", strconv.Itoa(int(pattern)))
	if _, err := c.send("SCAN" + args.String()); err != nil {
		return err
	}

	c.mu.Lock()
	c.scanFastAxis = fast
	c.mu.Unlock()
	return nil
}

// ScanR describes the fast axis of a scan. Exactly one of StopMM and
// NumPixels must be set.
type ScanR struct {
	StartMM         float64
	PulseIntervalUM float64
	StopMM          *float64
	NumPixels       int
}

// ScanR configures the fast axis chosen by SetupScan.
func (c *Controller) ScanR(r ScanR) error {
	if (r.StopMM == nil) == (r.NumPixels <= 0) {
		return devices.InvalidValuef("scanr: exactly one of stop position and pixel count must be set")
	}
	c.mu.Lock()
	fast := c.scanFastAxis
	c.mu.Unlock()
	if fast == "" {
		return errors.New("scanr: SetupScan must be called first")
	}

	ticksPerMM, err := c.EncoderTicksPerMM(fast)
	if err != nil {
		return err
	}
	exact := ticksPerMM * r.PulseIntervalUM * 1e-3
	ticks := math.Round(exact)
	if ticks != exact {
		monitoring.Warnf("stage %s: requested %s-scan spacing %.3f um, actual %.1f um",
			c.cfg.Name, fast, r.PulseIntervalUM, ticks/(ticksPerMM*1e-3))
	}

	var args params
	args.set("X", formatMM(r.StartMM))
	args.set("Z", strconv.Itoa(int(ticks)))
	if r.StopMM != nil {
		args.set("Y", formatMM(*r.StopMM))
	} else {
		args.set("F", strconv.Itoa(r.NumPixels))
	}
	_, err = c.send("SCANR" + args.String())
	return err
}

// ScanV describes the slow axis of a scan. Lines are spaced like
// ScanLinePositions(StartMM, StopMM, LineCount).
type ScanV struct {
	StartMM         float64
	StopMM          float64
	LineCount       int
	OvershootFactor float64
}

// ScanV configures the slow axis.
func (c *Controller) ScanV(v ScanV) error {
	if v.LineCount < 1 {
		return devices.InvalidValuef("scanv: line count %d", v.LineCount)
	}
	var args params
	args.set("X", formatMM(v.StartMM))
	args.set("Y", formatMM(v.StopMM))
	args.set("Z", strconv.Itoa(v.LineCount))
	if v.OvershootFactor != 0 {
		args.set("F", formatMM(v.OvershootFactor))
	}
	_, err := c.send("SCANV" + args.String())
	return err
}

// StartScan starts the scan configured by SetupScan, ScanR and ScanV.
func (c *Controller) StartScan() error {
	c.mu.Lock()
	c.scanFastAxis = ""
	c.mu.Unlock()
	_, err := c.send("SCAN S")
	return err
}

// ScanLinePositions returns the count slow-axis line positions from start
// towards stop, excluding stop itself.
func ScanLinePositions(start, stop float64, count int) ([]float64, error) {
	if count < 1 {
		return nil, devices.InvalidValuef("line count %d", count)
	}
	if count == 1 {
		return []float64{start}, nil
	}
	return floats.Span(make([]float64, count+1), start, stop)[:count], nil
}

// Status reports each axis position in ASI units and whether it is moving.
func (c *Controller) Status() (map[string]any, error) {
	status := map[string]any{"id": c.cfg.Name}
	for _, a := range c.axes {
		pos, err := c.Position(a)
		if err != nil {
			return nil, err
		}
		busy, err := c.IsAxisBusy(a)
		if err != nil {
			return nil, err
		}
		status[strings.ToLower(a)] = map[string]any{"position": pos, "busy": busy}
	}
	return status, nil
}

// Close releases the serial port.
func (c *Controller) Close() error {
	return c.conn.Close()
}

// params renders " K=V" pairs in insertion order; setting a key twice keeps
// its first position and the last value.
type params struct {
	keys   []string
	values map[string]string
}

func (p *params) set(k, v string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.values[k] = v
}

func (p params) String() string {
	var b strings.Builder
	for _, k := range p.keys {
		fmt.Fprintf(&b, " %s=%s", k, p.values[k])
	}
	return b.String()
}

var (
	_ devices.Device    = (*Controller)(nil)
	_ devices.Statuser  = (*Controller)(nil)
	_ devices.Commander = (*Controller)(nil)
)
