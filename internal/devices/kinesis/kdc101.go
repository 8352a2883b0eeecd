// Package kinesis drives a Thorlabs KDC101 K-Cube DC servo controller through
// the Kinesis motion control library.
package kinesis

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
)

// MMPerUnit converts encoder device units to millimetres.
const MMPerUnit = 0.0289 / 1000

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultHomeWait     = 10 * time.Second
	positionWait        = 200 * time.Millisecond
	moveWait            = 250 * time.Millisecond
)

// ErrDeviceList is returned when the library cannot enumerate devices.
var ErrDeviceList = errors.New("kinesis: failed to build device list")

// Library is the subset of the KCube DC servo API the driver uses. Devices
// are addressed by serial number.
type Library interface {
	BuildDeviceList() error
	Open(serial string) error
	StartPolling(serial string, interval time.Duration) error
	StopPolling(serial string) error
	Home(serial string) error
	RequestPosition(serial string) error
	Position(serial string) (int, error)
	DeviceUnitFromReal(serial string, mm float64) (int, error)
	SetMoveAbsolutePosition(serial string, units int) error
	MoveAbsolute(serial string) error
	Close(serial string) error
}

// Config identifies the controller.
type Config struct {
	Name   string
	Serial string
	// PollInterval is the library status polling period.
	PollInterval time.Duration
	// HomeWait is how long construction waits for homing to finish.
	// Negative disables the wait.
	HomeWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "kdc101"
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HomeWait == 0 {
		c.HomeWait = DefaultHomeWait
	}
	return c
}

// Controller is one connected, homed KDC101.
type Controller struct {
	lib   Library
	cfg   Config
	sleep func(time.Duration)

	mu   sync.Mutex // guards mode
	mode string
}

// New connects to the controller, starts polling and homes the stage.
func New(lib Library, cfg Config) (*Controller, error) {
	return newController(lib, cfg, time.Sleep)
}

func newController(lib Library, cfg Config, sleep func(time.Duration)) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.Serial == "" {
		return nil, devices.InvalidValuef("kinesis %s: empty serial number", cfg.Name)
	}
	c := &Controller{lib: lib, cfg: cfg, mode: "default", sleep: sleep}
	if err := lib.BuildDeviceList(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceList, err)
	}
	if err := lib.Open(cfg.Serial); err != nil {
		return nil, fmt.Errorf("kinesis %s: open %s: %w", cfg.Name, cfg.Serial, err)
	}
	if err := lib.StartPolling(cfg.Serial, cfg.PollInterval); err != nil {
		lib.Close(cfg.Serial)
		return nil, fmt.Errorf("kinesis %s: start polling: %w", cfg.Name, err)
	}
	monitoring.Logf("kinesis %s: connected to %s", cfg.Name, cfg.Serial)
	if err := c.Home(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the controller serial number.
func (c *Controller) ID() string { return c.cfg.Serial }

// Home homes the stage and waits for it to finish.
func (c *Controller) Home() error {
	if err := c.lib.Home(c.cfg.Serial); err != nil {
		return fmt.Errorf("kinesis %s: home: %w", c.cfg.Name, err)
	}
	monitoring.Logf("kinesis %s: homing", c.cfg.Name)
	if c.cfg.HomeWait > 0 {
		c.sleep(c.cfg.HomeWait)
	}
	return nil
}

// PositionMM requests a fresh position and returns it in mm rounded to two
// decimals.
func (c *Controller) PositionMM() (float64, error) {
	if err := c.lib.RequestPosition(c.cfg.Serial); err != nil {
		return 0, fmt.Errorf("kinesis %s: request position: %w", c.cfg.Name, err)
	}
	c.sleep(positionWait)
	units, err := c.lib.Position(c.cfg.Serial)
	if err != nil {
		return 0, fmt.Errorf("kinesis %s: position: %w", c.cfg.Name, err)
	}
	return math.Round(float64(units)*MMPerUnit*100) / 100, nil
}

// SetPositionMM starts an absolute move. It does not wait for the move to
// complete.
func (c *Controller) SetPositionMM(mm float64) error {
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return devices.InvalidValuef("kinesis %s: position %v mm", c.cfg.Name, mm)
	}
	units, err := c.lib.DeviceUnitFromReal(c.cfg.Serial, mm)
	if err != nil {
		return fmt.Errorf("kinesis %s: convert %v mm: %w", c.cfg.Name, mm, err)
	}
	monitoring.Logf("kinesis %s: moving to %v mm (%d device units)", c.cfg.Name, mm, units)
	if err := c.lib.SetMoveAbsolutePosition(c.cfg.Serial, units); err != nil {
		return fmt.Errorf("kinesis %s: set target: %w", c.cfg.Name, err)
	}
	c.sleep(moveWait)
	if err := c.lib.MoveAbsolute(c.cfg.Serial); err != nil {
		return fmt.Errorf("kinesis %s: move: %w", c.cfg.Name, err)
	}
	return nil
}

// Mode returns the control mode label. The controller has no modes of its
// own; the label is kept for callers that switch focusing devices by mode.
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode stores the control mode label.
func (c *Controller) SetMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	monitoring.Logf("kinesis %s: mode %s", c.cfg.Name, mode)
}

// Status reports the position and mode.
func (c *Controller) Status() (map[string]any, error) {
	pos, err := c.PositionMM()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          c.cfg.Serial,
		"position_mm": pos,
		"mode":        c.Mode(),
	}, nil
}

// Close stops polling and disconnects.
func (c *Controller) Close() error {
	return errors.Join(c.lib.StopPolling(c.cfg.Serial), c.lib.Close(c.cfg.Serial))
}

var (
	_ devices.Device   = (*Controller)(nil)
	_ devices.Statuser = (*Controller)(nil)
)
