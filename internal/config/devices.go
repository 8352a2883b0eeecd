package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/lightsheet/internal/devices/camera"
	"github.com/banshee-data/lightsheet/internal/devices/filterwheel"
	"github.com/banshee-data/lightsheet/internal/devices/kinesis"
	"github.com/banshee-data/lightsheet/internal/devices/laser"
	"github.com/banshee-data/lightsheet/internal/devices/stage"
	"github.com/banshee-data/lightsheet/internal/devices/tunablelens"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

// Serial overrides line settings. Zero fields keep the driver default.
type Serial struct {
	BaudRate    int      `json:"baud_rate,omitempty" yaml:"baud_rate" toml:"baud_rate"`
	DataBits    int      `json:"data_bits,omitempty" yaml:"data_bits" toml:"data_bits"`
	StopBits    int      `json:"stop_bits,omitempty" yaml:"stop_bits" toml:"stop_bits"`
	Parity      string   `json:"parity,omitempty" yaml:"parity" toml:"parity"`
	ReadTimeout Duration `json:"read_timeout,omitempty" yaml:"read_timeout" toml:"read_timeout"`
}

// PortOptions converts s for the serial transport.
func (s Serial) PortOptions() serialport.PortOptions {
	return serialport.PortOptions{
		BaudRate:    s.BaudRate,
		DataBits:    s.DataBits,
		StopBits:    s.StopBits,
		Parity:      s.Parity,
		ReadTimeout: s.ReadTimeout.Duration,
	}
}

func (s Serial) validate() error {
	if s.BaudRate == 0 {
		// The driver picks the baud rate; check the rest with a placeholder.
		s.BaudRate = 9600
	}
	_, err := s.PortOptions().Normalise()
	return err
}

func requirePort(kind, name, port string) error {
	if strings.TrimSpace(port) == "" {
		return fmt.Errorf("%s %q: port is required", kind, name)
	}
	return nil
}

// TunableLens configures an Optotune lens driver.
type TunableLens struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`
	Port         string   `json:"port" yaml:"port" toml:"port"`
	Serial       Serial   `json:"serial,omitempty" yaml:"serial" toml:"serial"`
	MaxCurrentMA float64  `json:"max_current_ma,omitempty" yaml:"max_current_ma" toml:"max_current_ma"`
	Settle       Duration `json:"settle,omitempty" yaml:"settle" toml:"settle"`
	Handshake    bool     `json:"handshake,omitempty" yaml:"handshake" toml:"handshake"`
	// SerialNumber is reported by the simulator in dev mode.
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number" toml:"serial_number"`
}

func (d TunableLens) validate() error {
	if d.MaxCurrentMA < 0 {
		return fmt.Errorf("tunable lens %q: max_current_ma must be positive, got %v", d.Name, d.MaxCurrentMA)
	}
	return errors.Join(requirePort("tunable lens", d.Name, d.Port), d.Serial.validate())
}

// Driver returns the driver configuration.
func (d TunableLens) Driver() tunablelens.Config {
	return tunablelens.Config{
		Name:         d.Name,
		Port:         d.Port,
		Serial:       d.Serial.PortOptions(),
		MaxCurrentMA: d.MaxCurrentMA,
		Settle:       d.Settle.Duration,
		Handshake:    d.Handshake,
	}
}

// FilterWheel configures a Thorlabs filter wheel driver.
type FilterWheel struct {
	Name      string         `json:"name" yaml:"name" toml:"name"`
	Port      string         `json:"port" yaml:"port" toml:"port"`
	Serial    Serial         `json:"serial,omitempty" yaml:"serial" toml:"serial"`
	Filters   map[string]int `json:"filters" yaml:"filters" toml:"filters"`
	Positions int            `json:"positions,omitempty" yaml:"positions" toml:"positions"`
	Speed     string         `json:"speed,omitempty" yaml:"speed" toml:"speed"`
	Settle    Duration       `json:"settle,omitempty" yaml:"settle" toml:"settle"`
}

func (d FilterWheel) validate() error {
	return errors.Join(
		requirePort("filter wheel", d.Name, d.Port),
		d.Serial.validate(),
		d.Driver().Validate(),
	)
}

// Driver returns the driver configuration.
func (d FilterWheel) Driver() filterwheel.Config {
	return filterwheel.Config{
		Name:      d.Name,
		Port:      d.Port,
		Serial:    d.Serial.PortOptions(),
		Filters:   d.Filters,
		Positions: d.Positions,
		Speed:     filterwheel.Speed(strings.ToLower(d.Speed)),
		Settle:    d.Settle.Duration,
	}
}

// StageGroup is one MS2000 controller and the instrument axes it drives.
type StageGroup struct {
	Name         string      `json:"name" yaml:"name" toml:"name"`
	Port         string      `json:"port" yaml:"port" toml:"port"`
	Serial       Serial      `json:"serial,omitempty" yaml:"serial" toml:"serial"`
	MotorAxes    []string    `json:"motor_axes,omitempty" yaml:"motor_axes" toml:"motor_axes"`
	PollInterval Duration    `json:"poll_interval,omitempty" yaml:"poll_interval" toml:"poll_interval"`
	Axes         []StageAxis `json:"axes" yaml:"axes" toml:"axes"`
}

// StageAxis binds an instrument axis to a controller axis. A leading '-' on
// either side inverts the direction.
type StageAxis struct {
	Name           string `json:"name" yaml:"name" toml:"name"`
	HardwareAxis   string `json:"hardware_axis" yaml:"hardware_axis" toml:"hardware_axis"`
	InstrumentAxis string `json:"instrument_axis" yaml:"instrument_axis" toml:"instrument_axis"`
}

func (g StageGroup) validate() error {
	errs := []error{requirePort("stage controller", g.Name, g.Port), g.Serial.validate()}
	if len(g.Axes) == 0 {
		errs = append(errs, fmt.Errorf("stage controller %q: no axes configured", g.Name))
	}
	motors := g.Controller().Axes
	if len(motors) == 0 {
		motors = stage.DefaultAxes
	}
	instrument := make(map[string]bool)
	for _, a := range g.Axes {
		hw := strings.ToUpper(strings.TrimLeft(strings.TrimSpace(a.HardwareAxis), "-"))
		found := false
		for _, m := range motors {
			if strings.EqualFold(m, hw) {
				found = true
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("stage %q: hardware axis %q not in %v", a.Name, a.HardwareAxis, motors))
		}
		inst := strings.ToLower(strings.TrimLeft(strings.TrimSpace(a.InstrumentAxis), "-"))
		if inst == "" {
			errs = append(errs, fmt.Errorf("stage %q: instrument_axis is required", a.Name))
			continue
		}
		if instrument[inst] {
			errs = append(errs, fmt.Errorf("stage %q: instrument axis %q bound twice", a.Name, inst))
		}
		instrument[inst] = true
	}
	return errors.Join(errs...)
}

// Controller returns the controller driver configuration.
func (g StageGroup) Controller() stage.ControllerConfig {
	return stage.ControllerConfig{
		Name:         g.Name,
		Port:         g.Port,
		Serial:       g.Serial.PortOptions(),
		Axes:         g.MotorAxes,
		PollInterval: g.PollInterval.Duration,
	}
}

// Laser configures one Skyra line. Lines sharing a port share its
// connection.
type Laser struct {
	Name         string  `json:"name" yaml:"name" toml:"name"`
	Port         string  `json:"port" yaml:"port" toml:"port"`
	Serial       Serial  `json:"serial,omitempty" yaml:"serial" toml:"serial"`
	Prefix       string  `json:"prefix" yaml:"prefix" toml:"prefix"`
	MaxPowerMW   float64 `json:"max_power_mw" yaml:"max_power_mw" toml:"max_power_mw"`
	MinCurrentMA float64 `json:"min_current_ma,omitempty" yaml:"min_current_ma" toml:"min_current_ma"`
	MaxCurrentMA float64 `json:"max_current_ma,omitempty" yaml:"max_current_ma" toml:"max_current_ma"`
	// Coefficients of the power (mW) to current (mA) polynomial, lowest
	// order first.
	Coefficients []float64 `json:"coefficients,omitempty" yaml:"coefficients" toml:"coefficients"`
}

func (d Laser) validate() error {
	return errors.Join(
		requirePort("laser", d.Name, d.Port),
		d.Serial.validate(),
		d.Driver().Validate(),
	)
}

// Driver returns the driver configuration.
func (d Laser) Driver() laser.Config {
	coeffs := make(map[int]float64, len(d.Coefficients))
	for order, c := range d.Coefficients {
		coeffs[order] = c
	}
	return laser.Config{
		Name:         d.Name,
		Port:         d.Port,
		Serial:       d.Serial.PortOptions(),
		Prefix:       d.Prefix,
		MaxPowerMW:   d.MaxPowerMW,
		MinCurrentMA: d.MinCurrentMA,
		MaxCurrentMA: d.MaxCurrentMA,
		Coefficients: coeffs,
	}
}

// Camera selects a DCAM camera by serial number.
type Camera struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	SerialNumber string `json:"serial_number" yaml:"serial_number" toml:"serial_number"`
}

func (d Camera) validate() error {
	if strings.TrimSpace(d.SerialNumber) == "" {
		return fmt.Errorf("camera %q: serial_number is required", d.Name)
	}
	return nil
}

// Driver returns the driver configuration.
func (d Camera) Driver() camera.Config {
	return camera.Config{Name: d.Name, Serial: d.SerialNumber}
}

// KinesisMotor configures a KDC101 servo controller.
type KinesisMotor struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`
	SerialNumber string   `json:"serial_number" yaml:"serial_number" toml:"serial_number"`
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval" toml:"poll_interval"`
	HomeWait     Duration `json:"home_wait,omitempty" yaml:"home_wait" toml:"home_wait"`
}

func (d KinesisMotor) validate() error {
	if strings.TrimSpace(d.SerialNumber) == "" {
		return fmt.Errorf("kinesis motor %q: serial_number is required", d.Name)
	}
	return nil
}

// Driver returns the driver configuration.
func (d KinesisMotor) Driver() kinesis.Config {
	return kinesis.Config{
		Name:         d.Name,
		Serial:       d.SerialNumber,
		PollInterval: d.PollInterval.Duration,
		HomeWait:     d.HomeWait.Duration,
	}
}
