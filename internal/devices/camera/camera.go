// Package camera drives a Hamamatsu sCMOS camera through the DCAM API.
//
// The SDK is reached through the SDK and Handle interfaces so the driver can
// run against the vendor binding or the dcamsim simulator. Mode properties
// (trigger, pixel type, binning, sensor mode, readout direction) are
// enumerated from the camera once per instance; their labels are lower-cased
// and used as option names.
package camera

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
)

const (
	SensorWidthPX  = 2048
	SensorHeightPX = 2048
	// BufferSizeMB is the host memory given to the frame ring buffer.
	BufferSizeMB = 2400
)

// ErrNotFound is returned by Open when no camera carries the serial number.
var ErrNotFound = errors.New("camera not found")

// ErrNoFrame is returned by GrabFrame when no frame arrives in time.
var ErrNoFrame = errors.New("no frame ready")

// Config selects the camera by serial number.
type Config struct {
	Name   string
	Serial string
}

// Range is the accepted interval of a bounded property, in driver units.
type Range struct {
	Min, Max, Step float64
}

func (r Range) contains(v float64) bool {
	return !math.IsNaN(v) && v >= r.Min && v <= r.Max
}

// Limits are the bounds queried from the camera. They depend on the current
// settings and are refreshed after every change.
type Limits struct {
	ExposureMS     Range
	LineIntervalUS Range
	WidthPX        Range
	HeightPX       Range
	OffsetXPX      Range
	OffsetYPX      Range
}

// Trigger is the trigger configuration by option name.
type Trigger struct {
	Mode     string `json:"mode"`
	Source   string `json:"source"`
	Polarity string `json:"polarity"`
	Active   string `json:"active"`
}

type options struct {
	triggerModes      devices.Options[int]
	triggerSources    devices.Options[int]
	triggerPolarities devices.Options[int]
	triggerActives    devices.Options[int]
	pixelTypes        devices.Options[int]
	binnings          devices.Options[int]
	sensorModes       devices.Options[int]
	readoutDirections devices.Options[int]
}

// Camera is one open camera.
type Camera struct {
	sdk    SDK
	h      Handle
	cfg    Config
	index  int
	opts   options
	limits Limits
	now    func() time.Time

	// acqMu guards the acquisition counters below. Status and the admin
	// routes read them from other goroutines.
	acqMu           sync.Mutex
	bufferFrames    int
	bufferIndex     int
	lastFrameNumber int
	maxBacklog      int
	latest          *Frame

	droppedFrames int
	preFrameTime  time.Time
	preFrameCount int
}

// Open initialises the SDK and opens the camera whose id string matches
// cfg.Serial once the "S/N: " prefix is removed.
func Open(sdk SDK, cfg Config) (*Camera, error) {
	if cfg.Name == "" {
		cfg.Name = "camera"
	}
	if err := sdk.Init(); err != nil {
		return nil, fmt.Errorf("camera %s: init: %w", cfg.Name, err)
	}
	index, err := find(sdk, cfg.Serial)
	if err != nil {
		sdk.Uninit()
		return nil, fmt.Errorf("camera %s: %w", cfg.Name, err)
	}
	h, err := sdk.Open(index)
	if err != nil {
		sdk.Uninit()
		return nil, fmt.Errorf("camera %s: open device %d: %w", cfg.Name, index, err)
	}
	c := &Camera{sdk: sdk, h: h, cfg: cfg, index: index, now: time.Now}
	if err := c.queryOptions(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.refreshLimits(); err != nil {
		c.Close()
		return nil, err
	}
	monitoring.Logf("camera %s: opened S/N %s (device %d)", cfg.Name, cfg.Serial, index)
	return c, nil
}

func find(sdk SDK, serial string) (int, error) {
	n, err := sdk.DeviceCount()
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		id, err := sdk.CameraID(i)
		if err != nil {
			return 0, err
		}
		if strings.TrimPrefix(id, "S/N: ") == serial {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: S/N %s among %d devices", ErrNotFound, serial, n)
}

// queryOptions enumerates the labelled values of each mode property.
func (c *Camera) queryOptions() error {
	var err error
	table := func(id PropertyID, kind string) devices.Options[int] {
		if err != nil {
			return devices.Options[int]{}
		}
		var attr Attr
		attr, err = c.h.Attr(id)
		if err != nil {
			err = fmt.Errorf("camera %s: %s options: %w", c.cfg.Name, kind, err)
			return devices.Options[int]{}
		}
		m := make(map[string]int)
		for v := int(attr.Min); v <= int(attr.Max); v++ {
			if text, ok := c.h.ValueText(id, float64(v)); ok {
				m[strings.ToLower(text)] = v
			}
		}
		return devices.NewOptions(kind, m)
	}
	c.opts = options{
		triggerModes:      table(PropTriggerMode, "trigger mode"),
		triggerSources:    table(PropTriggerSource, "trigger source"),
		triggerPolarities: table(PropTriggerPolarity, "trigger polarity"),
		triggerActives:    table(PropTriggerActive, "trigger active"),
		pixelTypes:        table(PropPixelType, "pixel type"),
		binnings:          table(PropBinning, "binning"),
		sensorModes:       table(PropSensorMode, "sensor mode"),
		readoutDirections: table(PropReadoutDirection, "readout direction"),
	}
	return err
}

func (c *Camera) refreshLimits() error {
	scaled := func(id PropertyID, scale float64) (Range, error) {
		a, err := c.h.Attr(id)
		if err != nil {
			return Range{}, fmt.Errorf("camera %s: property %#08x range: %w", c.cfg.Name, uint32(id), err)
		}
		return Range{Min: a.Min * scale, Max: a.Max * scale, Step: a.Step * scale}, nil
	}
	var l Limits
	var err error
	if l.ExposureMS, err = scaled(PropExposureTime, 1e3); err != nil {
		return err
	}
	if l.LineIntervalUS, err = scaled(PropLineInterval, 1e6); err != nil {
		return err
	}
	if l.WidthPX, err = scaled(PropImageWidth, 1); err != nil {
		return err
	}
	if l.HeightPX, err = scaled(PropImageHeight, 1); err != nil {
		return err
	}
	if l.OffsetXPX, err = scaled(PropSubarrayHPos, 1); err != nil {
		return err
	}
	if l.OffsetYPX, err = scaled(PropSubarrayVPos, 1); err != nil {
		return err
	}
	c.limits = l
	return nil
}

func (c *Camera) get(id PropertyID) (float64, error) {
	v, err := c.h.Value(id)
	if err != nil {
		return 0, fmt.Errorf("camera %s: get %#08x: %w", c.cfg.Name, uint32(id), err)
	}
	return v, nil
}

func (c *Camera) set(id PropertyID, v float64) error {
	if err := c.h.SetValue(id, v); err != nil {
		return fmt.Errorf("camera %s: set %#08x to %v: %w", c.cfg.Name, uint32(id), v, err)
	}
	return nil
}

func (c *Camera) getInt(id PropertyID) (int, error) {
	v, err := c.get(id)
	return int(v), err
}

func (c *Camera) getOption(id PropertyID, opts devices.Options[int], kind string) (string, error) {
	v, err := c.getInt(id)
	if err != nil {
		return "", err
	}
	name, ok := opts.Name(v)
	if !ok {
		return "", fmt.Errorf("camera %s: %s value %d has no label", c.cfg.Name, kind, v)
	}
	return name, nil
}

func (c *Camera) setOption(id PropertyID, opts devices.Options[int], name string) error {
	v, err := opts.Lookup(name)
	if err != nil {
		return err
	}
	if err := c.set(id, float64(v)); err != nil {
		return err
	}
	return c.refreshLimits()
}

// ID returns the configured serial number.
func (c *Camera) ID() string { return c.cfg.Serial }

// Limits returns the bounds read after the last change.
func (c *Camera) Limits() Limits { return c.limits }

// ExposureMS returns the exposure time in milliseconds.
func (c *Camera) ExposureMS() (float64, error) {
	s, err := c.get(PropExposureTime)
	return s * 1e3, err
}

// SetExposureMS sets the exposure time in milliseconds.
func (c *Camera) SetExposureMS(ms float64) error {
	if !c.limits.ExposureMS.contains(ms) {
		return devices.InvalidValuef("camera %s: exposure %v ms outside [%v, %v]", c.cfg.Name, ms, c.limits.ExposureMS.Min, c.limits.ExposureMS.Max)
	}
	if err := c.set(PropExposureTime, ms/1e3); err != nil {
		return err
	}
	monitoring.Logf("camera %s: exposure time set to %v ms", c.cfg.Name, ms)
	return c.refreshLimits()
}

// WidthPX returns the subarray width.
func (c *Camera) WidthPX() (int, error) { return c.getInt(PropSubarrayHSize) }

// HeightPX returns the subarray height.
func (c *Camera) HeightPX() (int, error) { return c.getInt(PropSubarrayVSize) }

// SetWidthPX sets the subarray width and centres it horizontally.
func (c *Camera) SetWidthPX(px int) error {
	return c.setCentred(PropSubarrayHPos, PropSubarrayHSize, c.limits.WidthPX, "width", px)
}

// SetHeightPX sets the subarray height and centres it vertically.
func (c *Camera) SetHeightPX(px int) error {
	return c.setCentred(PropSubarrayVPos, PropSubarrayVSize, c.limits.HeightPX, "height", px)
}

// setCentred resets the offset so any size is accepted, applies the size,
// then moves the subarray to the centre rounded to the size step.
func (c *Camera) setCentred(pos, size PropertyID, r Range, what string, px int) error {
	if !r.contains(float64(px)) {
		return devices.InvalidValuef("camera %s: %s %d px outside [%v, %v]", c.cfg.Name, what, px, r.Min, r.Max)
	}
	if err := c.set(pos, 0); err != nil {
		return err
	}
	if err := c.set(size, float64(px)); err != nil {
		return err
	}
	step := r.Step
	if step <= 0 {
		step = 1
	}
	offset := math.Round((r.Max/2-float64(px)/2)/step) * step
	if err := c.set(pos, offset); err != nil {
		return err
	}
	monitoring.Logf("camera %s: %s set to %d px", c.cfg.Name, what, px)
	return c.refreshLimits()
}

// OffsetXPX returns the subarray horizontal offset.
func (c *Camera) OffsetXPX() (int, error) { return c.getInt(PropSubarrayHPos) }

// OffsetYPX returns the subarray vertical offset.
func (c *Camera) OffsetYPX() (int, error) { return c.getInt(PropSubarrayVPos) }

// SetOffsetXPX moves the subarray horizontally.
func (c *Camera) SetOffsetXPX(px int) error {
	if !c.limits.OffsetXPX.contains(float64(px)) {
		return devices.InvalidValuef("camera %s: x offset %d px outside [%v, %v]", c.cfg.Name, px, c.limits.OffsetXPX.Min, c.limits.OffsetXPX.Max)
	}
	return c.set(PropSubarrayHPos, float64(px))
}

// SetOffsetYPX moves the subarray vertically.
func (c *Camera) SetOffsetYPX(px int) error {
	if !c.limits.OffsetYPX.contains(float64(px)) {
		return devices.InvalidValuef("camera %s: y offset %d px outside [%v, %v]", c.cfg.Name, px, c.limits.OffsetYPX.Min, c.limits.OffsetYPX.Max)
	}
	return c.set(PropSubarrayVPos, float64(px))
}

// PixelType returns the pixel type name, e.g. "mono16".
func (c *Camera) PixelType() (string, error) {
	return c.getOption(PropPixelType, c.opts.pixelTypes, "pixel type")
}

// SetPixelType selects the pixel type by name.
func (c *Camera) SetPixelType(name string) error {
	return c.setOption(PropPixelType, c.opts.pixelTypes, name)
}

// PixelTypes lists the pixel types the camera offers.
func (c *Camera) PixelTypes() []string { return c.opts.pixelTypes.Names() }

// LineIntervalUS returns the internal line interval in microseconds.
func (c *Camera) LineIntervalUS() (float64, error) {
	s, err := c.get(PropLineInterval)
	return s * 1e6, err
}

// SetLineIntervalUS sets the internal line interval in microseconds.
func (c *Camera) SetLineIntervalUS(us float64) error {
	if !c.limits.LineIntervalUS.contains(us) {
		return devices.InvalidValuef("camera %s: line interval %v us outside [%v, %v]", c.cfg.Name, us, c.limits.LineIntervalUS.Min, c.limits.LineIntervalUS.Max)
	}
	if err := c.set(PropLineInterval, us/1e6); err != nil {
		return err
	}
	return c.refreshLimits()
}

// FrameTimeMS estimates the time to acquire one frame. In light sheet mode
// every row is read in turn; otherwise the two sensor halves read out in
// parallel.
func (c *Camera) FrameTimeMS() (float64, error) {
	mode, err := c.SensorMode()
	if err != nil {
		return 0, err
	}
	lineUS, err := c.LineIntervalUS()
	if err != nil {
		return 0, err
	}
	height, err := c.HeightPX()
	if err != nil {
		return 0, err
	}
	exposure, err := c.ExposureMS()
	if err != nil {
		return 0, err
	}
	rows := float64(height)
	if !strings.Contains(mode, "light sheet") {
		rows /= 2
	}
	return lineUS*rows/1000 + exposure, nil
}

// Trigger returns the trigger configuration.
func (c *Camera) Trigger() (Trigger, error) {
	var t Trigger
	var err error
	if t.Mode, err = c.getOption(PropTriggerMode, c.opts.triggerModes, "trigger mode"); err != nil {
		return t, err
	}
	if t.Source, err = c.getOption(PropTriggerSource, c.opts.triggerSources, "trigger source"); err != nil {
		return t, err
	}
	if t.Polarity, err = c.getOption(PropTriggerPolarity, c.opts.triggerPolarities, "trigger polarity"); err != nil {
		return t, err
	}
	if t.Active, err = c.getOption(PropTriggerActive, c.opts.triggerActives, "trigger active"); err != nil {
		return t, err
	}
	return t, nil
}

// SetTrigger validates all four fields before writing any of them.
func (c *Camera) SetTrigger(t Trigger) error {
	mode, err := c.opts.triggerModes.Lookup(t.Mode)
	if err != nil {
		return err
	}
	source, err := c.opts.triggerSources.Lookup(t.Source)
	if err != nil {
		return err
	}
	polarity, err := c.opts.triggerPolarities.Lookup(t.Polarity)
	if err != nil {
		return err
	}
	active, err := c.opts.triggerActives.Lookup(t.Active)
	if err != nil {
		return err
	}
	for _, p := range []struct {
		id PropertyID
		v  int
	}{
		{PropTriggerMode, mode},
		{PropTriggerSource, source},
		{PropTriggerPolarity, polarity},
		{PropTriggerActive, active},
	} {
		if err := c.set(p.id, float64(p.v)); err != nil {
			return err
		}
	}
	monitoring.Logf("camera %s: trigger mode %s source %s polarity %s active %s", c.cfg.Name, t.Mode, t.Source, t.Polarity, t.Active)
	return c.refreshLimits()
}

// Binning returns the binning factor (1, 2, 4...).
func (c *Camera) Binning() (int, error) { return c.getInt(PropBinning) }

// SetBinning selects the binning by name ("2x2") or factor ("2").
func (c *Camera) SetBinning(name string) error {
	if _, err := c.opts.binnings.Lookup(name); err != nil {
		name = strings.ToLower(name) + "x" + strings.ToLower(name)
	}
	return c.setOption(PropBinning, c.opts.binnings, name)
}

// Binnings lists the binning names the camera offers.
func (c *Camera) Binnings() []string { return c.opts.binnings.Names() }

// SensorMode returns the sensor mode name, e.g. "area".
func (c *Camera) SensorMode() (string, error) {
	return c.getOption(PropSensorMode, c.opts.sensorModes, "sensor mode")
}

// SetSensorMode selects the sensor mode by name.
func (c *Camera) SetSensorMode(name string) error {
	return c.setOption(PropSensorMode, c.opts.sensorModes, name)
}

// SensorModes lists the sensor modes the camera offers.
func (c *Camera) SensorModes() []string { return c.opts.sensorModes.Names() }

// ReadoutDirection returns the readout direction name.
func (c *Camera) ReadoutDirection() (string, error) {
	return c.getOption(PropReadoutDirection, c.opts.readoutDirections, "readout direction")
}

// SetReadoutDirection selects the readout direction by name.
func (c *Camera) SetReadoutDirection(name string) error {
	return c.setOption(PropReadoutDirection, c.opts.readoutDirections, name)
}

// SensorTemperatureC returns the sensor temperature.
func (c *Camera) SensorTemperatureC() (float64, error) {
	return c.get(PropSensorTemperature)
}

// LogMetadata logs every property the camera exposes with its value.
func (c *Camera) LogMetadata() {
	monitoring.Logf("camera %s: parameters", c.cfg.Name)
	for id, ok := c.h.NextPropertyID(0); ok; id, ok = c.h.NextPropertyID(id) {
		name, err := c.h.PropertyName(id)
		if err != nil {
			name = fmt.Sprintf("%#08x", uint32(id))
		}
		v, err := c.h.Value(id)
		if err != nil {
			monitoring.Warnf("camera %s: %s: %v", c.cfg.Name, name, err)
			continue
		}
		monitoring.Logf("camera %s: %s, %v", c.cfg.Name, name, v)
	}
}

// Status reports the main acquisition settings.
func (c *Camera) Status() (map[string]any, error) {
	exposure, err := c.ExposureMS()
	if err != nil {
		return nil, err
	}
	width, err := c.WidthPX()
	if err != nil {
		return nil, err
	}
	height, err := c.HeightPX()
	if err != nil {
		return nil, err
	}
	pixelType, err := c.PixelType()
	if err != nil {
		return nil, err
	}
	mode, err := c.SensorMode()
	if err != nil {
		return nil, err
	}
	trigger, err := c.Trigger()
	if err != nil {
		return nil, err
	}
	temperature, err := c.SensorTemperatureC()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                   c.cfg.Serial,
		"exposure_ms":          exposure,
		"width_px":             width,
		"height_px":            height,
		"pixel_type":           pixelType,
		"sensor_mode":          mode,
		"trigger":              trigger,
		"sensor_temperature_c": temperature,
		"buffer_frames":        c.BufferFrames(),
	}, nil
}

// Close closes the device and releases the SDK.
func (c *Camera) Close() error {
	if c.h == nil {
		return nil
	}
	c.acqMu.Lock()
	c.resetCounters()
	c.acqMu.Unlock()
	err := c.h.Close()
	c.h = nil
	return errors.Join(err, c.sdk.Uninit())
}

var (
	_ devices.Device   = (*Camera)(nil)
	_ devices.Statuser = (*Camera)(nil)
)
