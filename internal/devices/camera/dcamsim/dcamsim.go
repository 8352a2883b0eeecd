// Package dcamsim is an in-memory DCAM SDK with ORCA-Flash-like property
// tables. Frames appear when Advance is called (or on each wait when
// FramesPerWait is set) and every pixel of a frame holds its frame number.
package dcamsim

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/lightsheet/internal/devices/camera"
)

var (
	ErrNotInitialised = errors.New("dcamsim: api not initialised")
	ErrNoProperty     = errors.New("dcamsim: no such property")
	ErrReadOnly       = errors.New("dcamsim: property is read only")
	ErrOutOfRange     = errors.New("dcamsim: value out of range")
	ErrBusy           = errors.New("dcamsim: capture in progress")
	ErrNoBuffer       = errors.New("dcamsim: no buffer allocated")
	ErrClosed         = errors.New("dcamsim: device closed")
)

type property struct {
	name     string
	value    float64
	attr     camera.Attr
	readOnly bool
	texts    map[int]string
}

// SDK simulates the DCAM API with a fixed set of cameras.
type SDK struct {
	mu          sync.Mutex
	cameras     []*Camera
	initialised bool
	// InitCalls and UninitCalls count API lifecycle calls.
	InitCalls   int
	UninitCalls int
}

// New returns an SDK exposing one camera per serial number.
func New(serials ...string) *SDK {
	s := &SDK{}
	for _, sn := range serials {
		s.cameras = append(s.cameras, NewCamera(sn))
	}
	return s
}

// Camera returns the simulated camera at index i.
func (s *SDK) Camera(i int) *Camera { return s.cameras[i] }

func (s *SDK) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialised = true
	s.InitCalls++
	return nil
}

func (s *SDK) Uninit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialised = false
	s.UninitCalls++
	return nil
}

func (s *SDK) DeviceCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised {
		return 0, ErrNotInitialised
	}
	return len(s.cameras), nil
}

func (s *SDK) CameraID(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised {
		return "", ErrNotInitialised
	}
	if index < 0 || index >= len(s.cameras) {
		return "", fmt.Errorf("dcamsim: device %d out of range", index)
	}
	return "S/N: " + s.cameras[index].Serial, nil
}

func (s *SDK) Open(index int) (camera.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised {
		return nil, ErrNotInitialised
	}
	if index < 0 || index >= len(s.cameras) {
		return nil, fmt.Errorf("dcamsim: device %d out of range", index)
	}
	c := s.cameras[index]
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return c, nil
}

// Camera is one simulated device. It implements camera.Handle.
type Camera struct {
	mu     sync.Mutex
	Serial string
	props  map[camera.PropertyID]*property

	open       bool
	capturing  bool
	buffer     int
	frameCount int
	waited     int

	// FramesPerWait frames are captured on each WaitFrameReady call while
	// capturing.
	FramesPerWait int
	// Sets records every successful SetValue.
	Sets []Set
}

// Set is one recorded property write.
type Set struct {
	ID    camera.PropertyID
	Value float64
}

// NewCamera returns a 2048x2048 camera in area mode with 16-bit pixels and
// internal triggering.
func NewCamera(serial string) *Camera {
	c := &Camera{Serial: serial, props: make(map[camera.PropertyID]*property)}
	mode := func(id camera.PropertyID, name string, value int, texts map[int]string) {
		keys := make([]int, 0, len(texts))
		for k := range texts {
			keys = append(keys, k)
		}
		c.props[id] = &property{
			name:  name,
			value: float64(value),
			attr:  camera.Attr{Min: float64(slices.Min(keys)), Max: float64(slices.Max(keys)), Step: 1},
			texts: texts,
		}
	}
	number := func(id camera.PropertyID, name string, value float64, attr camera.Attr, readOnly bool) {
		c.props[id] = &property{name: name, value: value, attr: attr, readOnly: readOnly}
	}

	number(camera.PropExposureTime, "EXPOSURE TIME", 0.01, camera.Attr{Min: 1e-5, Max: 10, Step: 1e-6}, false)
	number(camera.PropLineInterval, "INTERNAL LINE INTERVAL", 1e-5, camera.Attr{Min: 5e-6, Max: 0.1, Step: 1e-7}, false)
	number(camera.PropImageWidth, "IMAGE WIDTH", 2048, camera.Attr{Min: 4, Max: 2048, Step: 4}, true)
	number(camera.PropImageHeight, "IMAGE HEIGHT", 2048, camera.Attr{Min: 4, Max: 2048, Step: 4}, true)
	number(camera.PropSubarrayHPos, "SUBARRAY HPOS", 0, camera.Attr{Min: 0, Max: 2044, Step: 4}, false)
	number(camera.PropSubarrayHSize, "SUBARRAY HSIZE", 2048, camera.Attr{Min: 4, Max: 2048, Step: 4}, false)
	number(camera.PropSubarrayVPos, "SUBARRAY VPOS", 0, camera.Attr{Min: 0, Max: 2044, Step: 4}, false)
	number(camera.PropSubarrayVSize, "SUBARRAY VSIZE", 2048, camera.Attr{Min: 4, Max: 2048, Step: 4}, false)
	number(camera.PropSensorTemperature, "SENSOR TEMPERATURE", -10, camera.Attr{Min: -50, Max: 50, Step: 0.1}, true)

	mode(camera.PropSensorMode, "SENSOR MODE", 1, map[int]string{1: "AREA", 12: "LIGHT SHEET"})
	mode(camera.PropBinning, "BINNING", 1, map[int]string{1: "1X1", 2: "2X2", 4: "4X4"})
	mode(camera.PropReadoutDirection, "READOUT DIRECTION", 1, map[int]string{1: "FORWARD", 2: "BACKWARD", 3: "BY TRIGGER", 5: "DIVERGE"})
	mode(camera.PropTriggerActive, "TRIGGER ACTIVE", 1, map[int]string{1: "EDGE", 2: "LEVEL", 3: "SYNCREADOUT"})
	mode(camera.PropTriggerMode, "TRIGGER MODE", 1, map[int]string{1: "NORMAL", 6: "START"})
	mode(camera.PropTriggerPolarity, "TRIGGER POLARITY", 1, map[int]string{1: "NEGATIVE", 2: "POSITIVE"})
	mode(camera.PropTriggerSource, "TRIGGER SOURCE", 1, map[int]string{1: "INTERNAL", 2: "EXTERNAL", 3: "SOFTWARE", 4: "MASTER PULSE"})
	mode(camera.PropSubarrayMode, "SUBARRAY MODE", camera.SubarrayOff, map[int]string{1: "OFF", 2: "ON"})
	mode(camera.PropPixelType, "IMAGE PIXEL TYPE", 2, map[int]string{1: "MONO8", 2: "MONO16", 3: "MONO12"})
	return c
}

func (c *Camera) prop(id camera.PropertyID) (*property, error) {
	if !c.open {
		return nil, ErrClosed
	}
	p, ok := c.props[id]
	if !ok {
		return nil, fmt.Errorf("%w: %#08x", ErrNoProperty, uint32(id))
	}
	return p, nil
}

func (c *Camera) Value(id camera.PropertyID) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.prop(id)
	if err != nil {
		return 0, err
	}
	return p.value, nil
}

func (c *Camera) SetValue(id camera.PropertyID, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.prop(id)
	if err != nil {
		return err
	}
	if p.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, p.name)
	}
	if c.capturing {
		return ErrBusy
	}
	if v < p.attr.Min || v > p.attr.Max {
		return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
	}
	if p.texts != nil {
		if _, ok := p.texts[int(v)]; !ok {
			return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
		}
	}
	switch id {
	case camera.PropSubarrayHPos:
		if v+c.props[camera.PropSubarrayHSize].value > 2048 {
			return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
		}
	case camera.PropSubarrayHSize:
		if v+c.props[camera.PropSubarrayHPos].value > 2048 {
			return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
		}
	case camera.PropSubarrayVPos:
		if v+c.props[camera.PropSubarrayVSize].value > 2048 {
			return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
		}
	case camera.PropSubarrayVSize:
		if v+c.props[camera.PropSubarrayVPos].value > 2048 {
			return fmt.Errorf("%w: %s = %v", ErrOutOfRange, p.name, v)
		}
	}
	p.value = v
	c.Sets = append(c.Sets, Set{ID: id, Value: v})
	c.updateImageSize()
	return nil
}

func (c *Camera) updateImageSize() {
	bin := math.Max(c.props[camera.PropBinning].value, 1)
	c.props[camera.PropImageWidth].value = math.Floor(c.props[camera.PropSubarrayHSize].value / bin)
	c.props[camera.PropImageHeight].value = math.Floor(c.props[camera.PropSubarrayVSize].value / bin)
}

func (c *Camera) Attr(id camera.PropertyID) (camera.Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.prop(id)
	if err != nil {
		return camera.Attr{}, err
	}
	return p.attr, nil
}

func (c *Camera) ValueText(id camera.PropertyID, v float64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.prop(id)
	if err != nil || p.texts == nil {
		return "", false
	}
	text, ok := p.texts[int(v)]
	return text, ok
}

func (c *Camera) ids() []camera.PropertyID {
	ids := make([]camera.PropertyID, 0, len(c.props))
	for id := range c.props {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Camera) NextPropertyID(id camera.PropertyID) (camera.PropertyID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, next := range c.ids() {
		if next > id {
			return next, true
		}
	}
	return 0, false
}

func (c *Camera) PropertyName(id camera.PropertyID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.prop(id)
	if err != nil {
		return "", err
	}
	return p.name, nil
}

func (c *Camera) AllocBuffer(frames int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrClosed
	}
	if c.capturing {
		return ErrBusy
	}
	if frames < 1 {
		return fmt.Errorf("%w: %d frames", ErrOutOfRange, frames)
	}
	c.buffer = frames
	return nil
}

func (c *Camera) ReleaseBuffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		return ErrBusy
	}
	c.buffer = 0
	return nil
}

func (c *Camera) StartCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrClosed
	}
	if c.buffer == 0 {
		return ErrNoBuffer
	}
	c.capturing = true
	c.frameCount = 0
	c.waited = 0
	return nil
}

func (c *Camera) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
	return nil
}

func (c *Camera) CaptureStatus() (camera.CaptureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.open:
		return camera.StatusError, ErrClosed
	case c.capturing:
		return camera.StatusBusy, nil
	case c.buffer > 0:
		return camera.StatusReady, nil
	}
	return camera.StatusStable, nil
}

// Advance captures n frames.
func (c *Camera) Advance(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		c.frameCount += n
	}
}

// Capturing reports whether a capture is running.
func (c *Camera) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// BufferFrames returns the allocated ring length.
func (c *Camera) BufferFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

// WaitFrameReady reports whether frames arrived since the previous wait.
// It never sleeps.
func (c *Camera) WaitFrameReady(time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false, ErrClosed
	}
	if c.capturing {
		c.frameCount += c.FramesPerWait
	}
	ready := c.frameCount > c.waited
	c.waited = c.frameCount
	return ready, nil
}

func (c *Camera) TransferInfo() (camera.TransferInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == 0 {
		return camera.TransferInfo{NewestFrameIndex: -1}, ErrNoBuffer
	}
	return camera.TransferInfo{NewestFrameIndex: (c.frameCount - 1) % c.buffer, FrameCount: c.frameCount}, nil
}

// frame builds the content of ring slot index: the newest frame number n
// with n % buffer == index.
func (c *Camera) frame(index int) (camera.Frame, error) {
	if c.buffer == 0 {
		return camera.Frame{}, ErrNoBuffer
	}
	if index < 0 || index >= c.buffer || index >= c.frameCount {
		return camera.Frame{}, fmt.Errorf("%w: frame slot %d", ErrOutOfRange, index)
	}
	n := index + (c.frameCount-1-index)/c.buffer*c.buffer
	w := int(c.props[camera.PropImageWidth].value)
	h := int(c.props[camera.PropImageHeight].value)
	pixels := make([]uint16, w*h)
	for i := range pixels {
		pixels[i] = uint16(n)
	}
	return camera.Frame{Index: index, Width: w, Height: h, Pixels: pixels}, nil
}

func (c *Camera) FrameData(index int) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame(index)
}

func (c *Camera) LastFrameData() (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == 0 {
		return camera.Frame{}, ErrNoBuffer
	}
	return c.frame((c.frameCount - 1) % c.buffer)
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.capturing = false
	c.buffer = 0
	return nil
}

var _ camera.Handle = (*Camera)(nil)
var _ camera.SDK = (*SDK)(nil)
