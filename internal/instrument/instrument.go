// Package instrument builds the device drivers named in an instrument file and
// owns them for the life of the process. It does not coordinate devices:
// callers drive each device through its own driver.
package instrument

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/lightsheet/internal/config"
	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/devices/camera"
	"github.com/banshee-data/lightsheet/internal/devices/camera/dcamsim"
	"github.com/banshee-data/lightsheet/internal/devices/filterwheel"
	"github.com/banshee-data/lightsheet/internal/devices/kinesis"
	"github.com/banshee-data/lightsheet/internal/devices/laser"
	"github.com/banshee-data/lightsheet/internal/devices/stage"
	"github.com/banshee-data/lightsheet/internal/devices/tunablelens"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

// Device kinds, as reported by Kind and used in metrics and journal labels.
const (
	KindTunableLens = "tunable_lens"
	KindFilterWheel = "filter_wheel"
	KindStage       = "stage"
	KindLaser       = "laser"
	KindCamera      = "camera"
	KindKinesis     = "kinesis"
)

// ErrUnknownDevice is returned for a name the instrument file does not list.
var ErrUnknownDevice = errors.New("unknown device")

// Lifecycle receives device open and close notifications.
type Lifecycle interface {
	DeviceOpened(name, kind, id string)
	DeviceClosed(name, kind string, err error)
}

// Options controls how Build reaches the hardware.
type Options struct {
	// Opener opens serial ports; serialport.Open when nil. Ignored in dev
	// mode.
	Opener serialport.Opener
	// Dev replaces every device with its simulator.
	Dev bool
	// Observers are attached to every serial connection.
	Observers []serialport.Observer
	// CameraSDK backs configured cameras. Required outside dev mode when
	// cameras are configured.
	CameraSDK camera.SDK
	// Kinesis backs configured KDC101 motors. Required outside dev mode
	// when motors are configured.
	Kinesis kinesis.Library
	// Lifecycles are told about every device opened and closed.
	Lifecycles []Lifecycle
}

type entry struct {
	kind   string
	device devices.Device
}

// Instrument is the set of open devices of one microscope.
type Instrument struct {
	name string

	mu          sync.Mutex
	devices     map[string]entry
	controllers []*stage.Controller
	lifecycles  []Lifecycle
	closed      bool
}

// Build opens every device in cfg. On failure the devices already opened
// are closed again and the first error is returned.
func Build(cfg *config.Instrument, opts Options) (*Instrument, error) {
	in := &Instrument{
		name:       cfg.Name,
		devices:    make(map[string]entry),
		lifecycles: opts.Lifecycles,
	}
	b := &builder{in: in, opts: opts}
	if err := b.build(cfg); err != nil {
		if cerr := in.Close(); cerr != nil {
			monitoring.Warnf("instrument %s: close after failed build: %v", cfg.Name, cerr)
		}
		return nil, err
	}
	monitoring.Logf("instrument %s: %d devices open", cfg.Name, len(in.devices))
	return in, nil
}

// Name returns the instrument name.
func (in *Instrument) Name() string { return in.name }

// Names returns the device names in sorted order.
func (in *Instrument) Names() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	names := make([]string, 0, len(in.devices))
	for name := range in.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device returns the named device.
func (in *Instrument) Device(name string) (devices.Device, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return e.device, nil
}

// Kind returns the kind of the named device.
func (in *Instrument) Kind(name string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.devices[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return e.kind, nil
}

// Lens returns the named tunable lens.
func (in *Instrument) Lens(name string) (*tunablelens.Lens, error) {
	return deviceAs[*tunablelens.Lens](in, name, KindTunableLens)
}

// FilterWheel returns the named filter wheel.
func (in *Instrument) FilterWheel(name string) (*filterwheel.Wheel, error) {
	return deviceAs[*filterwheel.Wheel](in, name, KindFilterWheel)
}

// Stage returns the named stage axis.
func (in *Instrument) Stage(name string) (*stage.Stage, error) {
	return deviceAs[*stage.Stage](in, name, KindStage)
}

// Laser returns the named laser line.
func (in *Instrument) Laser(name string) (*laser.Laser, error) {
	return deviceAs[*laser.Laser](in, name, KindLaser)
}

// Camera returns the named camera.
func (in *Instrument) Camera(name string) (*camera.Camera, error) {
	return deviceAs[*camera.Camera](in, name, KindCamera)
}

// Kinesis returns the named KDC101 motor.
func (in *Instrument) Kinesis(name string) (*kinesis.Controller, error) {
	return deviceAs[*kinesis.Controller](in, name, KindKinesis)
}

func deviceAs[T devices.Device](in *Instrument, name, kind string) (T, error) {
	var zero T
	d, err := in.Device(name)
	if err != nil {
		return zero, err
	}
	t, ok := d.(T)
	if !ok {
		return zero, fmt.Errorf("device %q is not a %s", name, kind)
	}
	return t, nil
}

// Close closes every device and stage controller and joins their errors.
// Laser lines sharing a port close the connection once. Close is
// idempotent.
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true

	names := make([]string, 0, len(in.devices))
	for name := range in.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		e := in.devices[name]
		err := e.device.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		for _, l := range in.lifecycles {
			l.DeviceClosed(name, e.kind, err)
		}
	}
	for _, c := range in.controllers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (in *Instrument) add(name, kind string, d devices.Device) {
	in.mu.Lock()
	in.devices[name] = entry{kind: kind, device: d}
	in.mu.Unlock()
	monitoring.Logf("instrument %s: opened %s %q (%s)", in.name, kind, name, d.ID())
	for _, l := range in.lifecycles {
		l.DeviceOpened(name, kind, d.ID())
	}
}

type builder struct {
	in   *Instrument
	opts Options
}

func (b *builder) build(cfg *config.Instrument) error {
	steps := []func(*config.Instrument) error{
		b.lenses,
		b.wheels,
		b.stages,
		b.lasers,
		b.cameras,
		b.motors,
	}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}

// opener returns the port opener for one device. In dev mode every device
// gets its own simulated port answered by sim.
func (b *builder) opener(sim serialport.Responder) serialport.Opener {
	if b.opts.Dev {
		return func(string, serialport.PortOptions) (serialport.SerialPorter, error) {
			return serialport.NewSimulatedPort(sim), nil
		}
	}
	if b.opts.Opener != nil {
		return b.opts.Opener
	}
	return serialport.Open
}

func (b *builder) lenses(cfg *config.Instrument) error {
	for _, d := range cfg.TunableLenses {
		sn := d.SerialNumber
		if sn == "" {
			sn = "SIM-" + d.Name
		}
		drv := d.Driver()
		if b.opts.Dev {
			// Simulated moves complete immediately.
			drv.Settle = -1
		}
		lens, err := tunablelens.Open(drv, b.opener(tunablelens.NewSimulator(sn)), b.opts.Observers...)
		if err != nil {
			return err
		}
		b.in.add(d.Name, KindTunableLens, lens)
	}
	return nil
}

func (b *builder) wheels(cfg *config.Instrument) error {
	for _, d := range cfg.FilterWheels {
		sim := filterwheel.NewSimulator()
		if d.Positions > 0 {
			sim.Positions = d.Positions
		}
		drv := d.Driver()
		if b.opts.Dev {
			drv.Settle = -1
		}
		w, err := filterwheel.Open(drv, b.opener(sim), b.opts.Observers...)
		if err != nil {
			return err
		}
		b.in.add(d.Name, KindFilterWheel, w)
	}
	return nil
}

func (b *builder) stages(cfg *config.Instrument) error {
	for _, g := range cfg.Stages {
		ctrlCfg := g.Controller()
		ctrl, err := stage.OpenController(ctrlCfg, b.opener(stage.NewSimulator(ctrlCfg.Axes...)), b.opts.Observers...)
		if err != nil {
			return err
		}
		b.in.mu.Lock()
		b.in.controllers = append(b.in.controllers, ctrl)
		b.in.mu.Unlock()
		for _, a := range g.Axes {
			s, err := stage.NewStage(ctrl, a.HardwareAxis, a.InstrumentAxis)
			if err != nil {
				return fmt.Errorf("stage %s: %w", a.Name, err)
			}
			b.in.add(a.Name, KindStage, s)
		}
	}
	return nil
}

// lineObserver labels transactions on a shared laser port with the line
// whose prefix starts the request, so they join with that line's lifecycle
// events. Head commands such as "sn?" keep the port's joined label.
type lineObserver struct {
	lines     map[string]string
	observers []serialport.Observer
}

func (o lineObserver) ObserveTransaction(tx serialport.Transaction) {
	if len(tx.Request) > 0 {
		if name, ok := o.lines[string(tx.Request[:1])]; ok {
			tx.Device = name
		}
	}
	for _, obs := range o.observers {
		obs.ObserveTransaction(tx)
	}
}

// lasers opens one connection per port; every line on that port shares it.
func (b *builder) lasers(cfg *config.Instrument) error {
	var ports []string
	byPort := make(map[string][]config.Laser)
	for _, d := range cfg.Lasers {
		if _, ok := byPort[d.Port]; !ok {
			ports = append(ports, d.Port)
		}
		byPort[d.Port] = append(byPort[d.Port], d)
	}

	for _, port := range ports {
		lines := byPort[port]
		names := make([]string, len(lines))
		for i, d := range lines {
			names[i] = d.Name
		}
		first := lines[0].Driver()
		open := b.opener(laser.NewSimulator("SIM-" + strings.Join(names, "+")))
		p, err := open(port, first.Serial.WithBaudRate(laser.BaudRate))
		if err != nil {
			return fmt.Errorf("laser %s: %w", first.Name, err)
		}
		relabel := lineObserver{lines: make(map[string]string, len(lines)), observers: b.opts.Observers}
		for _, d := range lines {
			relabel.lines[d.Driver().Prefix] = d.Name
		}
		conn := serialport.NewConn(strings.Join(names, "+"), p, relabel)

		opened := 0
		for _, d := range lines {
			l, err := laser.New(conn, d.Driver())
			if err != nil {
				if opened == 0 {
					conn.Close()
				}
				return err
			}
			b.in.add(d.Name, KindLaser, l)
			opened++
		}
	}
	return nil
}

func (b *builder) cameras(cfg *config.Instrument) error {
	for _, d := range cfg.Cameras {
		sdk := b.opts.CameraSDK
		if b.opts.Dev {
			sdk = dcamsim.New(d.SerialNumber)
		}
		if sdk == nil {
			return fmt.Errorf("camera %s: no DCAM SDK available", d.Name)
		}
		c, err := camera.Open(sdk, d.Driver())
		if err != nil {
			return err
		}
		b.in.add(d.Name, KindCamera, c)
	}
	return nil
}

func (b *builder) motors(cfg *config.Instrument) error {
	if len(cfg.Kinesis) == 0 {
		return nil
	}
	lib := b.opts.Kinesis
	if b.opts.Dev {
		serials := make([]string, 0, len(cfg.Kinesis))
		for _, d := range cfg.Kinesis {
			serials = append(serials, d.SerialNumber)
		}
		lib = kinesis.NewSimLibrary(serials...)
	}
	if lib == nil {
		return fmt.Errorf("kinesis %s: no Kinesis library available", cfg.Kinesis[0].Name)
	}
	for _, d := range cfg.Kinesis {
		drv := d.Driver()
		if b.opts.Dev {
			// Simulated homing completes immediately.
			drv.HomeWait = -1
		}
		m, err := kinesis.New(lib, drv)
		if err != nil {
			return err
		}
		b.in.add(d.Name, KindKinesis, m)
	}
	return nil
}
