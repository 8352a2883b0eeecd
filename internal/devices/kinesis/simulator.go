package kinesis

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var ErrUnknownDevice = errors.New("kinesis: unknown device")

// SimDevice is the state of one simulated controller.
type SimDevice struct {
	Open     bool
	Polling  bool
	Homed    bool
	Units    int
	Target   int
	Reported int
	Moves    int
}

// SimLibrary is an in-memory Library. Moves complete instantly; Position
// returns the value captured by the last RequestPosition.
type SimLibrary struct {
	mu      sync.Mutex
	devices map[string]*SimDevice
	// ListErr is returned by BuildDeviceList when set.
	ListErr error
}

// NewSimLibrary returns a library with one device per serial number.
func NewSimLibrary(serials ...string) *SimLibrary {
	l := &SimLibrary{devices: make(map[string]*SimDevice)}
	for _, sn := range serials {
		l.devices[sn] = &SimDevice{Units: 12345}
	}
	return l
}

// Device returns a copy of the device state.
func (l *SimLibrary) Device(serial string) SimDevice {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.devices[serial]; ok {
		return *d
	}
	return SimDevice{}
}

func (l *SimLibrary) device(serial string, mustOpen bool) (*SimDevice, error) {
	d, ok := l.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if mustOpen && !d.Open {
		return nil, fmt.Errorf("kinesis: device %s not open", serial)
	}
	return d, nil
}

func (l *SimLibrary) BuildDeviceList() error { return l.ListErr }

func (l *SimLibrary) Open(serial string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.device(serial, false)
	if err != nil {
		return err
	}
	d.Open = true
	return nil
}

func (l *SimLibrary) StartPolling(serial string, _ time.Duration) error {
	return l.update(serial, func(d *SimDevice) { d.Polling = true })
}

func (l *SimLibrary) StopPolling(serial string) error {
	return l.update(serial, func(d *SimDevice) { d.Polling = false })
}

func (l *SimLibrary) Home(serial string) error {
	return l.update(serial, func(d *SimDevice) {
		d.Homed = true
		d.Units = 0
	})
}

func (l *SimLibrary) RequestPosition(serial string) error {
	return l.update(serial, func(d *SimDevice) { d.Reported = d.Units })
}

func (l *SimLibrary) Position(serial string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.device(serial, true)
	if err != nil {
		return 0, err
	}
	return d.Reported, nil
}

func (l *SimLibrary) DeviceUnitFromReal(serial string, mm float64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.device(serial, true); err != nil {
		return 0, err
	}
	return int(math.Round(mm / MMPerUnit)), nil
}

func (l *SimLibrary) SetMoveAbsolutePosition(serial string, units int) error {
	return l.update(serial, func(d *SimDevice) { d.Target = units })
}

func (l *SimLibrary) MoveAbsolute(serial string) error {
	return l.update(serial, func(d *SimDevice) {
		d.Units = d.Target
		d.Moves++
	})
}

func (l *SimLibrary) Close(serial string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.device(serial, false)
	if err != nil {
		return err
	}
	d.Open = false
	d.Polling = false
	return nil
}

func (l *SimLibrary) update(serial string, fn func(*SimDevice)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.device(serial, true)
	if err != nil {
		return err
	}
	fn(d)
	return nil
}

var _ Library = (*SimLibrary)(nil)
