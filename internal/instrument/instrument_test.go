package instrument

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightsheet/internal/config"
	"github.com/banshee-data/lightsheet/internal/devices/filterwheel"
	"github.com/banshee-data/lightsheet/internal/devices/kinesis"
	"github.com/banshee-data/lightsheet/internal/devices/tunablelens"
	"github.com/banshee-data/lightsheet/internal/serialport"
	"github.com/banshee-data/lightsheet/internal/testutil"
)

const benchYAML = `
name: bench-1
tunable_lenses:
  - {name: etl, port: /dev/ttyUSB0, handshake: true, serial_number: EL123456}
filter_wheels:
  - name: emission
    port: /dev/ttyUSB1
    filters: {BP405: 1, BP488: 2}
stages:
  - name: ms2000
    port: /dev/ttyUSB2
    motor_axes: [X, Y, Z]
    axes:
      - {name: sample-x, hardware_axis: X, instrument_axis: x}
      - {name: sample-z, hardware_axis: -Z, instrument_axis: z}
lasers:
  - {name: laser-488, port: /dev/ttyUSB3, prefix: "1", max_power_mw: 50, coefficients: [0, 1]}
  - {name: laser-561, port: /dev/ttyUSB3, prefix: "2", max_power_mw: 50, coefficients: [0, 1]}
cameras:
  - {name: camera, serial_number: "302482"}
kinesis:
  - {name: focus, serial_number: "27268443", home_wait: 10s}
`

func parseBench(t *testing.T, body string) *config.Instrument {
	t.Helper()
	cfg, err := config.Parse([]byte(body), "yaml")
	require.NoError(t, err)
	return cfg
}

type recordedEvent struct {
	name, kind, event string
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *lifecycleRecorder) DeviceOpened(name, kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name, kind, "open"})
}

func (r *lifecycleRecorder) DeviceClosed(name, kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event := "close"
	if err != nil {
		event = "error"
	}
	r.events = append(r.events, recordedEvent{name, kind, event})
}

func (r *lifecycleRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func buildDev(t *testing.T, opts Options) *Instrument {
	t.Helper()
	opts.Dev = true
	in, err := Build(parseBench(t, benchYAML), opts)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })
	return in
}

func TestBuild_Dev(t *testing.T) {
	rec := &lifecycleRecorder{}
	in := buildDev(t, Options{Lifecycles: []Lifecycle{rec}})

	assert.Equal(t, "bench-1", in.Name())
	assert.Equal(t, []string{"camera", "emission", "etl", "focus", "laser-488", "laser-561", "sample-x", "sample-z"}, in.Names())
	assert.Equal(t, 8, rec.count("open"))

	lens, err := in.Lens("etl")
	require.NoError(t, err)
	assert.Equal(t, "EL123456", lens.ID())

	wheel, err := in.FilterWheel("emission")
	require.NoError(t, err)
	assert.Equal(t, "BP405", wheel.Filter())
	require.NoError(t, wheel.SetFilter("BP488"))

	z, err := in.Stage("sample-z")
	require.NoError(t, err)
	assert.Equal(t, "Z", z.HardwareAxis())
	require.NoError(t, z.MoveAbsoluteMM(context.Background(), 1.5, true))
	pos, err := z.PositionMM()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, pos, 1e-3)

	l488, err := in.Laser("laser-488")
	require.NoError(t, err)
	l561, err := in.Laser("laser-561")
	require.NoError(t, err)
	assert.Equal(t, l488.ID(), l561.ID(), "lines on one port share a head")

	cam, err := in.Camera("camera")
	require.NoError(t, err)
	assert.Equal(t, "302482", cam.ID())

	motor, err := in.Kinesis("focus")
	require.NoError(t, err)
	assert.Equal(t, "27268443", motor.ID())

	kind, err := in.Kind("etl")
	require.NoError(t, err)
	assert.Equal(t, KindTunableLens, kind)
}

func TestInstrument_LookupErrors(t *testing.T) {
	in := buildDev(t, Options{})

	_, err := in.Device("nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = in.Kind("nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = in.Laser("etl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a laser")
}

func TestInstrument_Close(t *testing.T) {
	rec := &lifecycleRecorder{}
	in, err := Build(parseBench(t, benchYAML), Options{Dev: true, Lifecycles: []Lifecycle{rec}})
	require.NoError(t, err)

	require.NoError(t, in.Close(), "shared laser connection closes once without error")
	assert.Equal(t, 8, rec.count("close"))
	assert.Equal(t, 0, rec.count("error"))

	l, err := in.Laser("laser-488")
	require.NoError(t, err)
	_, err = l.Enabled()
	assert.ErrorIs(t, err, serialport.ErrClosed)

	require.NoError(t, in.Close())
	assert.Equal(t, 8, rec.count("close"), "second Close is a no-op")
}

func TestBuild_Observers(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	obs := serialport.ObserverFunc(func(tx serialport.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		seen[tx.Device]++
	})
	in := buildDev(t, Options{Observers: []serialport.Observer{obs}})
	l, err := in.Laser("laser-561")
	require.NoError(t, err)
	_, err = l.Enabled()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, seen["etl"])
	assert.Positive(t, seen["emission"])
	// Head commands are labelled with the shared port, line commands with
	// the line.
	assert.Positive(t, seen["laser-488+laser-561"])
	assert.Equal(t, 1, seen["laser-561"])
	assert.NotContains(t, seen, "laser-488")
	assert.NotContains(t, seen, "camera")
}

func TestBuild_UsesOpener(t *testing.T) {
	cfg := parseBench(t, `
name: bench-2
tunable_lenses:
  - {name: etl, port: /dev/lens, settle: 1ms}
filter_wheels:
  - {name: emission, port: /dev/wheel, settle: 1ms, filters: {a: 1}}
`)
	lensSim := tunablelens.NewSimulator("EL000001")
	wheelSim := filterwheel.NewSimulator()
	var opened []string
	opener := func(path string, opts serialport.PortOptions) (serialport.SerialPorter, error) {
		opened = append(opened, path)
		switch path {
		case "/dev/lens":
			return serialport.NewSimulatedPort(lensSim), nil
		case "/dev/wheel":
			return serialport.NewSimulatedPort(wheelSim), nil
		}
		return nil, errors.New("no such port")
	}

	in, err := Build(cfg, Options{Opener: opener})
	require.NoError(t, err)
	defer in.Close()
	assert.Equal(t, []string{"/dev/lens", "/dev/wheel"}, opened)

	lens, err := in.Lens("etl")
	require.NoError(t, err)
	assert.Equal(t, "EL000001", lens.ID())
}

func TestBuild_FailureClosesOpenedDevices(t *testing.T) {
	cfg := parseBench(t, `
name: bench-3
tunable_lenses:
  - {name: etl, port: /dev/lens}
filter_wheels:
  - {name: emission, port: /dev/missing, filters: {a: 1}}
`)
	lensPort := serialport.NewSimulatedPort(tunablelens.NewSimulator("EL000001"))
	opener := func(path string, opts serialport.PortOptions) (serialport.SerialPorter, error) {
		if path == "/dev/lens" {
			return lensPort, nil
		}
		return nil, errors.New("no such port")
	}
	rec := &lifecycleRecorder{}

	_, err := Build(cfg, Options{Opener: opener, Lifecycles: []Lifecycle{rec}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such port")
	assert.Equal(t, 1, rec.count("open"))
	assert.Equal(t, 1, rec.count("close"))
	assert.True(t, lensPort.Closed)
}

func TestBuild_MissingSDKs(t *testing.T) {
	_, err := Build(parseBench(t, "cameras:\n  - {name: cam, serial_number: '1'}\n"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no DCAM SDK")

	_, err = Build(parseBench(t, "kinesis:\n  - {name: focus, serial_number: '1'}\n"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Kinesis library")
}

func TestBuild_KinesisLibrary(t *testing.T) {
	lib := kinesis.NewSimLibrary("1")
	in, err := Build(parseBench(t, "kinesis:\n  - {name: focus, serial_number: '1', home_wait: -1s}\n"), Options{Kinesis: lib})
	require.NoError(t, err)
	defer in.Close()
	assert.True(t, lib.Device("1").Homed)
}

func TestAttachAdminRoutes(t *testing.T) {
	in := buildDev(t, Options{})
	mux := http.NewServeMux()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	in.AttachAdminRoutes(mux, RouteOptions{Metrics: metrics})

	t.Run("devices", func(t *testing.T) {
		rec := testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/devices"))
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `"name":"etl"`)
		assert.Contains(t, body, `"kind":"filter_wheel"`)
	})

	t.Run("status", func(t *testing.T) {
		rec := testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/device-status?name=emission"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"filter":"BP405"`)

		rec = testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/device-status?name=nope"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
		assert.Contains(t, rec.Body.String(), `"error":`)

		rec = testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/device-status"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	})

	t.Run("send command", func(t *testing.T) {
		rec := testutil.Serve(mux, testutil.NewFormRequest("/debug/send-command-api", url.Values{"device": {"laser-488"}, "command": {"1l?"}}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "0", rec.Body.String())

		rec = testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/send-command-api"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

		rec = testutil.Serve(mux, testutil.NewFormRequest("/debug/send-command-api", url.Values{"device": {"etl"}, "command": {"X"}}))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

		rec = testutil.Serve(mux, testutil.NewFormRequest("/debug/send-command-api", url.Values{"device": {"laser-488"}}))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

		rec = testutil.Serve(mux, testutil.NewFormRequest("/debug/send-command-api", url.Values{"device": {"nope"}, "command": {"?"}}))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	})

	t.Run("send command page", func(t *testing.T) {
		rec := testutil.Serve(mux, testutil.NewLocalRequest(http.MethodGet, "/debug/send-command"))
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `<option value="emission">`)
		assert.NotContains(t, body, `<option value="etl">`)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := testutil.Serve(mux, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, "# metrics\n", rec.Body.String())
	})
}

func TestAttachAdminRoutes_ClosedDevice(t *testing.T) {
	in := buildDev(t, Options{})
	mux := http.NewServeMux()
	in.AttachAdminRoutes(mux, RouteOptions{})
	require.NoError(t, in.Close())

	rec := testutil.Serve(mux, testutil.NewFormRequest("/debug/send-command-api", url.Values{"device": {"laser-561"}, "command": {"2l?"}}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	assert.Contains(t, rec.Body.String(), "serial port closed")
}
