package tunablelens

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightsheet/internal/codec"
	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

func newTestLens(t *testing.T, cfg Config) (*Lens, *Simulator, *serialport.TestableSerialPort) {
	t.Helper()
	sim := NewSimulator("EL123456")
	port := serialport.NewSimulatedPort(sim)
	lens, err := New(serialport.NewConn("lens", port), cfg)
	require.NoError(t, err)
	lens.sleep = func(time.Duration) {}
	t.Cleanup(func() { lens.Close() })
	return lens, sim, port
}

func TestNew_ReadsSerialNumber(t *testing.T) {
	lens, _, port := newTestLens(t, Config{})
	assert.Equal(t, "EL123456", lens.ID())
	assert.Equal(t, 1, port.FlushCalls)
	assert.Equal(t, []byte{'X', 0x01, 0xFA}, port.Writes()[0])
}

func TestNew_Handshake(t *testing.T) {
	lens, _, port := newTestLens(t, Config{Handshake: true})
	assert.Equal(t, "EL123456", lens.ID())
	assert.Equal(t, []byte("Start"), port.Writes()[0])
}

func TestNew_HandshakeFails(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	_, err := New(serialport.NewConn("lens", port), Config{Handshake: true})
	assert.ErrorIs(t, err, codec.ErrNoResponse)

	port = serialport.NewTestableSerialPort()
	port.AddReadData([]byte("Nope!\r\n"))
	_, err = New(serialport.NewConn("lens", port), Config{Handshake: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestNew_NoResponse(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	_, err := New(serialport.NewConn("lens", port), Config{})
	assert.ErrorIs(t, err, codec.ErrNoResponse)
}

func TestOpen_UsesOpener(t *testing.T) {
	sim := NewSimulator("EL000001")
	opener := serialport.NewMockOpener(serialport.NewSimulatedPort(sim))

	var seen int
	lens, err := Open(Config{Name: "etl", Port: "/dev/ttyUSB3"}, opener.Open, serialport.ObserverFunc(func(serialport.Transaction) { seen++ }))
	require.NoError(t, err)
	defer lens.Close()

	call := opener.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyUSB3", call.Path)
	assert.Equal(t, BaudRate, call.Options.BaudRate)
	assert.Equal(t, 1, seen)
}

func TestOpen_ClosesPortOnFailure(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	opener := serialport.NewMockOpener(port)
	_, err := Open(Config{Port: "/dev/ttyUSB3"}, opener.Open)
	require.Error(t, err)
	assert.True(t, port.Closed)
}

func TestMode(t *testing.T) {
	lens, sim, _ := newTestLens(t, Config{})

	mode, err := lens.Mode()
	require.NoError(t, err)
	assert.Equal(t, ModeInternal, mode)

	require.NoError(t, lens.SetMode(ModeExternal))
	assert.Equal(t, uint8(modeCodeExternal), sim.ModeCode)
	mode, err = lens.Mode()
	require.NoError(t, err)
	assert.Equal(t, ModeExternal, mode)

	require.NoError(t, lens.SetMode(ModeInternal))
	mode, err = lens.Mode()
	require.NoError(t, err)
	assert.Equal(t, ModeInternal, mode)
}

func TestMode_UnrecognisedCode(t *testing.T) {
	lens, sim, _ := newTestLens(t, Config{})
	sim.ModeCode = 3
	_, err := lens.Mode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode code 3")
}

func TestSetMode_Unknown(t *testing.T) {
	lens, _, port := newTestLens(t, Config{})
	before := port.WriteCalls

	err := lens.SetMode("focus-tunable")
	assert.ErrorIs(t, err, devices.ErrUnknownOption)
	assert.Equal(t, before, port.WriteCalls)
}

func TestSetCurrent_Frame(t *testing.T) {
	lens, sim, port := newTestLens(t, Config{})

	require.NoError(t, lens.SetCurrent(293))
	assert.Equal(t, []byte{'A', 'w', 0x10, 0x00, 0xA9, 0xE6}, port.LastWrite())
	assert.Equal(t, int16(4096), sim.LastCode())

	require.NoError(t, lens.SetCurrent(-293))
	assert.Equal(t, []byte{'A', 'w', 0xF0, 0x00, 0xE0, 0x26}, port.LastWrite())
	assert.Equal(t, int16(-4096), sim.LastCode())
}

func TestSetCurrent_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		mA      float64
		wantErr bool
	}{
		{"zero", 0, false},
		{"full scale", 293, false},
		{"negative full scale", -293, false},
		{"one code over", 293.04, true},
		{"one code under", -293.04, true},
		{"far over", 1000, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lens, _, port := newTestLens(t, Config{})
			before := port.WriteCalls

			err := lens.SetCurrent(tc.mA)
			if tc.wantErr {
				assert.ErrorIs(t, err, codec.ErrInvalidInput)
				assert.Equal(t, before, port.WriteCalls, "nothing may be sent for an out-of-range current")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, port.WriteCalls)
		})
	}
}

func TestCurrentCode(t *testing.T) {
	code, err := CurrentCode(100, DefaultMaxCurrentMA)
	require.NoError(t, err)
	assert.Equal(t, int16(1398), code)

	_, err = CurrentCode(4097, 4096)
	assert.ErrorIs(t, err, codec.ErrInvalidInput)
	code, err = CurrentCode(-4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, int16(-4096), code)
}

func TestSetCurrent_Settles(t *testing.T) {
	lens, _, _ := newTestLens(t, Config{Settle: 250 * time.Millisecond})
	var slept []time.Duration
	lens.sleep = func(d time.Duration) { slept = append(slept, d) }

	require.NoError(t, lens.SetCurrent(10))
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, slept)
}

func TestSetCurrent_DefaultSettle(t *testing.T) {
	lens, _, _ := newTestLens(t, Config{})
	var slept time.Duration
	lens.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, lens.SetCurrent(10))
	assert.Equal(t, DefaultSettle, slept)
}

func TestCurrent(t *testing.T) {
	lens, _, _ := newTestLens(t, Config{})
	require.NoError(t, lens.SetCurrent(100))

	got, err := lens.Current()
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got, 0.01)
}

func TestTemperatureC(t *testing.T) {
	lens, sim, _ := newTestLens(t, Config{})
	sim.Temperature = 500

	got, err := lens.TemperatureC()
	require.NoError(t, err)
	assert.Equal(t, 31.25, got)

	sim.Temperature = -16
	got, err = lens.TemperatureC()
	require.NoError(t, err)
	assert.Equal(t, -1.0, got)
}

func TestCorruptReplyIsIntegrityError(t *testing.T) {
	lens, sim, _ := newTestLens(t, Config{})
	sim.CorruptNext = true

	_, err := lens.Mode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrIntegrity))

	var ie *codec.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "checksum", ie.Reason)
}

func TestStatus(t *testing.T) {
	lens, _, _ := newTestLens(t, Config{})
	status, err := lens.Status()
	require.NoError(t, err)
	assert.Equal(t, "EL123456", status["id"])
	assert.Equal(t, "internal", status["mode"])
	assert.Equal(t, 25.0, status["temperature_c"])
}

func TestClose(t *testing.T) {
	lens, _, port := newTestLens(t, Config{})
	require.NoError(t, lens.Close())
	assert.True(t, port.Closed)

	_, err := lens.Mode()
	assert.ErrorIs(t, err, serialport.ErrClosed)
}

func TestNew_InvalidMaxCurrent(t *testing.T) {
	port := serialport.NewSimulatedPort(NewSimulator("x"))
	_, err := New(serialport.NewConn("lens", port), Config{MaxCurrentMA: -1})
	assert.ErrorIs(t, err, devices.ErrInvalidValue)
}
