package laser

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

func testConfig() Config {
	return Config{
		Prefix:       "1",
		MaxPowerMW:   50,
		MinCurrentMA: 0,
		MaxCurrentMA: 100,
		Coefficients: map[int]float64{0: 0, 1: 1},
	}
}

func newTestLaser(t *testing.T, cfg Config) (*Laser, *Simulator, *serialport.TestableSerialPort) {
	t.Helper()
	sim := NewSimulator("28674")
	port := serialport.NewSimulatedPort(sim)
	l, err := New(serialport.NewConn("laser", port), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, sim, port
}

func TestNew(t *testing.T) {
	l, _, port := newTestLaser(t, testConfig())
	assert.Equal(t, "28674", l.ID())
	assert.Equal(t, "1", l.Prefix())
	assert.Equal(t, "sn?\r", string(port.Writes()[0]))
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	for _, prefix := range []string{"", "0", "5", "12"} {
		bad := testConfig()
		bad.Prefix = prefix
		assert.ErrorIs(t, bad.Validate(), devices.ErrInvalidValue, "prefix %q", prefix)
	}

	bad := testConfig()
	bad.MaxPowerMW = 0
	assert.ErrorIs(t, bad.Validate(), devices.ErrInvalidValue)

	bad = testConfig()
	bad.MinCurrentMA, bad.MaxCurrentMA = 10, 5
	assert.ErrorIs(t, bad.Validate(), devices.ErrInvalidValue)

	bad = testConfig()
	bad.Coefficients = map[int]float64{-1: 2}
	assert.ErrorIs(t, bad.Validate(), devices.ErrInvalidValue)
}

func TestEnableDisable(t *testing.T) {
	l, sim, port := newTestLaser(t, testConfig())

	require.NoError(t, l.Enable())
	assert.Equal(t, "1l1\r", string(port.LastWrite()))
	on, err := l.Enabled()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, l.Disable())
	on, err = l.Enabled()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, sim.Line("1").On)
}

func TestModulationMode(t *testing.T) {
	l, _, _ := newTestLaser(t, testConfig())

	for _, mode := range []ModulationMode{ModulationAnalog, ModulationDigital, ModulationOff, ModulationDigital} {
		require.NoError(t, l.SetModulationMode(mode))
		got, err := l.ModulationMode()
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	assert.ErrorIs(t, l.SetModulationMode("pulsed"), devices.ErrUnknownOption)
}

func TestModulationMode_Commands(t *testing.T) {
	l, _, port := newTestLaser(t, testConfig())
	require.NoError(t, l.SetModulationMode(ModulationAnalog))

	writes := port.Writes()
	var got []string
	for _, w := range writes[len(writes)-3:] {
		got = append(got, string(w))
	}
	assert.Equal(t, []string{"1em\r", "1sames 1\r", "1sdmes 0\r"}, got)
}

func TestPowerSetpoint_ConstantPower(t *testing.T) {
	l, sim, port := newTestLaser(t, testConfig())
	require.NoError(t, l.SetModulationMode(ModulationOff))

	require.NoError(t, l.SetPowerSetpointMW(5))
	assert.Equal(t, "1p 0.005\r", string(port.LastWrite()))
	assert.InDelta(t, 0.005, sim.Line("1").PowerW, 1e-12)

	got, err := l.PowerSetpointMW()
	require.NoError(t, err)
	assert.InDelta(t, 5, got, 1e-9)

	require.NoError(t, l.Enable())
	power, err := l.PowerMW()
	require.NoError(t, err)
	assert.InDelta(t, 5, power, 0.1)
}

func TestPowerSetpoint_ModulationUsesCurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Coefficients = map[int]float64{0: 10, 1: 2}
	l, sim, port := newTestLaser(t, cfg)
	require.NoError(t, l.SetModulationMode(ModulationDigital))

	require.NoError(t, l.SetPowerSetpointMW(20))
	assert.Equal(t, "1slc 50\r", string(port.LastWrite()))
	assert.Equal(t, 50.0, sim.Line("1").CurrentMA)

	got, err := l.PowerSetpointMW()
	require.NoError(t, err)
	assert.Equal(t, 20.0, got)

	// 10 + 2*50 = 110 mA is clamped to the configured maximum
	require.NoError(t, l.SetPowerSetpointMW(50))
	assert.Equal(t, 100.0, sim.Line("1").CurrentMA)
}

func TestPowerSetpoint_OutOfRange(t *testing.T) {
	l, _, port := newTestLaser(t, testConfig())
	before := port.WriteCalls

	assert.ErrorIs(t, l.SetPowerSetpointMW(50.1), devices.ErrInvalidValue)
	assert.ErrorIs(t, l.SetPowerSetpointMW(-1), devices.ErrInvalidValue)
	assert.Equal(t, before, port.WriteCalls)
}

func TestCurrentForPower(t *testing.T) {
	cfg := testConfig()
	cfg.Coefficients = map[int]float64{2: 0.5, 0: 1}
	l, _, _ := newTestLaser(t, cfg)
	assert.Equal(t, 1+0.5*9, l.CurrentForPower(3))

	cfg.Coefficients = nil
	l, _, _ = newTestLaser(t, cfg)
	assert.Equal(t, 0.0, l.CurrentForPower(3))
}

func TestDeviceError(t *testing.T) {
	l, _, _ := newTestLaser(t, testConfig())
	_, err := l.RawCommand("1frobnicate")
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "1frobnicate", de.Command)
	assert.Contains(t, de.Message, "illegal command")
}

func TestLinesAreIndependent(t *testing.T) {
	sim := NewSimulator("1")
	port := serialport.NewSimulatedPort(sim)
	cfg := testConfig()
	cfg.Prefix = "3"
	l, err := New(serialport.NewConn("laser", port), cfg)
	require.NoError(t, err)

	require.NoError(t, l.Enable())
	assert.True(t, sim.Line("3").On)
	assert.False(t, sim.Line("1").On)
}

func TestStatus(t *testing.T) {
	l, _, _ := newTestLaser(t, testConfig())
	require.NoError(t, l.Enable())
	require.NoError(t, l.SetPowerSetpointMW(10))

	status, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, "off", status["modulation"])
	assert.InDelta(t, 10, status["power_mw"], 1e-9)
}

func TestOpen_InvalidConfigDoesNotOpen(t *testing.T) {
	opener := serialport.NewMockOpener(serialport.NewTestableSerialPort())
	_, err := Open(Config{Prefix: "9", MaxPowerMW: 1}, opener.Open)
	assert.ErrorIs(t, err, devices.ErrInvalidValue)
	assert.Empty(t, opener.OpenCalls)
}

func TestPowerSetpoint_ConcurrentStatus(t *testing.T) {
	l, _, _ := newTestLaser(t, testConfig())
	require.NoError(t, l.SetModulationMode(ModulationDigital))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, l.SetPowerSetpointMW(float64(i%50)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := l.Status()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	got, err := l.PowerSetpointMW()
	require.NoError(t, err)
	assert.Equal(t, 49.0, got)
}
