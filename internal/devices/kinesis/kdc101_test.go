package kinesis

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightsheet/internal/devices"
)

type sleepRecorder struct{ calls []time.Duration }

func (s *sleepRecorder) sleep(d time.Duration) { s.calls = append(s.calls, d) }

func newTestController(t *testing.T) (*Controller, *SimLibrary, *sleepRecorder) {
	t.Helper()
	lib := NewSimLibrary("27268443")
	rec := &sleepRecorder{}
	c, err := newController(lib, Config{Serial: "27268443"}, rec.sleep)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, lib, rec
}

func TestNew_ConnectsAndHomes(t *testing.T) {
	c, lib, rec := newTestController(t)
	assert.Equal(t, "27268443", c.ID())
	d := lib.Device("27268443")
	assert.True(t, d.Open)
	assert.True(t, d.Polling)
	assert.True(t, d.Homed)
	assert.Equal(t, []time.Duration{DefaultHomeWait}, rec.calls)
	assert.Equal(t, "default", c.Mode())
}

func TestNew_Errors(t *testing.T) {
	lib := NewSimLibrary("1")
	lib.ListErr = errors.New("no devices")
	_, err := newController(lib, Config{Serial: "1"}, func(time.Duration) {})
	assert.ErrorIs(t, err, ErrDeviceList)

	_, err = newController(NewSimLibrary("1"), Config{Serial: "2"}, func(time.Duration) {})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = newController(NewSimLibrary("1"), Config{}, func(time.Duration) {})
	assert.ErrorIs(t, err, devices.ErrInvalidValue)
}

func TestNew_HomeWaitDisabled(t *testing.T) {
	rec := &sleepRecorder{}
	c, err := newController(NewSimLibrary("1"), Config{Serial: "1", HomeWait: -1}, rec.sleep)
	require.NoError(t, err)
	defer c.Close()
	assert.Empty(t, rec.calls)
}

func TestPosition(t *testing.T) {
	c, _, _ := newTestController(t)

	require.NoError(t, c.SetPositionMM(5))
	pos, err := c.PositionMM()
	require.NoError(t, err)
	assert.Equal(t, 5.0, pos)

	// 0.0289 um per unit; 1 mm is 34602 units which reads back as 1.00 mm.
	require.NoError(t, c.SetPositionMM(1))
	pos, err = c.PositionMM()
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos)
}

func TestSetPosition_Units(t *testing.T) {
	c, lib, rec := newTestController(t)
	require.NoError(t, c.SetPositionMM(2.5))
	d := lib.Device("27268443")
	assert.Equal(t, 86505, d.Target)
	assert.Equal(t, 86505, d.Units)
	assert.Equal(t, 1, d.Moves)
	assert.Equal(t, moveWait, rec.calls[len(rec.calls)-1])

	assert.ErrorIs(t, c.SetPositionMM(math.NaN()), devices.ErrInvalidValue)
}

func TestMode(t *testing.T) {
	c, _, _ := newTestController(t)
	c.SetMode("external")
	assert.Equal(t, "external", c.Mode())
}

func TestStatusAndClose(t *testing.T) {
	lib := NewSimLibrary("1")
	c, err := newController(lib, Config{Serial: "1"}, func(time.Duration) {})
	require.NoError(t, err)
	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 0.0, st["position_mm"])

	require.NoError(t, c.Close())
	d := lib.Device("1")
	assert.False(t, d.Open)
	assert.False(t, d.Polling)
}

func TestMode_ConcurrentStatus(t *testing.T) {
	c, _, _ := newTestController(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.SetMode([]string{"manual", "tracking"}[i%2])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := c.Status()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	assert.Equal(t, "tracking", c.Mode())
}
