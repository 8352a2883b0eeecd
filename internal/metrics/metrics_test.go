package metrics

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightsheet/internal/serialport"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "timeout", Result(fmt.Errorf("wheel: %w", serialport.ErrTimeout)))
	assert.Equal(t, "closed", Result(serialport.ErrClosed))
	assert.Equal(t, "write_failed", Result(serialport.ErrWriteFailed))
	assert.Equal(t, "error", Result(errors.New("boom")))
}

func TestObserveTransaction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSerialMetrics(reg)

	m.ObserveTransaction(serialport.Transaction{
		Device:   "filter-wheel",
		Request:  []byte("pos?\r"),
		Response: []byte("pos?\r3\r>"),
		Duration: 12 * time.Millisecond,
	})
	m.ObserveTransaction(serialport.Transaction{
		Device:  "filter-wheel",
		Request: []byte("pos=9\r"),
		Err:     serialport.ErrTimeout,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("filter-wheel", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("filter-wheel", "timeout")))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("filter-wheel")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.BytesRead.WithLabelValues("filter-wheel")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Latency))
}

func TestObserver_OnConn(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSerialMetrics(reg)

	port := serialport.NewSimulatedPort(serialport.ResponderFunc(func(req []byte) []byte {
		return []byte("OK\r\n")
	}))
	conn := serialport.NewConn("laser-1", port, m)
	_, err := conn.ExchangeUntil([]byte("l1\r"), []byte("\r\n"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("laser-1", "ok")))
}

func TestDeviceUpAndHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewSerialMetrics(reg)
	m.SetDeviceUp("etl", "tunable_lens", true)
	m.SetDeviceUp("camera", "camera", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceUp.WithLabelValues("etl", "tunable_lens")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeviceUp.WithLabelValues("camera", "camera")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `lightsheet_device_up{device="etl",kind="tunable_lens"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
