// Package metrics exports serial transaction counters and latencies to
// Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/lightsheet/internal/serialport"
)

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SerialMetrics observes serial transactions. It implements
// serialport.Observer.
type SerialMetrics struct {
	Transactions *prometheus.CounterVec   // labels: device, result
	Latency      *prometheus.HistogramVec // labels: device
	BytesWritten *prometheus.CounterVec   // labels: device
	BytesRead    *prometheus.CounterVec   // labels: device
	DeviceUp     *prometheus.GaugeVec     // labels: device, kind
}

// NewSerialMetrics registers and returns the transaction metrics.
func NewSerialMetrics(reg prometheus.Registerer) *SerialMetrics {
	m := &SerialMetrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightsheet_serial_transactions_total",
			Help: "Serial command/reply exchanges by outcome.",
		}, []string{"device", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lightsheet_serial_transaction_seconds",
			Help:    "Time from command write to the end of the reply.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightsheet_serial_bytes_written_total",
			Help: "Bytes written to device ports.",
		}, []string{"device"}),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightsheet_serial_bytes_read_total",
			Help: "Bytes read from device ports.",
		}, []string{"device"}),
		DeviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lightsheet_device_up",
			Help: "1 while a configured device is open.",
		}, []string{"device", "kind"}),
	}
	reg.MustRegister(m.Transactions, m.Latency, m.BytesWritten, m.BytesRead, m.DeviceUp)
	return m
}

// Result classifies a transaction error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, serialport.ErrTimeout):
		return "timeout"
	case errors.Is(err, serialport.ErrClosed):
		return "closed"
	case errors.Is(err, serialport.ErrWriteFailed):
		return "write_failed"
	}
	return "error"
}

// ObserveTransaction records tx.
func (m *SerialMetrics) ObserveTransaction(tx serialport.Transaction) {
	m.Transactions.WithLabelValues(tx.Device, Result(tx.Err)).Inc()
	m.Latency.WithLabelValues(tx.Device).Observe(tx.Duration.Seconds())
	m.BytesWritten.WithLabelValues(tx.Device).Add(float64(len(tx.Request)))
	m.BytesRead.WithLabelValues(tx.Device).Add(float64(len(tx.Response)))
}

// SetDeviceUp marks a device open or closed.
func (m *SerialMetrics) SetDeviceUp(device, kind string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.DeviceUp.WithLabelValues(device, kind).Set(v)
}

var _ serialport.Observer = (*SerialMetrics)(nil)

// DeviceOpened marks device up.
func (m *SerialMetrics) DeviceOpened(name, kind, _ string) {
	m.SetDeviceUp(name, kind, true)
}

// DeviceClosed marks device down.
func (m *SerialMetrics) DeviceClosed(name, kind string, _ error) {
	m.SetDeviceUp(name, kind, false)
}
