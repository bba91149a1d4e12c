// Package metrics exposes operational counters for the sampling loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors updated by the engine and dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal       prometheus.Counter
	TickFailures     prometheus.Counter
	FetchFailures    *prometheus.CounterVec
	ReadingsRecorded *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
}

// New builds a self-contained registry with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "ticks_total",
			Help:      "Completed sampling ticks.",
		}),
		TickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "tick_failures_total",
			Help:      "Ticks aborted on total sampling failure.",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "fetch_failures_total",
			Help:      "Sensor fetch failures by entity and kind.",
		}, []string{"entity", "kind"}),
		ReadingsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "readings_recorded_total",
			Help:      "Converted readings accepted into the rolling window.",
		}, []string{"entity"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "alerts_total",
			Help:      "Alert conditions met, by schedule window.",
		}, []string{"window"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqnotify",
			Name:      "delivery_attempts_total",
			Help:      "Notification dispatch attempts by channel and status.",
		}, []string{"channel", "status"}),
	}

	m.registry.MustRegister(
		m.TicksTotal,
		m.TickFailures,
		m.FetchFailures,
		m.ReadingsRecorded,
		m.AlertsTotal,
		m.DeliveryAttempts,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
