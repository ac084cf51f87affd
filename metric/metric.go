// Package metric provides Prometheus instrumentation for the naming and
// discovery core: registration and resolution counters, token operation
// counters, and a gauge for outstanding readiness waits.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core instruments. A nil *Metrics is valid and records
// nothing, so components never branch on instrumentation being present.
type Metrics struct {
	registry *prometheus.Registry

	registrations *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	tokenOps      *prometheus.CounterVec
	pendingWaits  prometheus.Gauge
}

// New creates a metrics registry with Go and process collectors plus the
// core instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypha_registrations_total",
			Help: "Service registration operations by lifecycle event",
		}, []string{"event"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypha_resolutions_total",
			Help: "Service resolution attempts by outcome",
		}, []string{"outcome"}),
		tokenOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypha_token_operations_total",
			Help: "Token generation and verification operations by result",
		}, []string{"operation", "result"}),
		pendingWaits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hypha_pending_waits",
			Help: "Outstanding readiness handshake waits",
		}),
	}
	registry.MustRegister(m.registrations, m.resolutions, m.tokenOps, m.pendingWaits)
	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRegistration counts one lifecycle event emission.
func (m *Metrics) RecordRegistration(event string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(event).Inc()
}

// RecordResolution counts one resolution attempt outcome
// ("hit", "miss", "timeout", or "launched").
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

// RecordTokenOp counts one token operation.
func (m *Metrics) RecordTokenOp(operation, result string) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(operation, result).Inc()
}

// WaitStarted and WaitSettled track the outstanding-waits gauge.
func (m *Metrics) WaitStarted() {
	if m == nil {
		return
	}
	m.pendingWaits.Inc()
}

// WaitSettled decrements the outstanding-waits gauge.
func (m *Metrics) WaitSettled() {
	if m == nil {
		return
	}
	m.pendingWaits.Dec()
}
