package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the relay. Each instance owns its
// registry so tests and multiple runtimes never collide.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	sessionsActive  *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	evictionsTotal  prometheus.Counter
	backendHealthy  *prometheus.GaugeVec
	controlsApplied *prometheus.CounterVec
}

// NewMetrics creates a metrics set with Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acprelay_turns_total",
			Help: "Completed turns by backend and outcome.",
		}, []string{"backend", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acprelay_turn_duration_seconds",
			Help:    "Turn duration from start to terminal event.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"backend"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acprelay_tool_calls_total",
			Help: "Tool call events observed by backend.",
		}, []string{"backend"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acprelay_sessions",
			Help: "Registered sessions by state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acprelay_session_transitions_total",
			Help: "Session state transitions.",
		}, []string{"from", "to"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acprelay_session_evictions_total",
			Help: "Idle sessions evicted.",
		}),
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acprelay_backend_healthy",
			Help: "1 when the last availability probe succeeded.",
		}, []string{"backend"}),
		controlsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acprelay_controls_total",
			Help: "Control-plane calls by control and result.",
		}, []string{"control", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnsTotal, m.turnDuration, m.toolCallsTotal, m.sessionsActive,
		m.transitions, m.evictionsTotal, m.backendHealthy, m.controlsApplied,
	)
	return m
}

// RecordTurn records a finished turn. outcome is "done" or an error code.
func (m *Metrics) RecordTurn(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(backend, outcome).Inc()
	m.turnDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordToolCall records a tool call event.
func (m *Metrics) RecordToolCall(backend string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(backend).Inc()
}

// RecordTransition records a state change and moves the state gauges.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.sessionsActive.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessionsActive.WithLabelValues(to).Inc()
	}
}

// RecordEviction counts an idle eviction.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictionsTotal.Inc()
}

// SetBackendHealth publishes the result of an availability probe.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.backendHealthy.WithLabelValues(backend).Set(v)
}

// RecordControl counts a control-plane call.
func (m *Metrics) RecordControl(control string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.controlsApplied.WithLabelValues(control, result).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
