// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the runtime engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine-level instruments. A nil *Metrics is valid
// and records nothing, so the engine never branches on instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	PhaseTransitions *prometheus.CounterVec
	CommandsTotal    prometheus.Counter
	CommandsRunning  prometheus.Gauge
	EventsEmitted    *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
}

// NewMetrics registers the engine instruments on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runplane_phase_transitions_total",
			Help: "Lifecycle phase transitions, by target phase.",
		}, []string{"phase"}),
		CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runplane_commands_total",
			Help: "Commands accepted by the execution manager.",
		}),
		CommandsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runplane_commands_running",
			Help: "Commands currently registered and not finished.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runplane_events_emitted_total",
			Help: "Command lifecycle events handed to the transport.",
		}, []string{"kind"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runplane_requests_total",
			Help: "Inbound control requests, by op and outcome.",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(
		m.PhaseTransitions,
		m.CommandsTotal,
		m.CommandsRunning,
		m.EventsEmitted,
		m.RequestsTotal,
	)
	return m
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(phase string) {
	if m != nil {
		m.PhaseTransitions.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) CommandAccepted() {
	if m != nil {
		m.CommandsTotal.Inc()
		m.CommandsRunning.Inc()
	}
}

func (m *Metrics) CommandFinished() {
	if m != nil {
		m.CommandsRunning.Dec()
	}
}

func (m *Metrics) Emitted(kind string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Request(op, outcome string) {
	if m != nil {
		m.RequestsTotal.WithLabelValues(op, outcome).Inc()
	}
}
