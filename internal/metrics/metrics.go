// Package metrics exposes Prometheus collectors for tutoring turns and external calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeFallback   = "fallback"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
	OutcomeRejected   = "rejected"
)

// Metrics holds every collector of the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	activeStreams prometheus.Gauge
	hintLevels    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studylock_turns_total",
				Help: "Total tutoring turns by outcome and mode (stream or full).",
			},
			[]string{"outcome", "mode"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studylock_external_call_attempts_total",
				Help: "Total external call attempts by resource and outcome.",
			},
			[]string{"resource", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "studylock_external_call_duration_seconds",
				Help:    "External call attempt duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"resource"},
		),
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "studylock_active_streams",
				Help: "Number of streaming turns currently producing tokens.",
			},
		),
		hintLevels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studylock_hint_level_total",
				Help: "Turns started per hint level.",
			},
			[]string{"level"},
		),
	}

	m.registry.MustRegister(
		m.turns,
		m.attempts,
		m.callDuration,
		m.activeStreams,
		m.hintLevels,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements retry.Observer.
func (m *Metrics) ObserveAttempt(resource, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(resource, outcome).Inc()
	m.callDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// Turn records the outcome of a turn.
func (m *Metrics) Turn(outcome string, streaming bool) {
	if m == nil {
		return
	}
	mode := "full"
	if streaming {
		mode = "stream"
	}
	m.turns.WithLabelValues(outcome, mode).Inc()
}

// HintLevel records the level a turn started with.
func (m *Metrics) HintLevel(level string) {
	if m == nil {
		return
	}
	m.hintLevels.WithLabelValues(level).Inc()
}

// StreamStarted and StreamEnded track the number of producing streams.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
