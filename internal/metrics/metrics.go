// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session kinds.
const (
	KindText       = "text"
	KindStructured = "structured"
)

// Session outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Event drop reasons.
const (
	DropNoListener = "no_listener"
	DropBufferFull = "buffer_full"
)

var (
	// SessionsStartedTotal counts streaming sessions by kind.
	SessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbridge_sessions_started_total",
		Help: "Total number of streaming sessions started",
	}, []string{"kind"})

	// SessionsFinishedTotal counts terminal events by kind and outcome.
	SessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbridge_sessions_finished_total",
		Help: "Total number of streaming sessions that reached a terminal event",
	}, []string{"kind", "outcome"})

	// SessionsActive is the number of sessions currently registered.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fmbridge_sessions_active",
		Help: "Number of in-flight streaming sessions",
	}, []string{"kind"})

	// GenerationDuration tracks one-shot generation latency.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fmbridge_generation_duration_seconds",
		Help:    "Time spent in one-shot generation calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"operation", "result"})

	// EventsEmittedTotal counts bridge events by name.
	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbridge_events_emitted_total",
		Help: "Total number of events emitted on the bridge",
	}, []string{"event"})

	// EventsDroppedTotal counts events nobody received.
	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbridge_events_dropped_total",
		Help: "Total number of bridge events that were not delivered",
	}, []string{"event", "reason"})
)

// ObserveSessionStart records a newly started session.
func ObserveSessionStart(kind string) {
	SessionsStartedTotal.WithLabelValues(kind).Inc()
	SessionsActive.WithLabelValues(kind).Inc()
}

// ObserveSessionEnd records a session's terminal event.
func ObserveSessionEnd(kind, outcome string) {
	SessionsFinishedTotal.WithLabelValues(kind, outcome).Inc()
	SessionsActive.WithLabelValues(kind).Dec()
}

// ObserveGeneration records the latency of a one-shot call.
func ObserveGeneration(operation string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	GenerationDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

// IncEventEmitted counts an emitted event.
func IncEventEmitted(event string) {
	EventsEmittedTotal.WithLabelValues(event).Inc()
}

// IncEventDropped counts an event that was not delivered.
func IncEventDropped(event, reason string) {
	EventsDroppedTotal.WithLabelValues(event, reason).Inc()
}
