// Package metrics exposes Prometheus collectors for the research pipeline.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchflow_stage_duration_seconds",
			Help:    "Stage execution time by stage and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "outcome"},
	)

	jobsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchflow_jobs_terminal_total",
			Help: "Jobs that reached a terminal status.",
		},
		[]string{"status"},
	)

	gateRoutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchflow_gate_routes_total",
			Help: "Quality gate routing decisions.",
		},
		[]string{"route"},
	)

	reviewDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchflow_review_decisions_total",
			Help: "Human review decisions by action.",
		},
		[]string{"action"},
	)

	relayDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "researchflow_relay_dropped_total",
			Help: "Events not shared with other instances because the relay queue was full.",
		},
	)

	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchflow_stream_subscribers",
			Help: "Open progress stream subscriptions.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(stageDuration, jobsTerminal, gateRoutes, reviewDecisions, relayDropped, streamSubscribers)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Stage outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

func ObserveStage(stage, outcome string, d time.Duration) {
	stageDuration.WithLabelValues(norm(stage), outcome).Observe(d.Seconds())
}

func IncTerminal(status string) {
	jobsTerminal.WithLabelValues(norm(status)).Inc()
}

func IncGateRoute(route string) {
	gateRoutes.WithLabelValues(norm(route)).Inc()
}

func IncReviewDecision(action string) {
	reviewDecisions.WithLabelValues(norm(action)).Inc()
}

func IncRelayDropped() { relayDropped.Inc() }

func SubscriberOpened() { streamSubscribers.Inc() }
func SubscriberClosed() { streamSubscribers.Dec() }
