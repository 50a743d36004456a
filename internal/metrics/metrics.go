// Package metrics holds the Prometheus collectors for ClassPod.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "classpod"

// Outcome label values.
const (
	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
	OutcomeRaceLost = "race_lost"
	OutcomeFailed   = "failed"
	OutcomeRemoved  = "removed"
	OutcomeAbsent   = "absent"
)

// Lifecycle metrics.
var (
	// ProvisionsTotal counts EnsureSandbox results by outcome.
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_provisions_total",
			Help:      "Sandbox provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	// TeardownsTotal counts sandbox and course teardowns by kind and outcome.
	TeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_teardowns_total",
			Help:      "Sandbox and course teardowns by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ReapedTotal counts orphan sandboxes deleted by the reaper.
	ReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_reaped_total",
			Help:      "Orphan sandboxes deleted by the reaper",
		},
	)

	// OrchestrationDuration measures orchestration API calls in seconds.
	OrchestrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_call_duration_seconds",
			Help:      "Duration of orchestration API calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"op"},
	)
)

// Terminal metrics.
var (
	// ActiveTerminals tracks open terminal bridge sessions.
	ActiveTerminals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_sessions_active",
			Help:      "Number of open terminal sessions",
		},
	)

	// BridgedBytes counts bytes relayed by direction (in, out).
	BridgedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_bytes_total",
			Help:      "Bytes relayed through terminal sessions",
		},
		[]string{"direction"},
	)
)

// Event metrics.
var (
	// EventsDropped counts lifecycle events dropped for slow subscribers.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped for slow subscribers",
		},
	)
)

// HTTP metrics.
var (
	// HTTPRequestsTotal counts API requests by route pattern and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	// JoinsRateLimited counts join attempts rejected by the rate limiter.
	JoinsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rate_limited_total",
			Help:      "Course join attempts rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProvisionsTotal,
		TeardownsTotal,
		ReapedTotal,
		OrchestrationDuration,
		ActiveTerminals,
		BridgedBytes,
		EventsDropped,
		HTTPRequestsTotal,
		JoinsRateLimited,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
