// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RunDuration tracks how long an upstream completion run takes, end to end.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_run_duration_seconds",
			Help:    "Upstream completion run duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "outcome"},
	)

	// RunsTotal counts completion runs by outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_total",
			Help: "Completion runs by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// StreamsActive tracks responses currently streaming to a client.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of responses currently streaming",
		},
	)

	// DetachesTotal counts clients that went away before a run finished.
	DetachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_client_detaches_total",
			Help: "Clients detached before the run finished",
		},
		[]string{"reason"},
	)

	// PersistTotal counts conversation save attempts by result.
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_persist_total",
			Help: "Conversation save attempts",
		},
		[]string{"backend", "result"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"source"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRun records metrics for a finished completion run.
func RecordRun(provider, model, outcome string, duration float64, tokensIn, tokensOut int) {
	RunDuration.WithLabelValues(provider, outcome).Observe(duration)
	RunsTotal.WithLabelValues(provider, outcome).Inc()
	if tokensIn > 0 {
		LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
	}
}

// RecordPersist records the result of one save attempt.
func RecordPersist(backend, result string) {
	PersistTotal.WithLabelValues(backend, result).Inc()
}

// RecordDetach records a client detaching from a run.
func RecordDetach(reason string) {
	DetachesTotal.WithLabelValues(reason).Inc()
}

// IncrementStreams increments the active stream count.
func IncrementStreams() {
	StreamsActive.Inc()
}

// DecrementStreams decrements the active stream count.
func DecrementStreams() {
	StreamsActive.Dec()
}
