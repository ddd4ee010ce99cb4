// Package metrics provides Prometheus instrumentation for the chat service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestLatency tracks end-to-end turn latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_request_latency_seconds",
			Help:    "End-to-end chat turn latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model", "kind"}, // kind: "unary" or "stream"
	)

	// RequestsTotal tracks total chat turns by status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total number of chat turns by status.",
		},
		[]string{"status"}, // "success", "degraded", "invalid", "error"
	)

	// ActiveRequests tracks the number of currently in-flight turns.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_requests",
			Help: "Number of currently in-flight chat turns.",
		},
	)

	// ProviderOutcomes counts every adapter call by how it resolved.
	ProviderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_outcomes_total",
			Help: "Provider calls by outcome (content, simulated, rate_limited, unavailable, failed).",
		},
		[]string{"provider", "outcome"},
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"provider"},
	)

	// PacerWaitSeconds observes how long paced calls were held back.
	PacerWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacer_wait_seconds",
			Help:    "Time spent waiting on the shared call pacer.",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5},
		},
	)

	// SearchRequestsTotal counts search provider attempts by result.
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Search provider attempts by status (success, error, skipped).",
		},
		[]string{"provider", "status"},
	)

	// StreamEventsTotal counts normalized stream events by kind.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Stream events emitted to clients by kind.",
		},
		[]string{"kind"},
	)

	// StreamFallbacksTotal counts streams that produced no content and were
	// answered with the fallback text.
	StreamFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_fallbacks_total",
			Help: "Streams answered with the synthesized fallback text.",
		},
	)

	// CacheHitsTotal tracks the total number of search cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "search_cache_hits_total",
			Help: "Total number of search cache hits.",
		},
	)

	// CacheLookupsTotal tracks the total number of search cache lookups.
	CacheLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "search_cache_lookups_total",
			Help: "Total number of search cache lookups.",
		},
	)

	// CacheHitRatio is exposed for convenience; Prometheus can derive it too.
	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "search_cache_hit_ratio",
			Help: "Current search cache hit ratio (hits / lookups).",
		},
	)

	ratioMu      sync.Mutex
	totalHits    float64
	totalLookups float64
)

// RecordCacheLookup records a cache lookup and updates the hit ratio.
func RecordCacheLookup(hit bool) {
	CacheLookupsTotal.Inc()
	if hit {
		CacheHitsTotal.Inc()
	}

	ratioMu.Lock()
	defer ratioMu.Unlock()
	totalLookups++
	if hit {
		totalHits++
	}
	CacheHitRatio.Set(totalHits / totalLookups)
}
