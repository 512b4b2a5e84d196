// Package telemetry provides observability primitives for the Alfred gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlfredDev/alfred/internal/circuitbreaker"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FailoverTotal    *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CreditsSettled   *prometheus.CounterVec
	ReservationsOpen prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	UsageQueueLength prometheus.Gauge
	LedgerQueueDepth prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "alfred",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alfred",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "alfred",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by error kind.",
		}, []string{"provider", "kind"}),

		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "failover_total",
			Help:      "Requests that failed over to a secondary chain target.",
		}, []string{"rule"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "cache_hits_total",
			Help:      "Semantic cache hits by match type (exact, semantic).",
		}, []string{"type"}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "cache_misses_total",
			Help:      "Total semantic cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"endpoint"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed by direction (prompt, completion).",
		}, []string{"model", "type"}),

		CreditsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alfred",
			Name:      "credits_settled_total",
			Help:      "Total credits settled against wallets, in whole credits.",
		}, []string{"org"}),

		ReservationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alfred",
			Name:      "reservations_open",
			Help:      "Currently open credit reservations.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alfred",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alfred",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),

		LedgerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alfred",
			Name:      "ledger_queue_depth",
			Help:      "Journal entries waiting for the batch flush.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoverTotal,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CreditsSettled,
		m.ReservationsOpen,
		m.BreakerState,
		m.UsageQueueLength,
		m.LedgerQueueDepth,
	)

	return m
}

// ObserveBreakers refreshes the breaker state gauges from the registry.
// Called from the health prober loop.
func (m *Metrics) ObserveBreakers(states map[string]circuitbreaker.State) {
	for target, state := range states {
		m.BreakerState.WithLabelValues(target).Set(float64(state))
	}
}
