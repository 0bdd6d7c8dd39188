// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang, the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the delivery pipeline.
//
// Key metrics for monitoring:
//   - events_enqueued_total: inbound rate
//   - events_delivered_total: successful delivery rate
//   - events_failed_total: permanent failures (alert on this)
//   - events_reclaimed_total: claims abandoned by crashed workers
//   - store_errors_total: queue store outages seen by the worker loop
//   - delivery_duration_seconds: latency distribution
//   - circuit_breaker_state: destination health (0=ok, 2=failing)
type Metrics struct {
	EventsEnqueued   prometheus.Counter
	EventsClaimed    prometheus.Counter
	EventsDelivered  prometheus.Counter
	EventsRetrying   prometheus.Counter
	EventsFailed     prometheus.Counter
	EventsDeferred   prometheus.Counter
	EventsReclaimed  prometheus.Counter
	ClaimsExpired    prometheus.Counter
	ResolveErrors    prometheus.Counter
	StoreErrors      prometheus.Counter
	DeliveryDuration prometheus.Histogram
	DeliveryAttempts *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registerer. The namespace prefixes every name
// (e.g. "boardhooks_events_enqueued_total").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Total number of webhook events enqueued",
		}),
		EventsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_claimed_total",
			Help:      "Total number of webhook events claimed by workers",
		}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Total number of events successfully delivered",
		}),
		EventsRetrying: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_retrying_total",
			Help:      "Total number of events scheduled for retry",
		}),
		EventsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of events that failed permanently",
		}),
		EventsDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deferred_total",
			Help:      "Total number of events deferred by rate limiting or circuit breaker",
		}),
		EventsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reclaimed_total",
			Help:      "Total number of stale in-flight events returned to pending",
		}),
		ClaimsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_expired_total",
			Help:      "Total number of claimed events left for the stale sweep because the claim aged before dispatch",
		}),
		ResolveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_errors_total",
			Help:      "Total number of attempt outcomes that could not be recorded",
		}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of queue store outages seen by the worker loop",
		}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts by outcome",
		}, []string{"outcome"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"host"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"host"}),
		RateLimiterRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of attempts deferred by the rate limiter",
		}, []string{"host"}),
	}
}
