package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks ingress HTTP request latency by route pattern.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeep",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// PipelineStageDuration tracks how long each request-pipeline stage takes.
var PipelineStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeep",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Request pipeline stage duration in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
	[]string{"stage"},
)

// CacheResultsTotal counts cache engine outcomes by status (HIT/STALE/MISS/BYPASS).
var CacheResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeep",
		Subsystem: "cache",
		Name:      "results_total",
		Help:      "Total cache lookups by resulting status.",
	},
	[]string{"status"},
)

// RateLimitRejectedTotal counts rate-limit denials by primitive kind.
var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeep",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total requests rejected by a rate-limit primitive.",
	},
	[]string{"kind"},
)

// QuotaRejectedTotal counts quota denials by reason.
var QuotaRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeep",
		Subsystem: "quota",
		Name:      "rejected_total",
		Help:      "Total requests rejected by the quota manager.",
	},
	[]string{"reason"},
)

// AbuseDecisionsTotal counts abuse-detector decisions by kind (blocked/soft_limited).
var AbuseDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeep",
		Subsystem: "abuse",
		Name:      "decisions_total",
		Help:      "Total abuse-detector decisions by kind and reason.",
	},
	[]string{"kind", "reason"},
)

// CircuitBreakerTransitionsTotal counts circuit-breaker state transitions.
var CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeep",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Total circuit breaker state transitions.",
	},
	[]string{"name", "to_state"},
)

// UpstreamRequestDuration tracks upstream call latency by route and outcome.
var UpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeep",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "outcome"},
)

// All returns every gatekeep-specific metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		PipelineStageDuration,
		CacheResultsTotal,
		RateLimitRejectedTotal,
		QuotaRejectedTotal,
		AbuseDecisionsTotal,
		CircuitBreakerTransitionsTotal,
		UpstreamRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every collector returned by All().
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
