// Package telemetry provides observability primitives for the Plexus gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CooldownsActive  prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	TasksTotal       *prometheus.CounterVec
	PushQueueDepth   prometheus.Gauge
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "plexus",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "plexus",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		CooldownsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "cooldowns_active",
			Help:      "Number of currently cooling provider/model/account tuples.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"route"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "cost_usd_total",
			Help:      "Accumulated inference cost in USD.",
		}, []string{"provider", "model"}),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "a2a_tasks_total",
			Help:      "Total A2A task state transitions.",
		}, []string{"state"}),

		PushQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "a2a_push_queue_depth",
			Help:      "Current number of queued push delivery events.",
		}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CooldownsActive,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CostTotal,
		m.TasksTotal,
		m.PushQueueDepth,
		m.UsageQueueLength,
	)

	return m
}
