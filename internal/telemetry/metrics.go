// Package telemetry provides observability primitives for the Mithril gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	QuotaRejects     *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
	TokensProcessed  *prometheus.CounterVec
	CostAccrued      *prometheus.CounterVec
	LimiterEntries   prometheus.Gauge
}

// NewMetrics creates a registry with all gateway collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mithril",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithril",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mithril",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "quota_rejects_total",
			Help:      "Total quota admission refusals.",
		}, []string{"dimension"}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "ratelimit_rejects_total",
			Help:      "Total global rate limit rejections.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "type"}),

		CostAccrued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "cost_accrued_usd_total",
			Help:      "Total estimated upstream cost in USD.",
		}, []string{"provider"}),

		LimiterEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithril",
			Name:      "ratelimit_entries",
			Help:      "Current number of live rate limiter entries.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.QuotaRejects,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CostAccrued,
		m.LimiterEntries,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
