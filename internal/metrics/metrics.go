// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts generation calls by provider and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total generation requests by provider and status.",
		},
		[]string{"provider", "status"}, // status: "success", "error", "cache_hit"
	)

	// RequestLatency tracks end-to-end generation latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_latency_seconds",
			Help:    "End-to-end generation latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model", "cache_status"},
	)

	// TokensTotal counts tokens consumed by direction.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens consumed.",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	// CostTotal accumulates USD cost per provider.
	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Accumulated generation cost in USD.",
		},
		[]string{"provider", "model"},
	)

	// CacheLookupsTotal counts cache lookups by result.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	// ProviderUp reports the last health probe result per provider.
	ProviderUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_up",
			Help: "Last health probe result: 1 available, 0 unavailable.",
		},
		[]string{"provider"},
	)
)

// RecordResponse updates the per-call metrics in one place.
func RecordResponse(providerName, model string, inputTokens, outputTokens int, costUSD float64, latencySeconds float64, cached bool) {
	cacheStatus := "miss"
	status := "success"
	if cached {
		cacheStatus = "hit"
		status = "cache_hit"
	}
	RequestsTotal.WithLabelValues(providerName, status).Inc()
	RequestLatency.WithLabelValues(providerName, model, cacheStatus).Observe(latencySeconds)
	TokensTotal.WithLabelValues(providerName, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(providerName, model, "output").Add(float64(outputTokens))
	CostTotal.WithLabelValues(providerName, model).Add(costUSD)
}
