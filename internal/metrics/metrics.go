// Package metrics exposes the engine's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fateforge_evaluations_total",
		Help: "Variable and condition evaluations by kind and outcome.",
	}, []string{"kind", "outcome"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fateforge_cache_hits_total",
		Help: "Evaluation cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fateforge_cache_misses_total",
		Help: "Evaluation cache misses, including TTL expiries.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fateforge_cache_evictions_total",
		Help: "Entries evicted by explicit invalidation.",
	})

	Effects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fateforge_effects_total",
		Help: "Effect executions by phase and outcome.",
	}, []string{"phase", "outcome"})

	ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fateforge_resolution_duration_seconds",
		Help:    "Wall-clock duration of entity resolutions.",
		Buckets: prometheus.DefBuckets,
	})

	InvalidationMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fateforge_invalidation_messages_total",
		Help: "Invalidation messages consumed by type and outcome.",
	}, []string{"type", "outcome"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
