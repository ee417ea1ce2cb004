package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the pipeline's degraded-mode and outcome counters. Every
// soft failure the pipeline absorbs must be visible here so operators (and
// tests) can tell a degraded run from a clean one.
type Metrics struct {
	SparseFallbacks         prometheus.Counter
	RerankFallbacks         prometheus.Counter
	ExpansionLookupFailures prometheus.Counter
	EmptyContexts           prometheus.Counter
	BuildDuration           prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg. A nil registerer
// creates unregistered collectors, which keeps unit tests and embedded use
// free of global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SparseFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_sparse_fallback_total",
			Help: "Hybrid retrievals that degraded to dense-only after a sparse failure.",
		}),
		RerankFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_rerank_fallback_total",
			Help: "Rerank calls that failed and kept the pre-rerank ordering.",
		}),
		ExpansionLookupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_expansion_lookup_failures_total",
			Help: "Neighbor chunk lookups that failed during context expansion.",
		}),
		EmptyContexts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_empty_context_total",
			Help: "BuildContext runs that produced no context block.",
		}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_build_context_seconds",
			Help:    "Wall time of BuildContext runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
