package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for block caches, labeled by cache name.
var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Blocks served from the cache",
	}, []string{"cache"})

	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Block requests that needed a computation",
	}, []string{"cache"})

	cacheComputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "computations_total",
		Help:      "Block computations pulled from upstream",
	}, []string{"cache"})

	cacheFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "failures_total",
		Help:      "Block computations that failed",
	}, []string{"cache"})

	cacheDirtiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "dirtied_blocks_total",
		Help:      "Blocks marked dirty by upstream changes",
	}, []string{"cache"})

	cacheStoredBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voxflow",
		Subsystem: "cache",
		Name:      "stored_bytes",
		Help:      "Bytes held by the block store",
	}, []string{"cache"})
)

// cacheMetrics binds the metric vectors to one cache name.
type cacheMetrics struct {
	hits, misses, computations, failures, dirtied prometheus.Counter
	stored                                        prometheus.Gauge
}

func newCacheMetrics(name string) *cacheMetrics {
	return &cacheMetrics{
		hits:         cacheHitsTotal.WithLabelValues(name),
		misses:       cacheMissesTotal.WithLabelValues(name),
		computations: cacheComputationsTotal.WithLabelValues(name),
		failures:     cacheFailuresTotal.WithLabelValues(name),
		dirtied:      cacheDirtiedTotal.WithLabelValues(name),
		stored:       cacheStoredBytes.WithLabelValues(name),
	}
}
