package permcache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	invalidated prometheus.Counter
	expired     prometheus.Counter
	evictions   prometheus.Counter
	discarded   prometheus.Counter
	entries     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_hits_total",
			Help: "Number of permission cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_misses_total",
			Help: "Number of permission cache misses.",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_invalidated_total",
			Help: "Entries removed by pattern invalidation.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_expired_total",
			Help: "Entries purged by the expiry sweep.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_evictions_total",
			Help: "Entries evicted because the cache was full.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permd_cache_discarded_fills_total",
			Help: "Loader results dropped because an invalidation ran during the fill.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "permd_cache_entries",
			Help: "Current number of cached entries.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.invalidated, m.expired, m.evictions, m.discarded, m.entries} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}
