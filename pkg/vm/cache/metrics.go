package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache statistics to Prometheus. Register it with a
// registry of the embedding application.
type Collector struct {
	cache *Cache

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	corruptions *prometheus.Desc
	modules     *prometheus.Desc
	bytes       *prometheus.Desc
	live        *prometheus.Desc
	codeStore   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for c. namespace prefixes every metric.
func NewCollector(c *Cache, namespace string) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "module_cache", n)
	}
	return &Collector{
		cache: c,
		hits: prometheus.NewDesc(name("hits_total"),
			"Module lookups served by a cache tier.", []string{"tier"}, nil),
		misses: prometheus.NewDesc(name("misses_total"),
			"Module lookups that recompiled from stored bytecode.", nil, nil),
		corruptions: prometheus.NewDesc(name("corruptions_total"),
			"Artifacts that failed verification.", nil, nil),
		modules: prometheus.NewDesc(name("modules"),
			"Modules held by a memory tier.", []string{"tier"}, nil),
		bytes: prometheus.NewDesc(name("size_bytes"),
			"Estimated size of the modules held by a memory tier.", []string{"tier"}, nil),
		live: prometheus.NewDesc(name("live_modules"),
			"Compiled modules held by a tier or an instance.", nil, nil),
		codeStore: prometheus.NewDesc(name("code_store_bytes"),
			"Size of the code store database.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.hits
	ch <- m.misses
	ch <- m.corruptions
	ch <- m.modules
	ch <- m.bytes
	ch <- m.live
	ch <- m.codeStore
}

// Collect implements prometheus.Collector.
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	s := m.cache.Stats()

	ch <- prometheus.MustNewConstMetric(m.hits, prometheus.CounterValue, float64(s.HitsPinned), "pinned")
	ch <- prometheus.MustNewConstMetric(m.hits, prometheus.CounterValue, float64(s.HitsMemory), "memory")
	ch <- prometheus.MustNewConstMetric(m.hits, prometheus.CounterValue, float64(s.HitsLive), "live")
	ch <- prometheus.MustNewConstMetric(m.hits, prometheus.CounterValue, float64(s.HitsFS), "fs")
	ch <- prometheus.MustNewConstMetric(m.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(m.corruptions, prometheus.CounterValue, float64(s.Corruptions))
	ch <- prometheus.MustNewConstMetric(m.modules, prometheus.GaugeValue, float64(s.PinnedCount), "pinned")
	ch <- prometheus.MustNewConstMetric(m.modules, prometheus.GaugeValue, float64(s.MemoryCount), "memory")
	ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.GaugeValue, float64(s.PinnedSize), "pinned")
	ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.GaugeValue, float64(s.MemorySize), "memory")
	ch <- prometheus.MustNewConstMetric(m.live, prometheus.GaugeValue, float64(s.LiveModules))
	ch <- prometheus.MustNewConstMetric(m.codeStore, prometheus.GaugeValue, float64(s.CodeStoreSize))
}
