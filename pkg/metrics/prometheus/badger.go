package prometheus

import (
	"github.com/marmos91/extentdb/pkg/serializer"
	"github.com/prometheus/client_golang/prometheus"
)

// BadgerCollector exports the block index's badger cache counters by cache
// type.
type BadgerCollector struct {
	source   func() serializer.IndexCacheStats
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	hitRatio *prometheus.Desc
}

// NewBadgerCollector creates a collector reading counters from source on
// every scrape.
func NewBadgerCollector(source func() serializer.IndexCacheStats) *BadgerCollector {
	labels := []string{"cache_type"} // "block", "index"
	return &BadgerCollector{
		source: source,
		hits: prometheus.NewDesc(
			"extentdb_badger_cache_hits_total",
			"Total number of BadgerDB cache hits by cache type",
			labels, nil,
		),
		misses: prometheus.NewDesc(
			"extentdb_badger_cache_misses_total",
			"Total number of BadgerDB cache misses by cache type",
			labels, nil,
		),
		hitRatio: prometheus.NewDesc(
			"extentdb_badger_cache_hit_ratio",
			"BadgerDB cache hit ratio (0.0 to 1.0) by cache type",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *BadgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.hitRatio
}

// Collect implements prometheus.Collector.
func (c *BadgerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source()
	c.collect(ch, "block", st.BlockHits, st.BlockMisses)
	c.collect(ch, "index", st.IndexHits, st.IndexMisses)
}

func (c *BadgerCollector) collect(ch chan<- prometheus.Metric, cacheType string, hits, misses uint64) {
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(hits), cacheType)
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(misses), cacheType)
	ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, ratio, cacheType)
}
