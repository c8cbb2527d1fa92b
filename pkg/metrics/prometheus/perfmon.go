package prometheus

import (
	"github.com/marmos91/extentdb/pkg/perfmon"
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for perfmon series.
const (
	LabelCollection = "collection"
	LabelCounter    = "counter"
)

// PerfmonCollector exports every counter of a perfmon.Registry on scrape.
// Collections and counters created after registration appear on the next
// scrape.
type PerfmonCollector struct {
	source *perfmon.Registry
	total  *prometheus.Desc
	rate   *prometheus.Desc
}

// NewPerfmonCollector creates a collector over source. Register it with
// prometheus.Registerer.Register.
func NewPerfmonCollector(source *perfmon.Registry) *PerfmonCollector {
	return &PerfmonCollector{
		source: source,
		total: prometheus.NewDesc(
			prometheus.BuildFQName("extentdb", "perfmon", "total"),
			"Cumulative value of a performance counter",
			[]string{LabelCollection, LabelCounter}, nil,
		),
		rate: prometheus.NewDesc(
			prometheus.BuildFQName("extentdb", "perfmon", "rate"),
			"Per-second rate of a performance counter over its window",
			[]string{LabelCollection, LabelCounter}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PerfmonCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.rate
}

// Collect implements prometheus.Collector.
func (c *PerfmonCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(s.Total), s.Collection, s.Counter)
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, s.Rate, s.Collection, s.Counter)
	}
}
