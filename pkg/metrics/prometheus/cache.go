package prometheus

import (
	"time"

	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(NewCacheMetrics)
}

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	acquireOperations *prometheus.CounterVec
	acquireDuration   *prometheus.HistogramVec
	flushDuration     *prometheus.HistogramVec
	evictions         prometheus.Counter
	dirtyBytes        prometheus.Gauge
	writeBackState    *prometheus.GaugeVec
	pages             prometheus.Gauge
	pinnedPages       prometheus.Gauge
	throttledWriters  prometheus.Gauge
}

// NewCacheMetrics creates a new Prometheus-backed cache.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCacheMetrics() cache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return shared(metrics.GetRegistry(), "cache", newCacheMetrics)
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	return &cacheMetrics{
		acquireOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "extentdb_cache_acquire_operations_total",
				Help: "Total number of page acquisitions by lookup status",
			},
			[]string{"status"}, // "hit", "miss"
		),
		acquireDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "extentdb_cache_acquire_duration_milliseconds",
				Help: "Time from acquire request to page grant in milliseconds",
				Buckets: []float64{
					0.01, // 10us - hits
					0.1,  // 100us
					0.5,  // 500us
					1,    // 1ms
					5,    // 5ms - backend reads
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms - throttled writers
					1000, // 1s
				},
			},
			[]string{"status"},
		),
		flushDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extentdb_cache_flush_duration_milliseconds",
				Help:    "Duration of page write-backs in milliseconds by I/O account",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"account"},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "extentdb_cache_evictions_total",
				Help: "Total number of clean pages evicted by the replacer",
			},
		),
		dirtyBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "extentdb_cache_dirty_bytes",
				Help: "Bytes held by dirty pages awaiting write-back",
			},
		),
		writeBackState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extentdb_cache_writeback_state",
				Help: "Current write-back state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"}, // "below", "accumulating", "throttled"
		),
		pages: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "extentdb_cache_pages",
				Help: "Number of pages in the cache",
			},
		),
		pinnedPages: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "extentdb_cache_pinned_pages",
				Help: "Number of pages currently pinned by a client",
			},
		),
		throttledWriters: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "extentdb_cache_throttled_writers",
				Help: "Number of writers suspended by dirty-data backpressure",
			},
		),
	}
}

func hitStatus(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func (m *cacheMetrics) ObserveAcquire(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := hitStatus(hit)
	m.acquireOperations.WithLabelValues(status).Inc()
	m.acquireDuration.WithLabelValues(status).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *cacheMetrics) ObserveFlush(account string, duration time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.WithLabelValues(account).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *cacheMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *cacheMetrics) RecordDirty(bytes int64, state cache.WriteBackState) {
	if m == nil {
		return
	}
	m.dirtyBytes.Set(float64(bytes))
	for _, s := range []cache.WriteBackState{cache.StateBelow, cache.StateAccumulating, cache.StateThrottled} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.writeBackState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *cacheMetrics) RecordPages(pages, pinned int) {
	if m == nil {
		return
	}
	m.pages.Set(float64(pages))
	m.pinnedPages.Set(float64(pinned))
}

func (m *cacheMetrics) RecordThrottled(waiting int) {
	if m == nil {
		return
	}
	m.throttledWriters.Set(float64(waiting))
}
