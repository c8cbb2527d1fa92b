package prometheus

import (
	"time"

	"github.com/marmos91/extentdb/pkg/metrics"
	"github.com/marmos91/extentdb/pkg/serializer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterSerializerMetricsConstructor(NewSerializerMetrics)
}

// serializerMetrics is the Prometheus implementation of serializer.Metrics.
type serializerMetrics struct {
	ioOperations   *prometheus.CounterVec
	ioBytes        *prometheus.CounterVec
	ioDuration     *prometheus.HistogramVec
	commitDuration prometheus.Histogram
	commitRecords  prometheus.Histogram
	extents        *prometheus.GaugeVec
	liveRatio      prometheus.Gauge
	relocations    prometheus.Counter
	collections    prometheus.Counter
}

// NewSerializerMetrics creates a new Prometheus-backed serializer.Metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSerializerMetrics() serializer.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return shared(metrics.GetRegistry(), "serializer", newSerializerMetrics)
}

func newSerializerMetrics(reg prometheus.Registerer) *serializerMetrics {
	return &serializerMetrics{
		ioOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "extentdb_serializer_io_operations_total",
				Help: "Total number of block I/O operations by direction and account",
			},
			[]string{"direction", "account"}, // direction: "read", "write"
		),
		ioBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "extentdb_serializer_io_bytes_total",
				Help: "Total bytes transferred by direction and account",
			},
			[]string{"direction", "account"},
		),
		ioDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "extentdb_serializer_io_duration_milliseconds",
				Help: "Duration of block I/O from dispatch to completion in milliseconds",
				Buckets: []float64{
					0.05, // 50us - page cache
					0.1,  // 100us
					0.5,  // 500us - NVMe
					1,    // 1ms
					5,    // 5ms
					10,   // 10ms - spinning disks
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms - queued behind GC
				},
			},
			[]string{"direction", "account"},
		),
		commitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extentdb_serializer_commit_duration_milliseconds",
				Help:    "Duration of index commits in milliseconds",
				Buckets: []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
		),
		commitRecords: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extentdb_serializer_commit_records",
				Help:    "Number of index records per commit",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		extents: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extentdb_serializer_extents",
				Help: "Number of extents by state",
			},
			[]string{"state"}, // "free", "active", "sealed", "collecting"
		),
		liveRatio: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "extentdb_serializer_live_ratio",
				Help: "Aggregate live ratio of sealed extents (0.0 to 1.0)",
			},
		),
		relocations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "extentdb_serializer_gc_relocated_blocks_total",
				Help: "Total number of blocks relocated by the garbage collector",
			},
		),
		collections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "extentdb_serializer_gc_collected_extents_total",
				Help: "Total number of extents returned to the free pool",
			},
		),
	}
}

func (m *serializerMetrics) observeIO(direction, account string, bytes int, duration time.Duration) {
	m.ioOperations.WithLabelValues(direction, account).Inc()
	m.ioBytes.WithLabelValues(direction, account).Add(float64(bytes))
	m.ioDuration.WithLabelValues(direction, account).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *serializerMetrics) ObserveWrite(account string, bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.observeIO("write", account, bytes, duration)
}

func (m *serializerMetrics) ObserveRead(account string, bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.observeIO("read", account, bytes, duration)
}

func (m *serializerMetrics) ObserveCommit(records int, duration time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(float64(duration.Microseconds()) / 1000.0)
	m.commitRecords.Observe(float64(records))
}

func (m *serializerMetrics) RecordExtents(free, active, sealed, collecting int) {
	if m == nil {
		return
	}
	m.extents.WithLabelValues("free").Set(float64(free))
	m.extents.WithLabelValues("active").Set(float64(active))
	m.extents.WithLabelValues("sealed").Set(float64(sealed))
	m.extents.WithLabelValues("collecting").Set(float64(collecting))
}

func (m *serializerMetrics) RecordLiveRatio(ratio float64) {
	if m == nil {
		return
	}
	m.liveRatio.Set(ratio)
}

func (m *serializerMetrics) RecordRelocation(blocks int) {
	if m == nil {
		return
	}
	m.relocations.Add(float64(blocks))
}

func (m *serializerMetrics) RecordCollection() {
	if m == nil {
		return
	}
	m.collections.Inc()
}
