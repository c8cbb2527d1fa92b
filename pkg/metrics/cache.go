package metrics

import (
	"github.com/marmos91/extentdb/pkg/cache"
)

// NewCacheMetrics creates a Prometheus-backed cache.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called) or no
// implementation has been linked in. Pass the result straight to
// cache.Options; a nil sink costs nothing.
//
//	metrics.InitRegistry()
//	c, err := cache.New(cfg, backend, queue, cache.Options{
//		Timer:   timer,
//		Metrics: metrics.NewCacheMetrics(),
//	})
func NewCacheMetrics() cache.Metrics {
	if !IsEnabled() || newPrometheusCacheMetrics == nil {
		return nil
	}
	return newPrometheusCacheMetrics()
}

// newPrometheusCacheMetrics is implemented in pkg/metrics/prometheus/cache.go.
// The indirection keeps this package free of the implementation import.
var newPrometheusCacheMetrics func() cache.Metrics

// RegisterCacheMetricsConstructor registers the Prometheus cache metrics
// constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterCacheMetricsConstructor(constructor func() cache.Metrics) {
	newPrometheusCacheMetrics = constructor
}
