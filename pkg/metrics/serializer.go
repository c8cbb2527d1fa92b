package metrics

import (
	"github.com/marmos91/extentdb/pkg/serializer"
)

// NewSerializerMetrics creates a Prometheus-backed serializer.Metrics.
//
// Returns nil if metrics are not enabled or no implementation has been
// linked in.
func NewSerializerMetrics() serializer.Metrics {
	if !IsEnabled() || newPrometheusSerializerMetrics == nil {
		return nil
	}
	return newPrometheusSerializerMetrics()
}

var newPrometheusSerializerMetrics func() serializer.Metrics

// RegisterSerializerMetricsConstructor registers the Prometheus serializer
// metrics constructor.
func RegisterSerializerMetricsConstructor(constructor func() serializer.Metrics) {
	newPrometheusSerializerMetrics = constructor
}
