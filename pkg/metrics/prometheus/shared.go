package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type sinkKey struct {
	reg  *prometheus.Registry
	name string
}

var (
	sinksMu sync.Mutex
	sinks   = make(map[sinkKey]any)
)

// shared returns the sink registered under name in reg, building it on
// first use. Metric vectors can be registered only once per registry, and an
// engine may be reopened within one process.
func shared[T any](reg *prometheus.Registry, name string, build func(prometheus.Registerer) T) T {
	sinksMu.Lock()
	defer sinksMu.Unlock()

	key := sinkKey{reg: reg, name: name}
	if s, ok := sinks[key]; ok {
		return s.(T)
	}
	s := build(reg)
	sinks[key] = s
	return s
}
