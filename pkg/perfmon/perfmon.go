// Package perfmon keeps named collections of performance counters.
//
// A collection groups the counters of one logical index (primary,
// secondary, ...). Each counter reports both a cumulative total and a rate
// over a sliding window of one-second buckets. Counters are safe for
// concurrent use.
package perfmon

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is the span a counter's rate is averaged over.
const DefaultWindow = 10 * time.Second

// Standard counter names recorded by block stores.
const (
	Reads      = "reads"
	Writes     = "writes"
	Allocates  = "allocates"
	Frees      = "frees"
	ReadBytes  = "read_bytes"
	WriteBytes = "write_bytes"
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// Counter is a monotonically increasing count with a windowed rate.
type Counter struct {
	name  string
	clock Clock

	mu      sync.Mutex
	total   uint64
	buckets []uint64
	// head is the unix second of buckets[headIdx].
	head    int64
	headIdx int
}

func newCounter(name string, window time.Duration, clock Clock) *Counter {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &Counter{
		name:    name,
		clock:   clock,
		buckets: make([]uint64, n),
		head:    clock().Unix(),
	}
}

// Name returns the counter name.
func (c *Counter) Name() string {
	return c.name
}

// Add records n events.
func (c *Counter) Add(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(c.clock().Unix())
	c.total += n
	c.buckets[c.headIdx] += n
}

// Inc records one event.
func (c *Counter) Inc() {
	c.Add(1)
}

// Total returns the cumulative count.
func (c *Counter) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Rate returns events per second averaged over the window.
func (c *Counter) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(c.clock().Unix())
	var sum uint64
	for _, b := range c.buckets {
		sum += b
	}
	return float64(sum) / float64(len(c.buckets))
}

// advance rotates the ring so the head bucket covers now. Caller holds mu.
func (c *Counter) advance(now int64) {
	if now <= c.head {
		return
	}
	steps := now - c.head
	if steps >= int64(len(c.buckets)) {
		clear(c.buckets)
		c.headIdx = 0
		c.head = now
		return
	}
	for ; steps > 0; steps-- {
		c.headIdx = (c.headIdx + 1) % len(c.buckets)
		c.buckets[c.headIdx] = 0
	}
	c.head = now
}

// Collection is a named group of counters.
type Collection struct {
	name   string
	window time.Duration
	clock  Clock

	mu       sync.RWMutex
	counters map[string]*Counter
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Counter returns the named counter, creating it on first use.
func (c *Collection) Counter(name string) *Counter {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return ctr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr = newCounter(name, c.window, c.clock)
	c.counters[name] = ctr
	return ctr
}

// Sample is one counter reading.
type Sample struct {
	Collection string  `json:"collection"`
	Counter    string  `json:"counter"`
	Total      uint64  `json:"total"`
	Rate       float64 `json:"rate"`
}

// Snapshot reads every counter of the collection, sorted by name.
func (c *Collection) Snapshot() []Sample {
	c.mu.RLock()
	counters := make([]*Counter, 0, len(c.counters))
	for _, ctr := range c.counters {
		counters = append(counters, ctr)
	}
	c.mu.RUnlock()

	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	out := make([]Sample, 0, len(counters))
	for _, ctr := range counters {
		out = append(out, Sample{
			Collection: c.name,
			Counter:    ctr.name,
			Total:      ctr.Total(),
			Rate:       ctr.Rate(),
		})
	}
	return out
}

// Registry holds every collection of a process.
type Registry struct {
	window time.Duration
	clock  Clock

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Option configures a Registry.
type Option func(*Registry)

// WithWindow sets the rate window. Windows shorter than a second use one
// bucket.
func WithWindow(d time.Duration) Option {
	return func(r *Registry) { r.window = d }
}

// WithClock substitutes the time source.
func WithClock(clock Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		window:      DefaultWindow,
		clock:       time.Now,
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Collection returns the named collection, creating it on first use.
func (r *Registry) Collection(name string) *Collection {
	r.mu.RLock()
	c, ok := r.collections[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.collections[name]; ok {
		return c
	}
	c = &Collection{
		name:     name,
		window:   r.window,
		clock:    r.clock,
		counters: make(map[string]*Counter),
	}
	r.collections[name] = c
	return c
}

// Names returns the collection names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot reads every counter of every collection.
func (r *Registry) Snapshot() []Sample {
	var out []Sample
	for _, name := range r.Names() {
		out = append(out, r.Collection(name).Snapshot()...)
	}
	return out
}
