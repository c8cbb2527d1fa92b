// Package engine assembles a running block store.
//
// An Engine owns one event loop and everything bound to it: the blocker
// pool, the flush timer, the serializer and the buffer cache. Callers use it
// from ordinary goroutines through per-index Stores; every storage operation
// is posted to the loop and awaited.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/internal/telemetry"
	"github.com/marmos91/extentdb/pkg/aio"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/config"
	"github.com/marmos91/extentdb/pkg/metrics"
	promexp "github.com/marmos91/extentdb/pkg/metrics/prometheus"
	"github.com/marmos91/extentdb/pkg/perfmon"
	"github.com/marmos91/extentdb/pkg/serializer"
	"github.com/prometheus/client_golang/prometheus"
)

// Index names used by the CLI and tests. Any name is accepted by Store.
const (
	PrimaryIndex   = "primary"
	SecondaryIndex = "secondary"
)

// Errors returned by the engine.
var (
	ErrClosed = errors.New("engine: closed")
)

// Engine is an open block store.
type Engine struct {
	cfg  *config.Config
	perf *perfmon.Registry

	q      *aio.Queue
	pool   *aio.BlockerPool
	timer  *aio.Timer
	ser    *serializer.Serializer
	cache  *cache.Cache
	cancel context.CancelFunc
	loop   chan error

	collectors []prometheus.Collector

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	perf        *perfmon.Registry
	concurrency cache.ConcurrencyControl
}

// WithPerfmon records store counters into reg instead of a private registry.
func WithPerfmon(reg *perfmon.Registry) Option {
	return func(o *options) { o.perf = reg }
}

// WithConcurrency replaces the default per-block reader/writer locks.
func WithConcurrency(cc cache.ConcurrencyControl) Option {
	return func(o *options) { o.concurrency = cc }
}

// Init creates a new store in cfg.Engine.Dir and records cfg next to it as
// engine.yaml. metainfo is kept in the superblock.
func Init(cfg *config.Config, metainfo map[string][]byte) error {
	if err := serializer.Create(cfg.Engine.Dir, cfg.Serializer.ToSerializer(), metainfo); err != nil {
		return err
	}
	if err := config.SaveEngineConfig(cfg); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Open starts the loop and opens the store in cfg.Engine.Dir. Dirty state
// is reconciled before Open returns.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (e *Engine, err error) {
	ctx, span := telemetry.StartEngineSpan(ctx, "open")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()
	start := time.Now()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.perf == nil {
		o.perf = perfmon.NewRegistry()
	}
	if o.concurrency == nil {
		o.concurrency = cache.NewBlockLocks()
	}

	q, err := aio.NewQueue()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e = &Engine{
		cfg:    cfg,
		perf:   o.perf,
		q:      q,
		cancel: cancel,
		loop:   make(chan error, 1),
		stores: make(map[string]*Store),
	}
	go func() { e.loop <- q.Run(loopCtx) }()

	if err := e.start(ctx, o); err != nil {
		e.teardown()
		return nil, err
	}

	info := e.ser.Info()
	span.SetAttributes(telemetry.BlockSize(info.BlockSize), telemetry.ExtentSize(info.ExtentSize))
	logger.InfoCtx(ctx, "Engine opened",
		logger.KeyPath, cfg.Engine.Dir,
		logger.KeyBlockSize, info.BlockSize,
		logger.KeyExtentSize, info.ExtentSize,
		logger.KeyWorkers, cfg.Engine.BlockerWorkers,
		logger.KeyDurationMs, logger.Duration(start))
	return e, nil
}

func (e *Engine) start(ctx context.Context, o options) error {
	pool, err := aio.NewBlockerPool(e.q, e.cfg.Engine.BlockerWorkers)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.pool = pool

	ser, err := serializer.Open(ctx, e.cfg.Engine.Dir, e.cfg.Serializer.ToSerializer(), pool, metrics.NewSerializerMetrics())
	if err != nil {
		return err
	}
	e.ser = ser

	timer, err := aio.NewTimer(e.q)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.timer = timer

	c, err := cache.New(e.cfg.Cache.ToCache(), ser, e.q, cache.Options{
		Concurrency: o.concurrency,
		Timer:       timer,
		Metrics:     metrics.NewCacheMetrics(),
	})
	if err != nil {
		return err
	}
	e.cache = c

	var rec serializer.ReconcileResult
	if err := e.onLoop(ctx, func() {
		ser.SetReadAhead(c.ReadAhead)
		rec = ser.Reconcile()
	}); err != nil {
		return err
	}
	if rec.Drifted > 0 {
		logger.WarnCtx(ctx, "Reconciled extent liveness on open",
			logger.KeyExtents, rec.Drifted,
			logger.KeyCount, rec.Slots)
	}

	e.registerCollectors()
	return nil
}

// registerCollectors exports perfmon counters and index cache statistics
// when metrics are enabled.
func (e *Engine) registerCollectors() {
	reg := metrics.GetRegistry()
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		promexp.NewPerfmonCollector(e.perf),
		promexp.NewBadgerCollector(e.ser.IndexCacheStats),
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("Failed to register engine collector", logger.KeyError, err)
			continue
		}
		e.collectors = append(e.collectors, c)
	}
}

// onLoop runs fn on the loop thread and waits for it. If ctx ends first fn
// may still run.
func (e *Engine) onLoop(ctx context.Context, fn func()) error {
	if e.q.InLoop() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := e.q.Post(func() {
		fn()
		close(done)
	}); err != nil {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store returns the block store of the named index. Stores share the cache
// and serializer; each records its own performance counters.
func (e *Engine) Store(name string) *Store {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.stores[name]; ok {
		return s
	}
	s := newStore(e, name, e.perf.Collection(name))
	e.stores[name] = s
	return s
}

// Perfmon returns the registry holding the store counters.
func (e *Engine) Perfmon() *perfmon.Registry {
	return e.perf
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Info returns the store identity.
func (e *Engine) Info() serializer.Info {
	return e.ser.Info()
}

// Metainfo returns the key/value pairs recorded at Init.
func (e *Engine) Metainfo() map[string][]byte {
	return e.ser.Metainfo()
}

// Flush writes every dirty page and waits for the index commit.
func (e *Engine) Flush(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.cache.Flush(ctx)
}

// Stats is a snapshot of every layer of the engine.
type Stats struct {
	Info       serializer.Info            `json:"info"`
	Cache      cache.Stats                `json:"cache"`
	Serializer serializer.Stats           `json:"serializer"`
	IndexCache serializer.IndexCacheStats `json:"index_cache"`
	Counters   []perfmon.Sample           `json:"counters"`
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if e.isClosed() {
		return Stats{}, ErrClosed
	}

	cs, err := e.cache.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	var ss serializer.Stats
	if err := e.onLoop(ctx, func() { ss = e.ser.Stats() }); err != nil {
		return Stats{}, err
	}
	return Stats{
		Info:       e.ser.Info(),
		Cache:      cs,
		Serializer: ss,
		IndexCache: e.ser.IndexCacheStats(),
		Counters:   e.perf.Snapshot(),
	}, nil
}

// Extents returns per-extent liveness.
func (e *Engine) Extents(ctx context.Context) ([]serializer.ExtentInfo, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	var out []serializer.ExtentInfo
	err := e.onLoop(ctx, func() { out = e.ser.Extents() })
	return out, err
}

// Compact flushes the cache, reconciles extent liveness and starts a
// garbage collection pass over every eligible extent.
func (e *Engine) Compact(ctx context.Context) (serializer.ReconcileResult, error) {
	if e.isClosed() {
		return serializer.ReconcileResult{}, ErrClosed
	}
	if err := e.cache.Flush(ctx); err != nil {
		return serializer.ReconcileResult{}, err
	}
	var rec serializer.ReconcileResult
	err := e.onLoop(ctx, func() {
		rec = e.ser.Reconcile()
		e.ser.CollectNow()
	})
	if err == nil {
		logger.Info("Compaction started",
			logger.KeyExtents, rec.Extents,
			logger.KeyCount, rec.Drifted)
	}
	return rec, err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close flushes the cache, drains the serializer and stops the loop. On
// error the engine is still torn down; the error reports what could not be
// written.
func (e *Engine) Close(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	ctx, span := telemetry.StartEngineSpan(ctx, "close")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	var errs []error
	if err := e.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	drained := make(chan struct{})
	if err := e.q.Post(func() { e.ser.Drain(func() { close(drained) }) }); err != nil {
		errs = append(errs, err)
	} else {
		select {
		case <-drained:
		case <-ctx.Done():
			// Tearing down with jobs in flight would trip the pool's
			// outstanding-job assertion; leave the loop running.
			return errors.Join(append(errs, fmt.Errorf("serializer drain: %w", ctx.Err()))...)
		}
	}

	errs = append(errs, e.teardown())
	logger.InfoCtx(ctx, "Engine closed", logger.KeyPath, e.cfg.Engine.Dir)
	return errors.Join(errs...)
}

// teardown stops the loop and releases every resource that was created.
func (e *Engine) teardown() error {
	if reg := metrics.GetRegistry(); reg != nil {
		for _, c := range e.collectors {
			reg.Unregister(c)
		}
	}
	e.collectors = nil

	e.cancel()
	var errs []error
	if err := <-e.loop; err != nil {
		errs = append(errs, err)
	}
	if e.pool != nil {
		e.pool.Shutdown()
	}
	if e.timer != nil {
		errs = append(errs, e.timer.Close())
	}
	if e.ser != nil {
		errs = append(errs, e.ser.Close())
	}
	errs = append(errs, e.q.Close())
	return errors.Join(errs...)
}
