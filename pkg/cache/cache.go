// Package cache implements the mirrored buffer cache.
//
// The cache mirrors serializer blocks as in-memory pages. Callers allocate,
// acquire and release pages; dirty releases are written back in the
// background. It is a composition of five policies, each behind a small
// interface and owned by the Cache:
//
//   - allocator: page buffers drawn from an aligned bufpool against MaxSize
//   - pageMap: block id to arena handle
//   - replacer: LRU over unpinned, clean pages
//   - writeBack: dirty byte accounting, flush concurrency and backpressure
//   - ConcurrencyControl: pluggable per-block admission (NoConcurrency,
//     BlockLocks)
//
// Pages live in an arena addressed by integer handles; the pin count is a
// field of the arena slot.
//
// # Threading
//
// All state is owned by the event loop. The Async methods must be called on
// the loop thread. The blocking methods (Allocate, Acquire, Release, Free,
// Flush, Stats, Close) post to the loop and wait, and may be called from any
// goroutine other than the loop.
//
// # Write-back
//
// Dirty pages are written through the serializer under the flush account.
// Below FlushDirtySize nothing is written except by the periodic timer or an
// explicit Flush. From FlushDirtySize every dirty page is written, at most
// MaxConcurrentFlushes at a time. At MaxDirtySize new writers (Allocate and
// write-mode Acquire) wait in FIFO order until the dirty byte count drops
// below MaxDirtySize. A page is never evicted while dirty or being written.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/pkg/account"
	"github.com/marmos91/extentdb/pkg/aio"
	"github.com/marmos91/extentdb/pkg/serializer"
)

// Backend is the block storage the cache mirrors. Implemented by
// *serializer.Serializer. Callbacks run on the loop thread, never from
// inside the call that registered them. Write must not retain data after it
// returns.
type Backend interface {
	BlockSize() int
	Allocate() BlockID
	Write(id BlockID, data []byte, acct account.Account, cb func(error))
	Read(id BlockID, acct account.Account, cb func(data []byte, err error))
	Free(id BlockID) error
}

// Executor runs functions on the loop thread. Implemented by *aio.Queue.
type Executor interface {
	Post(fn func()) error
	InLoop() bool
}

// Timer is a one-shot loop timer. Implemented by *aio.Timer.
type Timer interface {
	ScheduleOneshot(deadline aio.Tick, cb func())
	UnscheduleOneshot()
}

// Options carries the optional collaborators of a Cache.
type Options struct {
	// Concurrency defaults to NoConcurrency.
	Concurrency ConcurrencyControl

	// Timer is required unless FlushInterval is Never.
	Timer Timer

	// Metrics may be nil.
	Metrics Metrics
}

// Page is one acquisition of a cached block. Each Allocate or Acquire
// returns its own Page, which must be released exactly once.
type Page struct {
	c        *Cache
	h        int
	id       BlockID
	mode     Mode
	data     []byte
	released bool
}

// ID returns the block id.
func (p *Page) ID() BlockID { return p.id }

// Mode returns the access mode the page was acquired with.
func (p *Page) Mode() Mode { return p.mode }

// Data returns the page buffer. Only write-mode holders may modify it, and
// only until Release.
func (p *Page) Data() []byte { return p.data }

type acquireWaiter struct {
	mode Mode
	cb   func(*Page, error)
}

// Cache is the mirrored buffer cache.
type Cache struct {
	cfg       Config
	blockSize int
	backend   Backend
	exec      Executor
	timer     Timer
	metrics   Metrics

	arena arena
	pages pageMap
	repl  replacer
	alloc allocator
	wb    *writeBack
	cc    ConcurrencyControl

	// dirty holds arena handles in the order they were first dirtied.
	dirty *list.List

	reads  account.Account
	writes account.Account
	flush  account.Account

	closed  bool
	pumping bool
	pinned  int

	hits       uint64
	misses     uint64
	evictions  uint64
	flushed    uint64
	readAheads uint64
	overBudget uint64
}

// New creates a cache over backend. Periodic flushing starts once exec runs.
func New(cfg Config, backend Backend, exec Executor, opts Options) (*Cache, error) {
	cfg.ApplyDefaults()
	blockSize := backend.BlockSize()
	if err := cfg.Validate(blockSize); err != nil {
		return nil, err
	}
	if !cfg.FlushInterval.IsNever() && opts.Timer == nil {
		return nil, errors.New("cache: periodic flush requires a timer")
	}

	reads, err := account.New(account.Reads, cfg.IOPriorityReads, 1)
	if err != nil {
		return nil, fmt.Errorf("cache: reads account: %w", err)
	}
	writes, err := account.New(account.Writes, cfg.IOPriorityWrites, 1)
	if err != nil {
		return nil, fmt.Errorf("cache: writes account: %w", err)
	}
	flush, err := account.New(account.Flush, cfg.IOPriorityFlush, 1)
	if err != nil {
		return nil, fmt.Errorf("cache: flush account: %w", err)
	}

	cc := opts.Concurrency
	if cc == nil {
		cc = NoConcurrency{}
	}

	c := &Cache{
		cfg:       cfg,
		blockSize: blockSize,
		backend:   backend,
		exec:      exec,
		timer:     opts.Timer,
		metrics:   opts.Metrics,
		pages:     make(hashPageMap),
		repl:      newLRUReplacer(),
		alloc:     newPoolAllocator(blockSize, cfg.MaxSize),
		wb:        newWriteBack(cfg),
		cc:        cc,
		dirty:     list.New(),
		reads:     reads,
		writes:    writes,
		flush:     flush,
	}

	if cfg.FlushInterval.IsNever() {
		logger.Warn("cache: periodic flush disabled, dirty pages are written only under pressure or on explicit flush",
			logger.KeyInterval, cfg.FlushInterval.String(),
			logger.KeyDirtyBytes, cfg.MaxDirtySize)
	} else if err := exec.Post(c.armTimer); err != nil {
		return nil, fmt.Errorf("cache: arm flush timer: %w", err)
	}

	logger.Debug("cache created",
		logger.KeyBlockSize, blockSize,
		logger.KeySize, cfg.MaxSize,
		logger.KeyInterval, cfg.FlushInterval.String())
	return c, nil
}

// BlockSize returns the page size.
func (c *Cache) BlockSize() int {
	return c.blockSize
}

// ============================================================================
// Loop-thread operations
// ============================================================================

// AllocateAsync obtains a new block id and a zeroed page pinned for write.
// The page is written back on release even if it is not marked dirty.
func (c *Cache) AllocateAsync(cb func(*Page, error)) {
	if c.closed {
		cb(nil, ErrClosed)
		return
	}
	c.wb.admit(func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if c.closed {
			cb(nil, ErrClosed)
			return
		}
		id := c.backend.Allocate()
		c.cc.BeginAcquire(id, Write, func() {
			h := c.newFrame(id)
			c.arena.get(h).fresh = true
			p := c.pin(h, Write)
			c.cc.EndAcquire(id, Write, nil)
			c.recordPages()
			cb(p, nil)
		})
	})
}

// AcquireAsync pins the page of id, reading it from the backend on a miss.
// Write-mode acquisitions are subject to backpressure.
func (c *Cache) AcquireAsync(id BlockID, mode Mode, cb func(*Page, error)) {
	if c.closed {
		cb(nil, ErrClosed)
		return
	}
	start := time.Now()
	enter := func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		c.cc.BeginAcquire(id, mode, func() {
			c.lookup(id, mode, start, func(p *Page, err error) {
				c.cc.EndAcquire(id, mode, err)
				cb(p, err)
			})
		})
	}
	if mode == Write {
		c.wb.admit(enter)
		return
	}
	enter(nil)
}

func (c *Cache) lookup(id BlockID, mode Mode, start time.Time, cb func(*Page, error)) {
	if c.closed {
		cb(nil, ErrClosed)
		return
	}

	if h, ok := c.pages.get(id); ok {
		f := c.arena.get(h)
		if f.loading {
			f.waiters = append(f.waiters, acquireWaiter{mode: mode, cb: cb})
			return
		}
		c.hits++
		c.observeAcquire(true, start)
		p := c.pin(h, mode)
		c.recordPages()
		cb(p, nil)
		return
	}

	c.misses++
	h := c.newFrame(id)
	f := c.arena.get(h)
	f.loading = true
	f.waiters = append(f.waiters, acquireWaiter{mode: mode, cb: cb})
	c.backend.Read(id, c.reads, func(data []byte, err error) {
		c.loaded(h, data, err, start)
	})
}

// loaded installs a page read from the backend and hands it to every
// acquisition that queued on it.
func (c *Cache) loaded(h int, data []byte, err error, start time.Time) {
	f := c.arena.get(h)
	id := f.id
	waiters := f.waiters
	f.waiters = nil
	f.loading = false

	if err != nil {
		switch {
		case errors.Is(err, serializer.ErrNotFound):
			err = fmt.Errorf("acquire block %d: %w", id, ErrNotFound)
		case errors.Is(err, serializer.ErrClosed):
			err = fmt.Errorf("acquire block %d: %w", id, ErrClosed)
		default:
			err = fmt.Errorf("acquire block %d: %w", id, err)
		}
		c.dispose(h)
		for _, w := range waiters {
			w.cb(nil, err)
		}
		return
	}

	copy(f.buf, data)
	c.observeAcquire(false, start)

	// Pin for every waiter before calling any of them, so a callback that
	// releases and frees the block cannot pull the frame from under the rest.
	pages := make([]*Page, len(waiters))
	for i, w := range waiters {
		pages[i] = c.pin(h, w.mode)
	}
	c.recordPages()
	for i, w := range waiters {
		w.cb(pages[i], nil)
	}
}

// ReadAhead installs a speculatively read block as a clean, unpinned page.
// It never evicts to make room. Matches serializer.ReadAheadFunc.
func (c *Cache) ReadAhead(id BlockID, data []byte) {
	if c.closed || c.alloc.full() {
		return
	}
	if _, ok := c.pages.get(id); ok {
		return
	}
	h := c.newFrame(id)
	copy(c.arena.get(h).buf, data)
	c.readAheads++
	c.settle(h)
}

// release unpins p. A dirty release, or the first release of an allocated
// page, hands the page to write-back. The returned id is always p's id.
func (c *Cache) release(p *Page, dirty bool) (BlockID, error) {
	if p == nil || p.c != c || p.released {
		var id BlockID
		if p != nil {
			id = p.id
		}
		return id, fmt.Errorf("release block %d: %w", id, ErrNotHeld)
	}
	if dirty && p.mode == Read {
		return p.id, fmt.Errorf("release block %d: %w", p.id, ErrReadOnly)
	}

	f := c.arena.get(p.h)
	if f.pins <= 0 || f.id != p.id {
		debug.Fatal("cache: pin count underflow",
			logger.KeyOperation, "release",
			logger.KeyBlockID, uint64(p.id),
			logger.KeyPins, f.pins)
	}

	c.cc.BeginRelease(p.id, p.mode)
	p.released = true
	f.pins--
	if p.mode == Write {
		f.writers--
		if (dirty || f.fresh) && !c.closed {
			c.markDirty(p.h)
		}
	}
	if f.pins == 0 {
		c.pinned--
	}
	c.settle(p.h)
	c.cc.EndRelease(p.id, p.mode)

	c.pump()
	c.recordPages()

	if c.closed && dirty {
		return p.id, fmt.Errorf("release block %d: %w", p.id, ErrClosed)
	}
	return p.id, nil
}

// free drops id from the cache and the backend.
func (c *Cache) free(id BlockID) error {
	if c.closed {
		return ErrClosed
	}
	if h, ok := c.pages.get(id); ok {
		f := c.arena.get(h)
		if f.pins > 0 || f.loading {
			return fmt.Errorf("free block %d: %w", id, ErrPinned)
		}
		f.freed = true
		c.repl.remove(h)
		c.pages.delete(id)
		flushing := f.flushing
		if f.dirty {
			c.clean(h, nil)
		}
		if !flushing {
			c.dispose(h)
		}
	}

	if err := c.backend.Free(id); err != nil {
		if errors.Is(err, serializer.ErrNotFound) {
			return fmt.Errorf("free block %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("free block %d: %w", id, err)
	}
	c.recordPages()
	return nil
}

// ============================================================================
// Frame lifecycle
// ============================================================================

// newFrame registers an empty page for id, evicting the least recently used
// clean page if the budget is exhausted. When nothing is evictable the page
// is allocated over budget.
func (c *Cache) newFrame(id BlockID) int {
	for c.alloc.full() {
		v, ok := c.repl.victim()
		if !ok {
			c.overBudget++
			logger.Debug("cache: over budget with nothing evictable",
				logger.KeyBlockID, uint64(id),
				logger.KeyPages, c.pages.len(),
				logger.KeyDirtyBytes, c.wb.dirty)
			break
		}
		c.evict(v)
	}

	buf := c.alloc.alloc()
	h := c.arena.alloc()
	f := c.arena.get(h)
	f.id = id
	f.buf = buf
	c.pages.put(id, h)
	return h
}

func (c *Cache) pin(h int, mode Mode) *Page {
	f := c.arena.get(h)
	if f.pins == 0 {
		c.repl.remove(h)
		c.pinned++
	}
	f.pins++
	if mode == Write {
		f.writers++
	}
	return &Page{c: c, h: h, id: f.id, mode: mode, data: f.buf}
}

// settle makes a page evictable once it is unpinned, clean and idle.
func (c *Cache) settle(h int) {
	f := c.arena.get(h)
	if f.pins > 0 || f.dirty || f.flushing || f.loading || f.freed {
		return
	}
	if c.closed {
		c.dispose(h)
		return
	}
	c.repl.add(h)
}

func (c *Cache) markDirty(h int) {
	f := c.arena.get(h)
	f.version++
	f.fresh = false
	if f.dirty {
		return
	}
	f.dirty = true
	f.dirtyElem = c.dirty.PushBack(h)
	c.repl.remove(h)
	c.wb.add(int64(c.blockSize))
	c.recordDirty()
}

func (c *Cache) evict(h int) {
	f := c.arena.get(h)
	debug.Assert(f.pins == 0 && !f.dirty && !f.flushing,
		"cache: evicting a page that must stay",
		logger.KeyBlockID, uint64(f.id),
		logger.KeyPins, f.pins,
		logger.KeyDirty, f.dirty)

	c.evictions++
	if c.metrics != nil {
		c.metrics.RecordEviction()
	}
	c.dispose(h)
}

// dispose returns a frame's buffer and handle.
func (c *Cache) dispose(h int) {
	f := c.arena.get(h)
	c.repl.remove(h)
	if cur, ok := c.pages.get(f.id); ok && cur == h {
		c.pages.delete(f.id)
	}
	c.alloc.release(f.buf)
	c.arena.release(h)
}

// ============================================================================
// Statistics
// ============================================================================

func (c *Cache) stats() Stats {
	return Stats{
		Pages:           c.pages.len(),
		Pinned:          c.pinned,
		DirtyPages:      c.dirty.Len(),
		DirtyBytes:      c.wb.dirty,
		UsedBytes:       c.alloc.used(),
		MaxSize:         c.cfg.MaxSize,
		State:           c.wb.state.String(),
		InflightFlushes: c.wb.inflight,
		Throttled:       c.wb.waiting(),
		Hits:            c.hits,
		Misses:          c.misses,
		Evictions:       c.evictions,
		Flushed:         c.flushed,
		ReadAheads:      c.readAheads,
		OverBudget:      c.overBudget,
	}
}

func (c *Cache) observeAcquire(hit bool, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveAcquire(hit, time.Since(start))
	}
}

func (c *Cache) recordPages() {
	if c.metrics != nil {
		c.metrics.RecordPages(c.pages.len(), c.pinned)
	}
}

func (c *Cache) recordDirty() {
	if c.metrics != nil {
		c.metrics.RecordDirty(c.wb.dirty, c.wb.state)
		c.metrics.RecordThrottled(c.wb.waiting())
	}
}
