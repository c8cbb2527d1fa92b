package cache

import (
	"context"
	"time"

	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/internal/telemetry"
	"github.com/marmos91/extentdb/pkg/account"
	"github.com/marmos91/extentdb/pkg/aio"
)

// ============================================================================
// Write-back
// ============================================================================

// barrier completes once every page it was attached to has been written.
// Pages rewritten while their write was in flight keep the barrier until a
// write of the newer version completes.
type barrier struct {
	remaining int
	pages     int
	explicit  bool
	err       error
	done      func(error)
}

func (b *barrier) resolve(err error) {
	if err != nil && b.err == nil {
		b.err = err
	}
	b.remaining--
	if b.remaining == 0 && b.done != nil {
		b.done(b.err)
	}
}

// pump starts write-backs until MaxConcurrentFlushes are in flight or no
// page is eligible.
func (c *Cache) pump() {
	if c.pumping {
		return
	}
	c.pumping = true
	defer func() { c.pumping = false }()

	for c.wb.canStart() {
		h, ok := c.nextFlush()
		if !ok {
			return
		}
		c.startFlush(h)
	}
}

// nextFlush returns the oldest dirty page that is due. Pages held for write
// are skipped until released.
func (c *Cache) nextFlush() (int, bool) {
	unflushed := c.wb.dirty - int64(c.wb.inflight*c.blockSize)
	background := c.wb.background(unflushed)

	for e := c.dirty.Front(); e != nil; e = e.Next() {
		h := e.Value.(int)
		f := c.arena.get(h)
		if f.flushing || f.writers > 0 {
			continue
		}
		if background || len(f.barriers) > 0 {
			return h, true
		}
	}
	return 0, false
}

func (c *Cache) startFlush(h int) {
	f := c.arena.get(h)
	f.flushing = true
	f.flushVersion = f.version
	c.wb.inflight++

	acct := c.flush
	for _, b := range f.barriers {
		if b.explicit {
			acct = c.writes
			break
		}
	}

	start := time.Now()
	c.backend.Write(f.id, f.buf, acct, func(err error) {
		c.flushDone(h, acct, start, err)
	})
}

func (c *Cache) flushDone(h int, acct account.Account, start time.Time, err error) {
	f := c.arena.get(h)
	f.flushing = false
	c.wb.inflight--
	if c.metrics != nil {
		c.metrics.ObserveFlush(acct.Name, time.Since(start))
	}

	switch {
	case f.freed:
		c.dispose(h)
	case err != nil:
		// The serializer treats device errors as fatal, so only a rejected
		// write lands here. Retrying would spin; the page is dropped.
		logger.Error("cache: write-back rejected",
			logger.KeyBlockID, uint64(f.id),
			logger.KeyAccount, acct.Name,
			logger.KeyError, err)
		c.clean(h, err)
	case f.version == f.flushVersion:
		c.flushed++
		c.clean(h, nil)
	}

	c.pump()
	c.recordDirty()
}

// clean clears a page's dirty state and resolves its barriers.
func (c *Cache) clean(h int, err error) {
	f := c.arena.get(h)
	barriers := f.barriers
	f.barriers = nil
	f.dirty = false
	if f.dirtyElem != nil {
		c.dirty.Remove(f.dirtyElem)
		f.dirtyElem = nil
	}
	c.settle(h)

	c.wb.sub(int64(c.blockSize))
	for _, b := range barriers {
		b.resolve(err)
	}
}

// flushAll attaches a barrier to every dirty page not held for write and
// calls done once they are all written.
func (c *Cache) flushAll(reason string, explicit bool, done func(error)) {
	_, span := telemetry.StartFlushSpan(context.Background(), reason,
		telemetry.DirtyBytes(c.wb.dirty),
		telemetry.CacheState(c.wb.state.String()))
	start := time.Now()

	b := &barrier{explicit: explicit}
	skipped := 0
	for e := c.dirty.Front(); e != nil; e = e.Next() {
		h := e.Value.(int)
		f := c.arena.get(h)
		if f.writers > 0 {
			skipped++
			continue
		}
		f.barriers = append(f.barriers, b)
		b.remaining++
	}
	b.pages = b.remaining

	b.done = func(err error) {
		span.SetAttributes(telemetry.Flushed(b.pages))
		telemetry.RecordError(span, err)
		span.End()
		logger.Debug("cache: flush pass complete",
			"reason", reason,
			logger.KeyPages, b.pages,
			logger.KeyDurationMs, logger.Duration(start))
		if done != nil {
			done(err)
		}
	}

	if skipped > 0 {
		logger.Debug("cache: flush skipping pages held for write",
			"reason", reason,
			logger.KeyPages, skipped)
	}
	if b.remaining == 0 {
		b.done(nil)
		return
	}
	c.pump()
}

// FlushAsync writes every dirty page not held for write and calls cb once
// they are durable.
func (c *Cache) FlushAsync(cb func(error)) {
	if c.closed {
		cb(ErrClosed)
		return
	}
	c.flushAll("explicit", true, cb)
}

// ============================================================================
// Periodic flush
// ============================================================================

func (c *Cache) armTimer() {
	d, ok := c.cfg.FlushInterval.Period()
	if !ok || c.closed || c.timer == nil {
		return
	}
	c.timer.ScheduleOneshot(aio.Now()+aio.Tick(d), c.onTimer)
}

func (c *Cache) onTimer() {
	if c.closed {
		return
	}
	if c.dirty.Len() > 0 {
		c.flushAll("timer", false, nil)
	}
	c.armTimer()
}

// ============================================================================
// Shutdown
// ============================================================================

// CloseAsync stops admitting work, writes back every dirty page not held for
// write and releases idle pages. Throttled writers fail with ErrClosed.
func (c *Cache) CloseAsync(cb func(error)) {
	if c.closed {
		cb(nil)
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.UnscheduleOneshot()
	}
	c.wb.wake(ErrClosed)

	c.flushAll("close", true, func(err error) {
		for {
			h, ok := c.repl.victim()
			if !ok {
				break
			}
			c.dispose(h)
		}
		if c.pinned > 0 {
			logger.Warn("cache: closed with pinned pages",
				logger.KeyPins, c.pinned,
				logger.KeyDirtyBytes, c.wb.dirty)
		}
		logger.Info("cache closed",
			logger.KeyPages, c.pages.len(),
			logger.KeyCount, c.flushed)
		cb(err)
	})
}
