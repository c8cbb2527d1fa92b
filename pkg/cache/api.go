package cache

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Blocking API
// ============================================================================
//
// Each call posts its loop-thread counterpart to the executor and waits for
// the reply or ctx. A call abandoned by ctx after the loop granted a page
// hands the page back on the loop, so a cancelled Acquire never leaks a pin.

// Allocate obtains a new block and its zeroed page, pinned for write.
// It waits while writers are throttled.
func (c *Cache) Allocate(ctx context.Context) (BlockID, *Page, error) {
	p, err := await(ctx, c, c.AllocateAsync, func(p *Page) {
		_, _ = c.release(p, false)
		_ = c.free(p.id)
	})
	if err != nil {
		return 0, nil, err
	}
	return p.id, p, nil
}

// Acquire pins the page of id. Write-mode acquisitions wait while writers
// are throttled.
func (c *Cache) Acquire(ctx context.Context, id BlockID, mode Mode) (*Page, error) {
	return await(ctx, c, func(reply func(*Page, error)) {
		c.AcquireAsync(id, mode, reply)
	}, func(p *Page) {
		_, _ = c.release(p, false)
	})
}

// Release unpins p and, if dirty, schedules it for write-back. It returns
// the block id, which never changes. If ctx ends first the release may still
// take effect.
func (c *Cache) Release(ctx context.Context, p *Page, dirty bool) (BlockID, error) {
	if c.exec.InLoop() {
		return c.release(p, dirty)
	}
	return await(ctx, c, func(reply func(BlockID, error)) {
		reply(c.release(p, dirty))
	}, nil)
}

// Free drops an unpinned block from the cache and the backend.
func (c *Cache) Free(ctx context.Context, id BlockID) error {
	if c.exec.InLoop() {
		return c.free(id)
	}
	_, err := await(ctx, c, func(reply func(struct{}, error)) {
		reply(struct{}{}, c.free(id))
	}, nil)
	return err
}

// Flush writes every dirty page not held for write and waits until the
// writes and their index commit are durable.
func (c *Cache) Flush(ctx context.Context) error {
	_, err := await(ctx, c, func(reply func(struct{}, error)) {
		c.FlushAsync(func(err error) { reply(struct{}{}, err) })
	}, nil)
	return err
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if c.exec.InLoop() {
		return c.stats(), nil
	}
	return await(ctx, c, func(reply func(Stats, error)) {
		reply(c.stats(), nil)
	}, nil)
}

// Close flushes and shuts the cache down. Pages still pinned for write are
// not written.
func (c *Cache) Close(ctx context.Context) error {
	_, err := await(ctx, c, func(reply func(struct{}, error)) {
		c.CloseAsync(func(err error) { reply(struct{}{}, err) })
	}, nil)
	return err
}

// ============================================================================
// Loop hand-off
// ============================================================================

type result[T any] struct {
	v   T
	err error
}

// pending is one goroutine waiting on a loop-thread reply.
type pending[T any] struct {
	mu        sync.Mutex
	abandoned bool
	ch        chan result[T]
	undo      func(T)
}

// deliver runs on the loop.
func (p *pending[T]) deliver(v T, err error) {
	p.mu.Lock()
	if p.abandoned {
		p.mu.Unlock()
		if err == nil && p.undo != nil {
			p.undo(v)
		}
		return
	}
	p.ch <- result[T]{v: v, err: err}
	p.mu.Unlock()
}

func (p *pending[T]) wait(ctx context.Context, c *Cache) (T, error) {
	select {
	case r := <-p.ch:
		return r.v, r.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.abandoned = true
	select {
	case r := <-p.ch:
		p.mu.Unlock()
		if r.err == nil && p.undo != nil {
			undo := p.undo
			_ = c.exec.Post(func() { undo(r.v) })
		}
	default:
		p.mu.Unlock()
	}

	var zero T
	return zero, ctx.Err()
}

func await[T any](ctx context.Context, c *Cache, start func(reply func(T, error)), undo func(T)) (T, error) {
	var zero T
	if c.exec.InLoop() {
		return zero, ErrOnLoop
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	p := &pending[T]{ch: make(chan result[T], 1), undo: undo}
	if err := c.exec.Post(func() { start(p.deliver) }); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return p.wait(ctx, c)
}
