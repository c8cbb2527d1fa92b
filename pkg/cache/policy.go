package cache

import (
	"container/list"

	"github.com/marmos91/extentdb/pkg/bufpool"
)

// The cache is a composition of five policies. Each one owns a single
// concern and the Cache calls them in a fixed order:
//
//	acquire:  writeBack.admit (write mode) -> ConcurrencyControl.BeginAcquire
//	          -> pageMap.get -> allocator/replacer on miss -> EndAcquire
//	release:  BeginRelease -> writeBack.add (dirty) -> replacer.add (unpinned,
//	          clean) -> EndRelease
//
// All policies are used from the loop thread only.

// ============================================================================
// Allocator
// ============================================================================

// allocator hands out page buffers against the memory budget.
type allocator interface {
	alloc() []byte
	release(buf []byte)
	full() bool
	used() int64
}

// poolAllocator draws aligned block buffers from a bufpool.Pool.
type poolAllocator struct {
	pool      *bufpool.Pool
	blockSize int
	max       int64
	inUse     int64
}

func newPoolAllocator(blockSize int, limit int64) *poolAllocator {
	return &poolAllocator{
		pool: bufpool.NewPool(&bufpool.Config{
			BlockSize:  blockSize,
			BatchSize:  blockSize,
			ExtentSize: blockSize,
		}),
		blockSize: blockSize,
		max:       limit,
	}
}

func (a *poolAllocator) alloc() []byte {
	buf := a.pool.Get(a.blockSize)
	clear(buf)
	a.inUse += int64(a.blockSize)
	return buf
}

func (a *poolAllocator) release(buf []byte) {
	a.inUse -= int64(a.blockSize)
	a.pool.Put(buf)
}

// full reports whether one more page would exceed the budget.
func (a *poolAllocator) full() bool {
	return a.inUse+int64(a.blockSize) > a.max
}

func (a *poolAllocator) used() int64 {
	return a.inUse
}

// ============================================================================
// Page map
// ============================================================================

// pageMap maps block ids to arena handles.
type pageMap interface {
	get(id BlockID) (int, bool)
	put(id BlockID, h int)
	delete(id BlockID)
	len() int
}

type hashPageMap map[BlockID]int

func (m hashPageMap) get(id BlockID) (int, bool) {
	h, ok := m[id]
	return h, ok
}

func (m hashPageMap) put(id BlockID, h int) { m[id] = h }

func (m hashPageMap) delete(id BlockID) { delete(m, id) }

func (m hashPageMap) len() int { return len(m) }

// ============================================================================
// Replacement
// ============================================================================

// replacer tracks evictable pages: unpinned, clean and not being written.
// The cache adds a page when it becomes evictable and removes it as soon as
// it is pinned or dirtied, so victim never returns a page that must stay.
type replacer interface {
	add(h int)
	remove(h int)
	victim() (int, bool)
	len() int
}

// lruReplacer evicts the least recently unpinned page.
type lruReplacer struct {
	order *list.List
	elems map[int]*list.Element
}

func newLRUReplacer() *lruReplacer {
	return &lruReplacer{
		order: list.New(),
		elems: make(map[int]*list.Element),
	}
}

func (r *lruReplacer) add(h int) {
	if e, ok := r.elems[h]; ok {
		r.order.MoveToBack(e)
		return
	}
	r.elems[h] = r.order.PushBack(h)
}

func (r *lruReplacer) remove(h int) {
	if e, ok := r.elems[h]; ok {
		r.order.Remove(e)
		delete(r.elems, h)
	}
}

func (r *lruReplacer) victim() (int, bool) {
	e := r.order.Front()
	if e == nil {
		return 0, false
	}
	h := r.order.Remove(e).(int)
	delete(r.elems, h)
	return h, true
}

func (r *lruReplacer) len() int {
	return r.order.Len()
}

// ============================================================================
// Arena
// ============================================================================

// frame is the arena slot backing one cached page.
type frame struct {
	id  BlockID
	buf []byte

	pins    int
	writers int

	loading bool
	waiters []acquireWaiter

	// fresh pages were allocated and never written; their first release
	// always writes them back.
	fresh bool
	dirty bool
	// version increments on every dirty release; flushVersion is the
	// version an in-flight write carries.
	version      uint64
	flushing     bool
	flushVersion uint64
	freed        bool
	dirtyElem    *list.Element
	barriers     []*barrier
}

// arena stores frames by integer handle. Handles of released frames are
// reused, so a handle is only meaningful while its frame is live.
type arena struct {
	frames []*frame
	free   []int
	live   int
}

func (a *arena) alloc() int {
	a.live++
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		return h
	}
	a.frames = append(a.frames, &frame{})
	return len(a.frames) - 1
}

func (a *arena) get(h int) *frame {
	return a.frames[h]
}

func (a *arena) release(h int) {
	*a.frames[h] = frame{}
	a.free = append(a.free, h)
	a.live--
}
