package cache

// ConcurrencyControl decides when an acquisition may cross the page map.
// The cache calls the hooks on the loop thread in this order:
//
//	BeginAcquire(id, mode, proceed) ... proceed() ... EndAcquire(id, mode, err)
//	BeginRelease(id, mode) ... EndRelease(id, mode)
//
// BeginAcquire may defer proceed until a conflicting holder releases.
// EndAcquire receives the acquisition's error; a failed acquisition is never
// released, so an implementation that grants locks must drop them there.
type ConcurrencyControl interface {
	BeginAcquire(id BlockID, mode Mode, proceed func())
	EndAcquire(id BlockID, mode Mode, err error)
	BeginRelease(id BlockID, mode Mode)
	EndRelease(id BlockID, mode Mode)
}

// NoConcurrency admits every acquisition immediately. Holders of the same
// block coordinate among themselves.
type NoConcurrency struct{}

func (NoConcurrency) BeginAcquire(_ BlockID, _ Mode, proceed func()) { proceed() }
func (NoConcurrency) EndAcquire(BlockID, Mode, error) {}
func (NoConcurrency) BeginRelease(BlockID, Mode) {}
func (NoConcurrency) EndRelease(BlockID, Mode) {}

// BlockLocks enforces single-writer, multiple-reader access per block.
// Waiters are granted in arrival order, so a queued writer is not starved
// by readers arriving after it.
type BlockLocks struct {
	locks map[BlockID]*blockLock
}

type blockLock struct {
	readers int
	writer  bool
	queue   []lockWaiter
}

type lockWaiter struct {
	mode    Mode
	proceed func()
}

// NewBlockLocks creates an empty lock table.
func NewBlockLocks() *BlockLocks {
	return &BlockLocks{locks: make(map[BlockID]*blockLock)}
}

func (b *BlockLocks) BeginAcquire(id BlockID, mode Mode, proceed func()) {
	l, ok := b.locks[id]
	if !ok {
		l = &blockLock{}
		b.locks[id] = l
	}
	if len(l.queue) == 0 && l.compatible(mode) {
		l.grant(mode)
		proceed()
		return
	}
	l.queue = append(l.queue, lockWaiter{mode: mode, proceed: proceed})
}

func (b *BlockLocks) EndAcquire(id BlockID, mode Mode, err error) {
	if err != nil {
		b.unlock(id, mode)
	}
}

func (b *BlockLocks) BeginRelease(BlockID, Mode) {}

func (b *BlockLocks) EndRelease(id BlockID, mode Mode) {
	b.unlock(id, mode)
}

// Held reports the readers and whether a writer currently hold id.
func (b *BlockLocks) Held(id BlockID) (readers int, writer bool) {
	if l, ok := b.locks[id]; ok {
		return l.readers, l.writer
	}
	return 0, false
}

// Waiting returns the number of acquisitions queued on id.
func (b *BlockLocks) Waiting(id BlockID) int {
	if l, ok := b.locks[id]; ok {
		return len(l.queue)
	}
	return 0
}

func (b *BlockLocks) unlock(id BlockID, mode Mode) {
	l, ok := b.locks[id]
	if !ok {
		return
	}
	if mode == Write {
		l.writer = false
	} else if l.readers > 0 {
		l.readers--
	}

	var granted []func()
	for len(l.queue) > 0 && l.compatible(l.queue[0].mode) {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.grant(w.mode)
		granted = append(granted, w.proceed)
	}
	if l.idle() {
		delete(b.locks, id)
	}
	for _, proceed := range granted {
		proceed()
	}
}

func (l *blockLock) compatible(mode Mode) bool {
	if l.writer {
		return false
	}
	return mode == Read || l.readers == 0
}

func (l *blockLock) grant(mode Mode) {
	if mode == Write {
		l.writer = true
	} else {
		l.readers++
	}
}

func (l *blockLock) idle() bool {
	return !l.writer && l.readers == 0 && len(l.queue) == 0
}
