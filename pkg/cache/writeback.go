package cache

import (
	"container/list"

	"github.com/marmos91/extentdb/internal/logger"
)

// WriteBackState is the backpressure state derived from the dirty byte count.
type WriteBackState uint8

const (
	// StateBelow: dirty bytes < FlushDirtySize. No background flushing.
	StateBelow WriteBackState = iota
	// StateAccumulating: FlushDirtySize <= dirty bytes < MaxDirtySize.
	// Background flushing runs, bounded by MaxConcurrentFlushes.
	StateAccumulating
	// StateThrottled: dirty bytes >= MaxDirtySize. New writers wait.
	StateThrottled
)

func (s WriteBackState) String() string {
	switch s {
	case StateBelow:
		return "below"
	case StateAccumulating:
		return "accumulating"
	case StateThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// writeBack owns the dirty byte count, the in-flight flush bound and the
// FIFO of throttled writers.
type writeBack struct {
	flushDirty int64
	maxDirty   int64
	maxFlushes int

	dirty    int64
	inflight int
	state    WriteBackState

	throttled *list.List // of func(error)
}

func newWriteBack(cfg Config) *writeBack {
	return &writeBack{
		flushDirty: cfg.FlushDirtySize,
		maxDirty:   cfg.MaxDirtySize,
		maxFlushes: cfg.MaxConcurrentFlushes,
		throttled:  list.New(),
	}
}

func (w *writeBack) classify() WriteBackState {
	switch {
	case w.dirty >= w.maxDirty:
		return StateThrottled
	case w.dirty >= w.flushDirty:
		return StateAccumulating
	default:
		return StateBelow
	}
}

// add accounts n newly dirty bytes.
func (w *writeBack) add(n int64) {
	w.dirty += n
	w.transition()
}

// sub accounts n bytes that became clean and wakes throttled writers once
// the count drops below MaxDirtySize.
func (w *writeBack) sub(n int64) {
	w.dirty -= n
	if w.dirty < 0 {
		w.dirty = 0
	}
	w.transition()
}

func (w *writeBack) transition() {
	next := w.classify()
	if next == w.state {
		return
	}
	prev := w.state
	w.state = next

	if next == StateThrottled {
		logger.Warn("cache: writers throttled",
			logger.KeyDirtyBytes, w.dirty,
			logger.KeyInflight, w.inflight)
	} else {
		logger.Debug("cache: write-back state changed",
			"from", prev.String(),
			logger.KeyState, next.String(),
			logger.KeyDirtyBytes, w.dirty)
	}

	if prev == StateThrottled {
		w.wake(nil)
	}
}

// admit runs proceed immediately unless writers are throttled, in which case
// proceed is queued until dirty bytes drop below MaxDirtySize.
func (w *writeBack) admit(proceed func(error)) {
	if w.state != StateThrottled {
		proceed(nil)
		return
	}
	w.throttled.PushBack(proceed)
}

// wake resumes every throttled writer in arrival order.
func (w *writeBack) wake(err error) {
	for w.throttled.Len() > 0 {
		proceed := w.throttled.Remove(w.throttled.Front()).(func(error))
		proceed(err)
		if err == nil && w.state == StateThrottled {
			return
		}
	}
}

// background reports whether unflushed dirty bytes warrant another
// opportunistic flush. Once FlushDirtySize is crossed every dirty page is
// written, not just the excess.
func (w *writeBack) background(unflushed int64) bool {
	return w.state != StateBelow && unflushed > 0
}

func (w *writeBack) canStart() bool {
	return w.inflight < w.maxFlushes
}

func (w *writeBack) waiting() int {
	return w.throttled.Len()
}
