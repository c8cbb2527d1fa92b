//go:build linux

package aio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/marmos91/extentdb/internal/logger"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

var (
	// ErrQueueClosed is returned when posting to or running a closed queue.
	ErrQueueClosed = errors.New("aio: queue closed")

	// ErrRunning is returned when Run is called on a queue that is already running.
	ErrRunning = errors.New("aio: queue already running")
)

// Tick is an absolute point on the monotonic clock, in nanoseconds.
type Tick int64

// Now returns the current monotonic tick.
func Now() Tick {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(fmt.Sprintf("aio: clock_gettime: %v", err))
	}
	return Tick(ts.Nano())
}

// sourceKind tags the variant held by a source.
type sourceKind uint8

const (
	sourceWakeup sourceKind = iota
	sourceTimer
	sourceBlocker
)

func (k sourceKind) String() string {
	switch k {
	case sourceWakeup:
		return "wakeup"
	case sourceTimer:
		return "timer"
	case sourceBlocker:
		return "blocker"
	default:
		return "unknown"
	}
}

// source is one registered descriptor. Exactly one of timer or pool is set
// for the timer and blocker kinds; the wakeup kind belongs to the queue.
type source struct {
	kind  sourceKind
	fd    int
	timer *Timer
	pool  *BlockerPool
}

// Queue is a single-threaded epoll reactor.
type Queue struct {
	epfd   int
	wakefd int

	mu      sync.Mutex
	sources map[int32]*source
	posted  []func()

	loopTid atomic.Int64
	running atomic.Bool
	stop    atomic.Bool
	closed  atomic.Bool
}

// NewQueue creates an epoll instance and its cross-thread wakeup eventfd.
func NewQueue() (*Queue, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("aio: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("aio: eventfd: %w", err)
	}

	q := &Queue{
		epfd:    epfd,
		wakefd:  wakefd,
		sources: make(map[int32]*source),
	}

	if err := q.register(&source{kind: sourceWakeup, fd: wakefd}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return q, nil
}

// register adds a source to the epoll set for read readiness.
func (q *Queue) register(src *source) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	q.mu.Lock()
	q.sources[int32(src.fd)] = src
	q.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(src.fd)}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, src.fd, &ev); err != nil {
		q.mu.Lock()
		delete(q.sources, int32(src.fd))
		q.mu.Unlock()
		return fmt.Errorf("aio: epoll_ctl add %s fd %d: %w", src.kind, src.fd, err)
	}
	return nil
}

// unregister removes a descriptor from the epoll set. Events already
// returned by the current wait for fd are dropped by dispatch.
func (q *Queue) unregister(fd int) {
	q.mu.Lock()
	delete(q.sources, int32(fd))
	q.mu.Unlock()

	if q.closed.Load() {
		return
	}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		logger.Warn("aio: epoll_ctl del failed", logger.KeyFD, fd, logger.Err(err))
	}
}

// Post hands fn to the loop thread. It is safe to call from any goroutine,
// including the loop itself; fn never runs synchronously inside Post.
func (q *Queue) Post(fn func()) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	q.mu.Lock()
	q.posted = append(q.posted, fn)
	q.mu.Unlock()

	return signal(q.wakefd)
}

// Stop makes Run return after the current dispatch round.
func (q *Queue) Stop() {
	q.stop.Store(true)
	if !q.closed.Load() {
		_ = signal(q.wakefd)
	}
}

// InLoop reports whether the caller is running on the loop thread.
func (q *Queue) InLoop() bool {
	tid := q.loopTid.Load()
	return tid != 0 && tid == int64(unix.Gettid())
}

// onLoopOrIdle is true on the loop thread or when no loop is running.
// Loop-owned state may be touched from the owner goroutine before Run starts.
func (q *Queue) onLoopOrIdle() bool {
	tid := q.loopTid.Load()
	return tid == 0 || tid == int64(unix.Gettid())
}

// Run dispatches events until ctx is cancelled or Stop is called.
// The calling goroutine is locked to its OS thread while the loop runs.
func (q *Queue) Run(ctx context.Context) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if !q.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer q.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	q.loopTid.Store(int64(unix.Gettid()))
	defer q.loopTid.Store(0)

	q.stop.Store(false)
	stopOnCancel := context.AfterFunc(ctx, q.Stop)
	defer stopOnCancel()

	events := make([]unix.EpollEvent, maxEvents)
	for !q.stop.Load() {
		n, err := unix.EpollWait(q.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("aio: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			q.dispatch(events[i])
		}
	}
	return nil
}

// dispatch routes one ready event to its source.
func (q *Queue) dispatch(ev unix.EpollEvent) {
	q.mu.Lock()
	src := q.sources[ev.Fd]
	q.mu.Unlock()

	if src == nil {
		return
	}

	if ev.Events&unix.EPOLLIN == 0 {
		logger.Warn("aio: unexpected event mask, ignoring",
			logger.KeySource, src.kind.String(),
			logger.KeyFD, ev.Fd,
			logger.KeyEvents, fmt.Sprintf("%#x", ev.Events))
		return
	}

	switch src.kind {
	case sourceWakeup:
		q.runPosted()
	case sourceTimer:
		src.timer.onReady()
	case sourceBlocker:
		src.pool.onReady()
	}
}

// runPosted drains the wakeup eventfd and runs every posted closure.
func (q *Queue) runPosted() {
	drain(q.wakefd)

	q.mu.Lock()
	posted := q.posted
	q.posted = nil
	q.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

// Close releases the queue descriptors. The loop must not be running.
func (q *Queue) Close() error {
	if q.running.Load() {
		return ErrRunning
	}
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unix.Close(q.wakefd), unix.Close(q.epfd))
}

// signal increments an eventfd counter.
func signal(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			// EAGAIN means the counter is saturated, which still wakes the reader.
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("aio: eventfd write: %w", err)
		}
	}
}

// drain resets an eventfd counter. Returns the value read (0 if none).
func drain(fd int) uint64 {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0
		}
		return binary.NativeEndian.Uint64(buf[:])
	}
}
