//go:build linux

package aio

import (
	"errors"
	"fmt"

	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"golang.org/x/sys/unix"
)

// minDelay is the smallest relative delay a timerfd can be armed with.
// A zero it_value would disarm the timer instead.
const minDelay = 1

// Timer is a one-shot timer backed by a CLOCK_MONOTONIC timerfd.
//
// State machine: idle -> armed on ScheduleOneshot; armed -> idle when the
// callback fires (exactly once) or on UnscheduleOneshot (callback dropped).
// All methods must be called on the loop thread.
type Timer struct {
	q     *Queue
	fd    int
	armed bool
	cb    func()
	fires uint64
}

// NewTimer creates a timer and registers it with q.
func NewTimer(q *Queue) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("aio: timerfd_create: %w", err)
	}

	t := &Timer{q: q, fd: fd}
	if err := q.register(&source{kind: sourceTimer, fd: fd, timer: t}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// ScheduleOneshot arms the timer to call cb at deadline. A pending schedule
// is disarmed first. A deadline in the past arms the minimum delay, so cb
// always runs from the loop and never from inside this call.
func (t *Timer) ScheduleOneshot(deadline Tick, cb func()) {
	debug.Assert(t.q.onLoopOrIdle(), "aio: timer scheduled off the loop thread", logger.KeyFD, t.fd)

	if t.armed {
		t.disarm()
	}

	delay := int64(deadline - Now())
	if delay < minDelay {
		delay = minDelay
	}

	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(delay)}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		debug.Fatal("aio: timerfd_settime failed", logger.KeyFD, t.fd, logger.KeyError, err)
	}

	t.armed = true
	t.cb = cb
}

// UnscheduleOneshot cancels a pending schedule. The callback is dropped
// without being invoked. Calling it on an idle timer is a no-op.
func (t *Timer) UnscheduleOneshot() {
	debug.Assert(t.q.onLoopOrIdle(), "aio: timer unscheduled off the loop thread", logger.KeyFD, t.fd)

	if !t.armed {
		return
	}
	t.disarm()
}

// Armed reports whether a callback is pending.
func (t *Timer) Armed() bool {
	return t.armed
}

// Fires returns how many callbacks this timer has delivered.
func (t *Timer) Fires() uint64 {
	return t.fires
}

// disarm stops the kernel timer. Setting a new value also resets the
// expiration counter, so an expiry already queued in epoll reads EAGAIN.
func (t *Timer) disarm() {
	var zero unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &zero, nil); err != nil {
		debug.Fatal("aio: timerfd disarm failed", logger.KeyFD, t.fd, logger.KeyError, err)
	}
	t.armed = false
	t.cb = nil
}

// onReady runs on the loop when the timerfd is readable.
func (t *Timer) onReady() {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			logger.Debug("aio: spurious timer wakeup", logger.KeyFD, t.fd)
			return
		}
		debug.Fatal("aio: timerfd read failed", logger.KeyFD, t.fd, logger.KeyError, err)
	}

	if !t.armed {
		logger.Debug("aio: timer expired while idle", logger.KeyFD, t.fd)
		return
	}

	cb := t.cb
	t.armed = false
	t.cb = nil
	t.fires++
	cb()
}

// Close unregisters and closes the timerfd. Any pending callback is dropped.
func (t *Timer) Close() error {
	t.armed = false
	t.cb = nil
	t.q.unregister(t.fd)
	return unix.Close(t.fd)
}
