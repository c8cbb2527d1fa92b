// Package aio is the asynchronous I/O substrate of the engine: a
// single-threaded readiness queue, a kernel one-shot timer and a pool of OS
// threads that run blocking calls on behalf of the queue.
//
// # Threading model
//
// One goroutine calls Queue.Run and stays locked to its OS thread for the
// lifetime of the loop. Every callback (timer fires, job completions, posted
// closures) executes on that thread, so state owned by the loop needs no
// locking. The only cross-thread structures are the blocker pool's job queue
// and completion list, and the queue's posted-closure list; each has its own
// mutex.
//
// # Event sources
//
// The set of descriptor kinds is closed: the eventfd used by Post, the
// timerfd behind Timer and the eventfd behind BlockerPool. They are held in a
// tagged union and dispatched with a switch.
//
// Linux only: epoll, timerfd and eventfd.
package aio
