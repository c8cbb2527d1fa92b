//go:build linux

package aio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/marmos91/extentdb/internal/debug"
	"github.com/marmos91/extentdb/internal/logger"
	"golang.org/x/sys/unix"
)

// Job is a unit of blocking work. Run executes on a pool worker thread and
// may block; Done executes afterwards on the loop thread and is where results
// are delivered. A job's fields written by Run are safe to read in Done.
type Job interface {
	Run()
	Done()
}

// JobFunc adapts a pair of functions to Job. Either may be nil.
type JobFunc struct {
	RunFn  func()
	DoneFn func()
}

func (j JobFunc) Run() {
	if j.RunFn != nil {
		j.RunFn()
	}
}

func (j JobFunc) Done() {
	if j.DoneFn != nil {
		j.DoneFn()
	}
}

// BlockerPool runs jobs on a fixed set of OS threads and signals their
// completion back to a Queue through an eventfd.
type BlockerPool struct {
	q       *Queue
	efd     int
	workers int

	// mu guards jobs and shutdown; cond wakes idle workers.
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     []Job
	shutdown bool

	doneMu    sync.Mutex
	completed []Job

	outstanding atomic.Int64
	wg          sync.WaitGroup
}

// NewBlockerPool starts workers threads and registers the completion
// eventfd with q.
func NewBlockerPool(q *Queue, workers int) (*BlockerPool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("aio: blocker pool needs at least one worker, got %d", workers)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("aio: eventfd: %w", err)
	}

	p := &BlockerPool{q: q, efd: efd, workers: workers}
	p.cond = sync.NewCond(&p.mu)

	if err := q.register(&source{kind: sourceBlocker, fd: efd, pool: p}); err != nil {
		_ = unix.Close(efd)
		return nil, err
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	logger.Debug("aio: blocker pool started", logger.KeyWorkers, workers)
	return p, nil
}

// Queue returns the queue completions are delivered to.
func (p *BlockerPool) Queue() *Queue {
	return p.q
}

// Workers returns the number of worker threads.
func (p *BlockerPool) Workers() int {
	return p.workers
}

// Outstanding returns the number of submitted jobs whose Done has not run.
func (p *BlockerPool) Outstanding() int {
	return int(p.outstanding.Load())
}

// DoJob enqueues job for a worker. It never blocks on the job itself.
func (p *BlockerPool) DoJob(job Job) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		debug.Fatal("aio: job submitted to a shut down blocker pool")
	}
	p.outstanding.Add(1)
	p.jobs = append(p.jobs, job)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *BlockerPool) worker() {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs[0] = nil
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		job.Run()

		p.doneMu.Lock()
		p.completed = append(p.completed, job)
		p.doneMu.Unlock()

		if err := signal(p.efd); err != nil {
			debug.Fatal("aio: blocker completion signal failed", logger.KeyFD, p.efd, logger.KeyError, err)
		}
	}
}

// onReady runs on the loop: deliver every completed job.
func (p *BlockerPool) onReady() {
	drain(p.efd)

	p.doneMu.Lock()
	completed := p.completed
	p.completed = nil
	p.doneMu.Unlock()

	for _, job := range completed {
		p.outstanding.Add(-1)
		job.Done()
	}
}

// Shutdown stops and joins the workers. Shutting down with outstanding jobs
// is a programming error: callers must wait for every Done first.
func (p *BlockerPool) Shutdown() {
	n := p.outstanding.Load()
	debug.Assert(n == 0, "aio: blocker pool shut down with outstanding jobs", logger.KeyOutstanding, n)

	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.q.unregister(p.efd)
	_ = unix.Close(p.efd)
	logger.Debug("aio: blocker pool stopped", logger.KeyWorkers, p.workers)
}
