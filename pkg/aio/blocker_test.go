//go:build linux

package aio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingJob records which thread ran each half.
type recordingJob struct {
	q         *Queue
	ran       atomic.Bool
	runOnLoop atomic.Bool
	doneOK    chan bool
	doneRuns  atomic.Int32
}

func (j *recordingJob) Run() {
	time.Sleep(5 * time.Millisecond)
	j.runOnLoop.Store(j.q.InLoop())
	j.ran.Store(true)
}

func (j *recordingJob) Done() {
	j.doneRuns.Add(1)
	j.doneOK <- j.ran.Load() && j.q.InLoop()
}

func TestBlockerPool(t *testing.T) {
	t.Run("DoneOnLoopAfterRun", func(t *testing.T) {
		q := startLoop(t)
		pool, err := NewBlockerPool(q, 2)
		require.NoError(t, err)
		defer pool.Shutdown()

		results := make(chan bool, 3)
		jobs := make([]*recordingJob, 3)
		onLoop(t, q, func() {
			for i := range jobs {
				jobs[i] = &recordingJob{q: q, doneOK: results}
				pool.DoJob(jobs[i])
			}
		})

		for range jobs {
			select {
			case ok := <-results:
				assert.True(t, ok, "Done ran before Run or off the loop thread")
			case <-time.After(waitTimeout):
				t.Fatal("job completion not delivered")
			}
		}

		time.Sleep(20 * time.Millisecond)
		for _, j := range jobs {
			assert.Equal(t, int32(1), j.doneRuns.Load(), "Done must run exactly once")
			assert.False(t, j.runOnLoop.Load(), "Run must not execute on the loop thread")
		}
		assert.Equal(t, 0, pool.Outstanding())
	})

	t.Run("JobFunc", func(t *testing.T) {
		q := startLoop(t)
		pool, err := NewBlockerPool(q, 1)
		require.NoError(t, err)
		defer pool.Shutdown()

		var value int
		done := make(chan int, 1)
		onLoop(t, q, func() {
			pool.DoJob(JobFunc{
				RunFn:  func() { value = 42 },
				DoneFn: func() { done <- value },
			})
		})

		select {
		case v := <-done:
			assert.Equal(t, 42, v)
		case <-time.After(waitTimeout):
			t.Fatal("JobFunc never completed")
		}
	})

	t.Run("ShutdownWithOutstandingJobsPanics", func(t *testing.T) {
		q := startLoop(t)
		pool, err := NewBlockerPool(q, 1)
		require.NoError(t, err)

		release := make(chan struct{})
		done := make(chan struct{})
		onLoop(t, q, func() {
			pool.DoJob(JobFunc{
				RunFn:  func() { <-release },
				DoneFn: func() { close(done) },
			})
		})

		assert.Equal(t, 1, pool.Outstanding())
		assert.Panics(t, pool.Shutdown)

		close(release)
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Fatal("blocked job never completed")
		}
		assert.NotPanics(t, pool.Shutdown)
	})

	t.Run("RejectsZeroWorkers", func(t *testing.T) {
		q, err := NewQueue()
		require.NoError(t, err)
		defer func() { _ = q.Close() }()

		_, err = NewBlockerPool(q, 0)
		assert.Error(t, err)
	})
}
