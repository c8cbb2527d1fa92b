//go:build linux

package aio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePost(t *testing.T) {
	t.Run("RunsOnLoopThread", func(t *testing.T) {
		q := startLoop(t)

		var inLoop bool
		onLoop(t, q, func() { inLoop = q.InLoop() })

		assert.True(t, inLoop)
		assert.False(t, q.InLoop(), "test goroutine is not the loop")
	})

	t.Run("PostFromLoopIsDeferred", func(t *testing.T) {
		q := startLoop(t)

		ranInline := true
		second := make(chan struct{})
		onLoop(t, q, func() {
			ran := false
			require.NoError(t, q.Post(func() {
				ran = true
				close(second)
			}))
			ranInline = ran
		})

		select {
		case <-second:
		case <-time.After(waitTimeout):
			t.Fatal("nested post did not run")
		}
		assert.False(t, ranInline)
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		q := startLoop(t)

		var got []int
		for i := 0; i < 100; i++ {
			require.NoError(t, q.Post(func() { got = append(got, i) }))
		}
		onLoop(t, q, func() {})

		require.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	})

	t.Run("PostBeforeRunIsDeliveredWhenLoopStarts", func(t *testing.T) {
		q, err := NewQueue()
		require.NoError(t, err)
		defer func() { _ = q.Close() }()

		ran := make(chan struct{})
		require.NoError(t, q.Post(func() { close(ran) }))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- q.Run(ctx) }()

		select {
		case <-ran:
		case <-time.After(waitTimeout):
			t.Fatal("closure posted before Run was lost")
		}
		cancel()
		require.NoError(t, <-done)
	})
}

func TestQueueLifecycle(t *testing.T) {
	t.Run("SecondRunFails", func(t *testing.T) {
		q := startLoop(t)
		assert.ErrorIs(t, q.Run(context.Background()), ErrRunning)
	})

	t.Run("StopEndsRun", func(t *testing.T) {
		q, err := NewQueue()
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- q.Run(context.Background()) }()
		onLoop(t, q, func() {})

		q.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("Stop did not end Run")
		}
		require.NoError(t, q.Close())
	})

	t.Run("ClosedQueueRejectsWork", func(t *testing.T) {
		q, err := NewQueue()
		require.NoError(t, err)
		require.NoError(t, q.Close())

		assert.ErrorIs(t, q.Post(func() {}), ErrQueueClosed)
		assert.ErrorIs(t, q.Run(context.Background()), ErrQueueClosed)
		assert.NoError(t, q.Close(), "double close is a no-op")
	})
}

func TestNowIsMonotonic(t *testing.T) {
	a := Now()
	time.Sleep(time.Millisecond)
	b := Now()
	assert.Greater(t, int64(b), int64(a))
}
