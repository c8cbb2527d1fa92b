//go:build linux

package aio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// startLoop runs a queue on its own goroutine for the duration of the test.
func startLoop(t *testing.T) *Queue {
	t.Helper()

	q, err := NewQueue()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("loop did not stop")
		}
		require.NoError(t, q.Close())
	})

	// Wait until the loop thread is recorded.
	onLoop(t, q, func() {})
	return q
}

// onLoop runs fn on the loop thread and waits for it.
func onLoop(t *testing.T, q *Queue, fn func()) {
	t.Helper()

	done := make(chan struct{})
	require.NoError(t, q.Post(func() {
		fn()
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("posted closure did not run")
	}
}
