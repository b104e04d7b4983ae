package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(workers, retries int) *Queue {
	return NewQueue(Options{
		Workers:     workers,
		SoftTimeout: time.Second,
		HardTimeout: 2 * time.Second,
		MaxRetries:  retries,
		Backoff:     time.Millisecond,
	})
}

func TestQueueRunsJob(t *testing.T) {
	q := testQueue(2, 0)
	done := make(chan struct{})

	q.Enqueue(Job{Name: "one", Run: func(context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	q := testQueue(1, 3)
	var attempts int32
	done := make(chan struct{})

	q.Enqueue(Job{Name: "flaky", Run: func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := testQueue(1, 2)
	var attempts int32

	q.Enqueue(Job{Name: "doomed", Run: func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("permanent")
	}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 3
	}, time.Second, 5*time.Millisecond, "initial attempt plus two retries")
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := testQueue(2, 0)
	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		q.Enqueue(Job{Name: "work", Run: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}})
	}
	wg.Wait()
	require.NoError(t, q.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestQueueShutdownWaitsForInFlight(t *testing.T) {
	q := testQueue(1, 0)
	started := make(chan struct{})
	var finished int32

	q.Enqueue(Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return nil
	}})

	<-started
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished), "in-flight job runs to completion")
}

func TestQueueDropsQueuedWorkOnShutdown(t *testing.T) {
	q := testQueue(1, 0)
	block := make(chan struct{})
	started := make(chan struct{})
	var ran int32

	q.Enqueue(Job{Name: "holder", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started

	// Waits for the only worker slot; must be dropped once shutdown begins.
	q.Enqueue(Job{Name: "queued", Run: func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}})

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- q.Shutdown(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.NoError(t, <-shutdownDone)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran), "queued job is dropped on shutdown")
}

func TestQueueHardTimeoutCancelsContext(t *testing.T) {
	q := NewQueue(Options{
		Workers:     1,
		SoftTimeout: 10 * time.Millisecond,
		HardTimeout: 30 * time.Millisecond,
		MaxRetries:  0,
		Backoff:     time.Millisecond,
	})
	cancelled := make(chan struct{})

	q.Enqueue(Job{Name: "stuck", Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("hard timeout never fired")
	}
	require.NoError(t, q.Shutdown(context.Background()))
}
