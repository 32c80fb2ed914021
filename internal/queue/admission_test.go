package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRunsWork(t *testing.T) {
	q := New("b1", DefaultConfig())
	defer q.Shutdown()

	var ran atomic.Bool
	err := q.Enqueue(func() error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestConcurrencyNeverExceedsCap(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 2, MaxPerSecond: 100})
	defer q.Shutdown()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(func() error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2), "active work must never exceed MaxConcurrent")
}

func TestPerSecondCeiling(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 10, MaxPerSecond: 3})
	defer q.Shutdown()

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(func() error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 7)
	for _, s := range starts {
		count := 0
		for _, other := range starts {
			if !other.Before(s) && other.Sub(s) < time.Second {
				count++
			}
		}
		assert.LessOrEqual(t, count, 3, "more than MaxPerSecond starts inside one second")
	}
}

func TestRetryToHeadThenReject(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 1, MaxPerSecond: 100})
	defer q.Shutdown()

	boom := errors.New("boom")
	var attempts atomic.Int32
	err := q.Enqueue(func() error {
		attempts.Add(1)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), attempts.Load(), "initial attempt plus three retries")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 1, MaxPerSecond: 100})
	defer q.Shutdown()

	fail := true
	_ = q.Enqueue(func() error {
		if fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	})

	assert.Equal(t, 0, q.Snapshot().ConsecutiveFailures)
}

func TestCooldownBlocksDispatch(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 1, MaxPerSecond: 100})
	defer q.Shutdown()

	q.SetRateLimited(1)
	armed := time.Now()

	var started time.Time
	err := q.Enqueue(func() error {
		started = time.Now()
		return nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, started.Sub(armed), 900*time.Millisecond,
		"no dispatch before the cooldown ends")
	assert.Equal(t, int64(0), q.Snapshot().RateLimitedUntil, "cooldown cleared after expiry")
}

func TestShutdownRejectsPending(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 1, MaxPerSecond: 100})

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Enqueue(func() error {
			<-release
			return nil
		})
	}()

	// Let the blocker occupy the only slot, then stack a pending request.
	time.Sleep(50 * time.Millisecond)
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- q.Enqueue(func() error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	q.Shutdown()
	close(release)
	wg.Wait()

	assert.ErrorIs(t, <-errCh, ErrShutdown)
	assert.ErrorIs(t, q.Enqueue(func() error { return nil }), ErrShutdown)
}

func TestShutdownIsIdempotent(t *testing.T) {
	q := New("b1", DefaultConfig())
	q.Shutdown()
	assert.NotPanics(t, q.Shutdown)
}

func TestSnapshotShape(t *testing.T) {
	q := New("b1", Config{MaxConcurrent: 5, MaxPerSecond: 8})
	defer q.Shutdown()

	s := q.Snapshot()
	assert.Equal(t, 0, s.QueueLength)
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 5, s.MaxConnections)
}

func TestBackoffDelayBounds(t *testing.T) {
	q := New("b1", DefaultConfig())
	defer q.Shutdown()

	for failures := 1; failures <= 12; failures++ {
		q.mu.Lock()
		q.failures = failures
		d := q.backoffDelayLocked()
		q.mu.Unlock()

		assert.GreaterOrEqual(t, d, time.Duration(0.75*float64(baseBackoff)))
		assert.LessOrEqual(t, d, time.Duration(1.25*float64(maxBackoff)))
	}
}
