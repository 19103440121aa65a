// ABOUTME: Tests for the event loop bridge
// ABOUTME: Validates result delivery, error and panic propagation, concurrency and shutdown

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsValue(t *testing.T) {
	loop := New(nil, Options{})
	defer loop.Close()

	got, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
		return "Hello!", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got)
}

func TestSubmitReturnsError(t *testing.T) {
	loop := New(nil, Options{})
	defer loop.Close()

	want := errors.New("agent unavailable")
	got, err := Submit(context.Background(), loop, func(ctx context.Context) (int, error) {
		return 5, want
	})
	assert.ErrorIs(t, err, want)
	assert.Zero(t, got)
}

func TestSubmitConvertsPanic(t *testing.T) {
	loop := New(nil, Options{})
	defer loop.Close()

	_, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobPanicked)
	assert.Contains(t, err.Error(), "boom")

	// The loop keeps serving after a panic.
	got, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
		return "still alive", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still alive", got)
}

func TestSubmitPassesContext(t *testing.T) {
	loop := New(nil, Options{})
	defer loop.Close()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")

	got, err := Submit(ctx, loop, func(ctx context.Context) (string, error) {
		v, _ := ctx.Value(key{}).(string)
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "marker", got)
}

func TestSubmitDeliversToEachCaller(t *testing.T) {
	loop := New(nil, Options{MaxConcurrent: 4})
	defer loop.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
				time.Sleep(time.Millisecond)
				return fmt.Sprintf("user-%d", n), nil
			})
			if err != nil {
				errs <- err
				return
			}
			if got != fmt.Sprintf("user-%d", n) {
				errs <- fmt.Errorf("caller %d got %q", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestSubmitInterleavesSlowJobs(t *testing.T) {
	loop := New(nil, Options{})
	defer loop.Close()

	release := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), loop, func(ctx context.Context) (struct{}, error) {
			<-release
			return struct{}{}, nil
		})
		slowDone <- err
	}()

	// A fast job completes while the slow one is still waiting on I/O.
	got, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
		return "fast", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", got)

	close(release)
	require.NoError(t, <-slowDone)
}

func TestMaxConcurrentBoundsRunningJobs(t *testing.T) {
	loop := New(nil, Options{MaxConcurrent: 2})
	defer loop.Close()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Submit(context.Background(), loop, func(ctx context.Context) (struct{}, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(0), loop.Active())
}

func TestClose(t *testing.T) {
	t.Run("rejects new work", func(t *testing.T) {
		loop := New(nil, Options{})
		loop.Close()

		_, err := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
			return "never", nil
		})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("waits for running jobs", func(t *testing.T) {
		loop := New(nil, Options{})

		started := make(chan struct{})
		result := make(chan string, 1)
		go func() {
			got, _ := Submit(context.Background(), loop, func(ctx context.Context) (string, error) {
				close(started)
				time.Sleep(20 * time.Millisecond)
				return "finished", nil
			})
			result <- got
		}()

		<-started
		loop.Close()
		assert.Equal(t, "finished", <-result)
	})

	t.Run("is idempotent", func(t *testing.T) {
		loop := New(nil, Options{})
		loop.Close()
		assert.NotPanics(t, loop.Close)
	})
}

func TestSubmitHonoursDeadlineBeforeStart(t *testing.T) {
	// occupy takes the only running slot until release is closed.
	occupy := func(t *testing.T, loop *Loop) chan struct{} {
		t.Helper()
		started := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_, _ = Submit(context.Background(), loop, func(ctx context.Context) (struct{}, error) {
				close(started)
				<-release
				return struct{}{}, nil
			})
		}()
		<-started
		return release
	}

	t.Run("waiting for a running slot", func(t *testing.T) {
		loop := New(nil, Options{MaxConcurrent: 1, QueueSize: 1})
		defer loop.Close()
		release := occupy(t, loop)
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var ran atomic.Bool
		start := time.Now()
		_, err := Submit(ctx, loop, func(ctx context.Context) (string, error) {
			ran.Store(true)
			return "late", nil
		})
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, ran.Load())
	})

	t.Run("waiting on a full queue", func(t *testing.T) {
		loop := New(nil, Options{MaxConcurrent: 1, QueueSize: 1})
		defer loop.Close()
		release := occupy(t, loop)

		// One job parks the worker on the slot, the next fills the queue.
		var queued sync.WaitGroup
		for i := 0; i < 2; i++ {
			queued.Add(1)
			go func() {
				defer queued.Done()
				_, _ = Submit(context.Background(), loop, func(ctx context.Context) (int, error) {
					return i, nil
				})
			}()
		}
		require.Eventually(t, func() bool { return loop.Pending() == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var ran atomic.Bool
		start := time.Now()
		_, err := Submit(ctx, loop, func(ctx context.Context) (string, error) {
			ran.Store(true)
			return "late", nil
		})
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)

		close(release)
		queued.Wait()
		assert.False(t, ran.Load())
	})
}
