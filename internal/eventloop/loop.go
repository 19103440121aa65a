// ABOUTME: Single worker that owns agent I/O and exposes it to blocking callers.
// ABOUTME: Submit queues a job, the worker starts it, and the result returns on a per-call channel.

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed indicates the loop no longer accepts or starts work.
var ErrClosed = errors.New("event loop closed")

// ErrJobPanicked indicates a submitted job panicked instead of returning.
var ErrJobPanicked = errors.New("event loop job panicked")

// ErrNotStarted indicates the caller's context ended before the job could
// start. It wraps the context error.
var ErrNotStarted = errors.New("event loop job not started")

// Default sizing used when Options leaves a field zero.
const (
	DefaultQueueSize     = 64
	DefaultMaxConcurrent = 32
)

// Options tune the loop.
type Options struct {
	// QueueSize bounds jobs waiting for the worker.
	QueueSize int
	// MaxConcurrent bounds jobs running at the same time.
	MaxConcurrent int64
}

type outcome struct {
	value any
	err   error
}

// Job states. A queued job is claimed exactly once, either by the worker
// starting it or by its caller giving up.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx    context.Context
	run    func(ctx context.Context) (any, error)
	result chan outcome
	state  atomic.Int32
}

// Loop is the worker. Create it with New and stop it with Close.
type Loop struct {
	jobs    chan *job
	sem     *semaphore.Weighted
	logger  *slog.Logger
	running sync.WaitGroup
	active  atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a Loop and starts its worker goroutine.
func New(logger *slog.Logger, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		jobs:    make(chan *job, opts.QueueSize),
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		logger:  logger.With("component", "eventloop"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Submit runs fn on the loop and blocks until it returns. fn always runs
// to completion once started; ctx is handed to fn so a deadline bounds it.
// A ctx that ends while the job waits in the queue or for a running slot
// fails with ErrNotStarted and fn never runs.
func Submit[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	j := &job{
		ctx: ctx,
		run: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		result: make(chan outcome, 1),
	}

	select {
	case <-l.done:
		return zero, ErrClosed
	default:
	}

	select {
	case l.jobs <- j:
	case <-l.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrNotStarted, ctx.Err())
	}

	var out outcome
	expired := ctx.Done()
wait:
	for {
		select {
		case out = <-j.result:
			break wait
		case <-l.stopped:
			// A job that ran before shutdown already left its result.
			select {
			case out = <-j.result:
				break wait
			default:
				return zero, ErrClosed
			}
		case <-expired:
			if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
				return zero, fmt.Errorf("%w: %w", ErrNotStarted, ctx.Err())
			}
			// Already started; fn sees the same ctx and returns soon.
			expired = nil
		}
	}

	if out.err != nil {
		return zero, out.err
	}
	value, _ := out.value.(T)
	return value, nil
}

// Active returns the number of jobs currently running.
func (l *Loop) Active() int64 {
	return l.active.Load()
}

// Pending returns the number of jobs waiting for the worker.
func (l *Loop) Pending() int {
	return len(l.jobs)
}

// Close stops accepting work, fails jobs that never started and waits for
// running jobs to finish. It is safe to call multiple times.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.cancel()
	})
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)

	for {
		select {
		case <-l.done:
			l.drain()
			l.running.Wait()
			l.logger.Debug("event loop stopped")
			return

		case j := <-l.jobs:
			if err := l.acquire(j); err != nil {
				j.result <- outcome{err: err}
				continue
			}
			if !j.state.CompareAndSwap(jobQueued, jobStarted) {
				l.sem.Release(1)
				continue
			}
			l.running.Add(1)
			l.active.Add(1)
			go func() {
				defer l.running.Done()
				defer l.sem.Release(1)
				defer l.active.Add(-1)
				j.result <- l.execute(j)
			}()
		}
	}
}

// acquire waits for a running slot until the job's context ends or the
// loop closes.
func (l *Loop) acquire(j *job) error {
	if err := j.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotStarted, err)
	}

	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	err := l.sem.Acquire(ctx, 1)
	stop()
	cancel()

	switch {
	case err == nil:
		return nil
	case l.ctx.Err() != nil:
		return ErrClosed
	default:
		l.logger.Debug("job expired before starting", "error", j.ctx.Err())
		return fmt.Errorf("%w: %w", ErrNotStarted, j.ctx.Err())
	}
}

// execute runs a job, converting a panic into ErrJobPanicked.
func (l *Loop) execute(j *job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("job panicked", "panic", r)
			out = outcome{err: fmt.Errorf("%w: %v", ErrJobPanicked, r)}
		}
	}()

	value, err := j.run(j.ctx)
	return outcome{value: value, err: err}
}

// drain fails every job still queued.
func (l *Loop) drain() {
	for {
		select {
		case j := <-l.jobs:
			j.result <- outcome{err: ErrClosed}
		default:
			return
		}
	}
}
