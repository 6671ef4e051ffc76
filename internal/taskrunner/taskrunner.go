// Package taskrunner runs background tasks one at a time, in submission
// order, on a single goroutine.
package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrNotRunning = errors.New("taskrunner: not running")
	ErrQueueFull  = errors.New("taskrunner: queue full")
)

// Task is a unit of background work. The context is the runner's context.
type Task func(ctx context.Context)

type queued struct {
	name string
	fn   Task
}

// Runner executes tasks sequentially. Tasks are not recovered: a panicking
// task takes the process down.
type Runner struct {
	queueSize int
	logger    *slog.Logger

	mu      sync.Mutex
	queue   chan queued
	running atomic.Bool
	done    chan struct{}
	idle    sync.WaitGroup

	processed atomic.Uint64
}

// Option configures a Runner.
type Option func(*Runner)

// WithQueueSize sets the number of tasks that can wait.
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Runner {
	r := &Runner{queueSize: 16, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker goroutine. It stops when ctx is done or Stop is
// called; tasks still queued at that point are discarded.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return
	}
	r.queue = make(chan queued, r.queueSize)
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.loop(ctx, r.queue, r.done)
}

func (r *Runner) loop(ctx context.Context, queue chan queued, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.running.Store(false)
			r.drain(queue)
			r.mu.Unlock()
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			r.logger.Debug("taskrunner: running task", "task", t.name)
			t.fn(ctx)
			r.processed.Add(1)
			r.idle.Done()
		}
	}
}

func (r *Runner) drain(queue chan queued) {
	for {
		select {
		case _, ok := <-queue:
			if !ok {
				return
			}
			r.idle.Done()
		default:
			return
		}
	}
}

// Stop stops accepting tasks, runs the ones already queued and waits for the
// worker to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running.Load() {
		r.mu.Unlock()
		return
	}
	r.running.Store(false)
	close(r.queue)
	done := r.done
	r.mu.Unlock()
	<-done
}

// Submit queues fn. It never blocks.
func (r *Runner) Submit(name string, fn Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Load() {
		return ErrNotRunning
	}
	r.idle.Add(1)
	select {
	case r.queue <- queued{name: name, fn: fn}:
		return nil
	default:
		r.idle.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every submitted task has run or been discarded.
func (r *Runner) Wait() { r.idle.Wait() }

// Processed returns the number of tasks that ran to completion.
func (r *Runner) Processed() uint64 { return r.processed.Load() }
