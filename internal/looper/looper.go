// Package looper provides the single-goroutine run loop that hosts a rulez
// engine.
//
// A Looper is a scheduler.Poster. Tasks may be posted from any goroutine;
// they run one at a time, in FIFO order, on the goroutine that calls Run or
// Drain. Everything that touches an engine must run as a task.
package looper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/rulez/internal/scheduler"
)

var (
	// ErrLoopAlreadyRunning is returned when Run or Drain is called while
	// the loop is already being driven.
	ErrLoopAlreadyRunning = errors.New("looper: loop is already running")

	// ErrLoopClosed is returned by Drain on a closed loop.
	ErrLoopClosed = errors.New("looper: loop is closed")
)

// Looper is a FIFO task loop.
type Looper struct {
	queue   *taskQueue
	running atomic.Bool
	logger  *slog.Logger
}

// Option configures a Looper.
type Option func(*Looper)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(lp *Looper) {
		lp.logger = l
	}
}

// New creates an open, idle Looper.
func New(opts ...Option) *Looper {
	l := &Looper{
		queue:  newTaskQueue(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post enqueues t. Safe from any goroutine. Returns false once closed.
func (l *Looper) Post(t *scheduler.Task) bool {
	return l.queue.Enqueue(t)
}

// RemoveCallbacks drops every pending occurrence of t.
// A task that is already running is not affected.
func (l *Looper) RemoveCallbacks(t *scheduler.Task) {
	l.queue.Remove(t)
}

// Do posts fn as an anonymous task.
func (l *Looper) Do(name string, fn func()) bool {
	return l.Post(scheduler.NewTask(name, fn))
}

// Pending returns the number of queued tasks.
func (l *Looper) Pending() int {
	return l.queue.Len()
}

// Run drives the loop on the calling goroutine until ctx is cancelled or
// Close is called and the queue has drained.
//
// ERROR HANDLING: a task that panics is logged and the loop continues.
func (l *Looper) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.running.Store(false)

	l.logger.Debug("looper starting")

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			l.runTask(t)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("looper stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel is closed once the queue closes, so this
			// case fires immediately from then on.
			if l.queue.Closed() && l.queue.Len() == 0 {
				l.logger.Debug("looper stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain runs queued tasks on the calling goroutine, including any they post,
// until the queue is empty. It never waits for new work.
//
// Drain is the batch counterpart of Run, used by the CLI and tests.
func (l *Looper) Drain(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.running.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok := l.queue.TryDequeue()
		if !ok {
			if l.queue.Closed() {
				return ErrLoopClosed
			}
			return nil
		}
		l.runTask(t)
	}
}

// Close stops accepting new tasks. Run returns after the queue drains.
func (l *Looper) Close() {
	l.queue.Close()
}

func (l *Looper) runTask(t *scheduler.Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "task", t.String(), "panic", r)
		}
	}()
	t.Run()
}

var _ scheduler.Poster = (*Looper)(nil)
