package looper

import (
	"sync"

	"github.com/roach88/rulez/internal/scheduler"
)

// taskQueue is a thread-safe FIFO queue of tasks.
//
// The queue is unbounded so posting never blocks, even when a task running
// on the loop posts more work.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*scheduler.Task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]*scheduler.Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t *scheduler.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// Remove deletes every queued occurrence of t. Returns the number removed.
func (q *taskQueue) Remove(t *scheduler.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	for _, queued := range q.tasks {
		if queued != t {
			kept = append(kept, queued)
		}
	}
	removed := len(q.tasks) - len(kept)
	// Clear the tail so dropped tasks can be collected.
	clear(q.tasks[len(kept):])
	q.tasks = kept
	return removed
}

// TryDequeue removes and returns the front task without blocking.
func (q *taskQueue) TryDequeue() (*scheduler.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	q.tasks[0] = nil

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return t, true
}

// Wait returns a channel that signals when tasks may be available.
// The channel is closed when the queue closes.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes any waiter.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *taskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
