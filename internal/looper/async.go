package looper

import (
	"context"
	"sync"

	"github.com/roach88/rulez/internal/scheduler"
)

type asyncState int

const (
	asyncRunning asyncState = iota
	asyncFinished
	asyncCancelled
)

// Async is background work whose completion callback runs on the loop.
type Async struct {
	loop   *Looper
	cancel context.CancelFunc
	exited chan struct{}

	mu    sync.Mutex
	state asyncState
	task  *scheduler.Task
}

// Go runs work on a new goroutine. When work returns, done is posted onto
// the loop with work's error, unless the Async was cancelled first.
//
// A typical done callback records completion by setting a fact on the
// engine, which schedules evaluation like any other stimulus.
func (l *Looper) Go(ctx context.Context, name string, work func(context.Context) error, done func(error)) *Async {
	ctx, cancel := context.WithCancel(ctx)
	a := &Async{
		loop:   l,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	go func() {
		defer close(a.exited)
		defer cancel()

		err := work(ctx)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state != asyncRunning {
			return
		}
		a.task = scheduler.NewTask(name, func() { a.finish(done, err) })
		if !l.Post(a.task) {
			a.state = asyncCancelled
		}
	}()

	return a
}

func (a *Async) finish(done func(error), err error) {
	a.mu.Lock()
	if a.state != asyncRunning {
		a.mu.Unlock()
		return
	}
	a.state = asyncFinished
	a.mu.Unlock()

	if done != nil {
		done(err)
	}
}

// CancelIfIncomplete cancels the work's context and suppresses the
// completion callback, unless the callback has already run. Returns true if
// this call cancelled the work.
func (a *Async) CancelIfIncomplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != asyncRunning {
		return false
	}
	a.state = asyncCancelled
	a.cancel()
	if a.task != nil {
		a.loop.RemoveCallbacks(a.task)
	}
	return true
}

// Finished reports whether the completion callback has run.
func (a *Async) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == asyncFinished
}

// Exited is closed when the work goroutine has returned.
func (a *Async) Exited() <-chan struct{} {
	return a.exited
}
