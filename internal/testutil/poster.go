package testutil

import (
	"slices"

	"github.com/roach88/rulez/internal/scheduler"
)

// FakePoster is a manual scheduler.Poster for tests.
//
// Posted tasks queue up until RunPending runs them. Every Post and
// RemoveCallbacks call is counted so tests can assert exactly how the
// scheduler drove its host.
type FakePoster struct {
	pending []*scheduler.Task
	closed  bool

	// Posts counts Post calls that were accepted.
	Posts int
	// Removals counts RemoveCallbacks calls.
	Removals int
	// Runs counts tasks executed by RunPending or RunNext.
	Runs int
}

// NewFakePoster returns an empty FakePoster.
func NewFakePoster() *FakePoster {
	return &FakePoster{}
}

// Post implements scheduler.Poster.
func (p *FakePoster) Post(t *scheduler.Task) bool {
	if p.closed {
		return false
	}
	p.pending = append(p.pending, t)
	p.Posts++
	return true
}

// RemoveCallbacks implements scheduler.Poster.
func (p *FakePoster) RemoveCallbacks(t *scheduler.Task) {
	p.Removals++
	p.pending = slices.DeleteFunc(p.pending, func(q *scheduler.Task) bool {
		return q == t
	})
}

// Pending returns the number of queued tasks.
func (p *FakePoster) Pending() int {
	return len(p.pending)
}

// RunNext runs the oldest queued task. Returns false if none was queued.
func (p *FakePoster) RunNext() bool {
	if len(p.pending) == 0 {
		return false
	}
	t := p.pending[0]
	p.pending = p.pending[1:]
	p.Runs++
	t.Run()
	return true
}

// RunPending runs queued tasks, including ones posted while running, until
// the queue is empty. Returns the number of tasks run.
func (p *FakePoster) RunPending() int {
	n := 0
	for p.RunNext() {
		n++
	}
	return n
}

// Close makes later Post calls fail, like a stopped run loop.
func (p *FakePoster) Close() {
	p.closed = true
}

var _ scheduler.Poster = (*FakePoster)(nil)
