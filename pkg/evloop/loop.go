// Package evloop implements the single-threaded cooperative event loop every
// stack component runs on: one loop per subscription controller, one for the
// device-wide switcher.
//
// All state owned by a component is touched only from its loop. Cross-loop
// communication is Post of a closure onto the target loop; there is no shared
// mutable state. Delayed tasks are cancellable, and cancellation is
// synchronous: once Cancel returns true the task body will never run, even if
// the timer already fired and the task is sitting in the queue.
package evloop

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mdstack-network/mdstack/pkg/util"
)

// Loop is a FIFO task queue drained by a single goroutine. Tasks posted from
// any goroutine execute in post order, never concurrently.
type Loop struct {
	name string
	clk  clock.Clock

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a loop. A nil clk uses the wall clock; tests inject
// clock.NewMock() for deterministic timers.
func New(name string, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		name: name,
		clk:  clk,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Clock returns the loop's clock, for components that need timestamps
// consistent with their timers.
func (l *Loop) Clock() clock.Clock {
	return l.clk
}

// Start begins draining the queue. It must be called exactly once.
func (l *Loop) Start() {
	go l.run()
}

// Stop drains nothing further and terminates the loop goroutine. Tasks
// posted after Stop are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.done)
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			task()
		}
	}
}

// Post enqueues f for execution on the loop. Ordering between two posts to
// the same loop is FIFO.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		util.WithComponent(l.name).Debug("dropping post to stopped loop")
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call posts f and blocks until it has run. Intended for snapshot reads from
// outside the loop (diagnostics); never call it from the loop itself.
func (l *Loop) Call(f func()) {
	doneCh := make(chan struct{})
	l.Post(func() {
		f()
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-l.done:
	}
}

// Task is a handle to a delayed task.
type Task struct {
	mu        sync.Mutex
	timer     *clock.Timer
	cancelled bool
	ran       bool
}

// Cancel invalidates the task. It returns true when the body is guaranteed
// not to run (it had not started), false when it already ran.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ran {
		return false
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Cancelled reports whether Cancel was called before the body ran.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// PostDelayed schedules f to run on the loop after d. The returned Task can
// cancel it; a cancelled task never runs even if its timer already fired.
func (l *Loop) PostDelayed(d time.Duration, f func()) *Task {
	t := &Task{}
	body := func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.ran = true
		t.mu.Unlock()
		f()
	}
	if d <= 0 {
		l.Post(body)
		return t
	}
	t.mu.Lock()
	t.timer = l.clk.AfterFunc(d, func() {
		l.Post(body)
	})
	t.mu.Unlock()
	return t
}
