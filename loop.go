package hq

import (
	"sync"
	"time"
)

// EventLoop is the cooperative scheduler a session and its socket share.
// Everything - transport upcalls, handler calls, timers - runs on it, one
// task at a time; the package contains no other synchronization.
//
// Timer goroutines only enqueue; the task body runs on the next Run.
type EventLoop struct {
	clock Clock

	mu    sync.Mutex
	tasks []func()

	running bool
}

func NewEventLoop(clock Clock) *EventLoop {
	if clock == nil {
		clock = realClock{}
	}

	return &EventLoop{clock: clock}
}

func (el *EventLoop) Clock() Clock {
	return el.clock
}

// RunInLoop queues fn to run on the next Run pass. Safe to call from timer
// goroutines.
func (el *EventLoop) RunInLoop(fn func()) {
	el.mu.Lock()
	el.tasks = append(el.tasks, fn)
	el.mu.Unlock()
}

// RunAfterDelay schedules fn to be enqueued after d. The returned Timer can
// cancel it before it fires; once enqueued it will run.
func (el *EventLoop) RunAfterDelay(d time.Duration, fn func()) Timer {
	return el.clock.AfterFunc(d, func() {
		el.RunInLoop(fn)
	})
}

// Run drains the task queue, including tasks enqueued by tasks it runs.
// Re-entrant calls are no-ops: a task that triggers Run must not recurse
// into the loop it is already on.
func (el *EventLoop) Run() {
	el.mu.Lock()
	if el.running {
		el.mu.Unlock()
		return
	}
	el.running = true

	for len(el.tasks) > 0 {
		task := el.tasks[0]
		el.tasks = el.tasks[1:]
		el.mu.Unlock()

		task()

		el.mu.Lock()
	}

	el.running = false
	el.mu.Unlock()
}

// Pending reports whether any task is queued.
func (el *EventLoop) Pending() bool {
	el.mu.Lock()
	n := len(el.tasks)
	el.mu.Unlock()

	return n > 0
}
