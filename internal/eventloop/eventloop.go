// Package eventloop drives Go-backed JavaScript timers for a single VM.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
)

// minInterval bounds how often a setInterval callback may fire.
const minInterval = 10 * time.Millisecond

// timer is scheduling metadata for one setTimeout or setInterval. The
// callback itself lives in globalThis.__timerCallbacks[id].
type timer struct {
	id       int
	deadline time.Time
	interval time.Duration // 0 for setTimeout
}

// EventLoop owns the pending timers of one VM. It is not tied to a
// goroutine; whoever holds the VM drives it with Run.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timer
	nextID int
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{timers: make(map[int]*timer)}
}

// RegisterTimer schedules a timer and returns its id.
func (el *EventLoop) RegisterTimer(delay time.Duration, repeat bool) int {
	if delay < 0 {
		delay = 0
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	t := &timer{id: el.nextID, deadline: time.Now().Add(delay)}
	if repeat {
		t.interval = max(delay, minInterval)
	}
	el.timers[t.id] = t
	return t.id
}

// ClearTimer cancels a timer. Unknown ids are ignored.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	delete(el.timers, id)
	el.mu.Unlock()
}

// Pending reports the number of scheduled timers.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers)
}

// Reset drops every timer.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	el.timers = make(map[int]*timer)
	el.mu.Unlock()
}

// next returns the earliest timer, or nil.
func (el *EventLoop) next() *timer {
	el.mu.Lock()
	defer el.mu.Unlock()
	var first *timer
	for _, t := range el.timers {
		if first == nil || t.deadline.Before(first.deadline) ||
			(t.deadline.Equal(first.deadline) && t.id < first.id) {
			first = t
		}
	}
	return first
}

// take claims a due timer, rescheduling intervals. It reports false when
// the timer was cleared while the loop slept.
func (el *EventLoop) take(t *timer) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if _, ok := el.timers[t.id]; !ok {
		return false
	}
	if t.interval > 0 {
		t.deadline = time.Now().Add(t.interval)
	} else {
		delete(el.timers, t.id)
	}
	return true
}

func fire(rt core.JSRuntime, id int) error {
	return rt.Eval(fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args);
	})()`, id, id))
}

// Run pumps microtasks and fires timers until done reports true, no timers
// remain, or deadline passes. It returns whether done was satisfied.
// Callback exceptions are passed to onError and do not stop the loop.
// Must be called by the goroutine holding the VM.
func (el *EventLoop) Run(rt core.JSRuntime, deadline time.Time, done func() bool, onError func(error)) bool {
	for {
		rt.RunMicrotasks()
		if done() {
			return true
		}
		t := el.next()
		if t == nil {
			return false
		}
		if wait := time.Until(t.deadline); wait > 0 {
			if time.Now().Add(wait).After(deadline) {
				return false
			}
			time.Sleep(wait)
		}
		if time.Now().After(deadline) {
			return false
		}
		if !el.take(t) {
			continue
		}
		if err := fire(rt, t.id); err != nil && onError != nil {
			onError(err)
		}
	}
}
