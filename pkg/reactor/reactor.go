// Package reactor implements a cooperative single-goroutine event loop: one
// goroutine dispatches every IPC completion, timer expiration, and
// software-event callback for a given IpcClient or IpcServer/SdServer pair,
// in sequence. Everything else in this module treats "run on the reactor" as
// "Post a func() and return".
package reactor

import (
	"sync"
	"time"
)

// Reactor serializes callback execution onto one goroutine. Callers from any
// goroutine may Post work; Run must be called from exactly the goroutine
// that is to become the reactor thread, and returns once Stop is called.
type Reactor struct {
	events chan func()
	stopCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Reactor with a small buffer so Post from the reactor's own
// goroutine (re-arming a receive, scheduling a cleanup pass) never
// self-deadlocks waiting on Run to drain it.
func New() *Reactor {
	return &Reactor{
		events: make(chan func(), 64),
		stopCh: make(chan struct{}),
	}
}

// Post schedules fn to run on the reactor goroutine. It returns false
// without running fn if the reactor has already been stopped — callers must
// tolerate in-flight work losing the race against Stop: a close must not
// invoke the user's receive callback after close returns, but in-flight
// asynchronous operations may still complete and must be tolerated.
func (r *Reactor) Post(fn func()) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}
	select {
	case r.events <- fn:
		return true
	case <-r.stopCh:
		return false
	}
}

// AfterFunc arms a timer that posts fn to the reactor after d, the Go
// realization of a connection-establishment retry timer. The returned timer
// can be stopped directly; stopping it after it has already fired is
// harmless (the posted fn may still run once).
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { r.Post(fn) })
}

// Run drains posted work until Stop is called. It must be invoked from the
// goroutine that owns this Reactor's callbacks.
func (r *Reactor) Run() {
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.stopCh:
			return
		}
	}
}

// Stop ends Run and causes all subsequent/in-flight Post calls to return
// false. Stop is idempotent and safe to call from any goroutine.
func (r *Reactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.stopCh)
}
