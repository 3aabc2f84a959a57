// Package lock provides the advisory per-skill coordination locks that
// serialize the partitioning and reflection controllers, plus the TTL
// timer tracking used to surface holders that outlive their lease.
package lock

import (
	"sync"
	"time"
)

// TTLTimer is a concurrency-safe mapping of named expiry timers.
type TTLTimer struct {
	// timers maps a lock identifier to the timer which fires once its
	// TTL elapses. Access must go through the helper functions with
	// timersLock held.
	timers     map[string]*time.Timer
	timersLock sync.RWMutex
}

// NewTTLTimer returns an empty timer tracker ready for use.
func NewTTLTimer() *TTLTimer {
	return &TTLTimer{
		timers: make(map[string]*time.Timer),
	}
}

// Create stores a timer which calls timeoutFn once ttl elapses. Creating an
// ID that already exists resets its duration and keeps the originally
// registered function. Fired timers stay tracked until removed, so a
// subsequent Create re-arms them.
func (t *TTLTimer) Create(id string, ttl time.Duration, timeoutFn func()) {
	t.timersLock.Lock()
	defer t.timersLock.Unlock()

	if tm, ok := t.timers[id]; ok {
		tm.Reset(ttl)
		return
	}
	t.timers[id] = time.AfterFunc(ttl, timeoutFn)
}

// Get returns the timer tracked under id, or nil when none exists.
func (t *TTLTimer) Get(id string) *time.Timer {
	t.timersLock.RLock()
	defer t.timersLock.RUnlock()
	return t.timers[id]
}

// StopAndRemove stops the named timer and drops it from tracking. Removing
// an unknown ID is a no-op.
func (t *TTLTimer) StopAndRemove(id string) {
	t.timersLock.Lock()
	defer t.timersLock.Unlock()

	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// StopAndRemoveAll stops and drops every tracked timer.
func (t *TTLTimer) StopAndRemoveAll() {
	t.timersLock.Lock()
	defer t.timersLock.Unlock()

	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
}

// TimerNum returns the number of tracked timers.
func (t *TTLTimer) TimerNum() int {
	t.timersLock.RLock()
	defer t.timersLock.RUnlock()
	return len(t.timers)
}
