package timing

import (
	"sync"
	"time"
)

// Throttler runs at most one callback per interval and always runs the latest callback of a
// burst once the interval ends, so the final value is never lost.
//
// The first Trigger after a quiet period opens a window; every Trigger inside the window only
// replaces the callback; the window's timer runs whatever callback is current when it fires.
type Throttler struct {
	mu         sync.Mutex
	clock      Clock
	interval   time.Duration
	timer      Timer
	pending    func()
	generation uint64
	closed     bool
}

// NewThrottler constructs a Throttler. A nil clock uses the system clock.
func NewThrottler(clock Clock, interval time.Duration) *Throttler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Throttler{clock: clock, interval: interval}
}

// Trigger records callback as the latest one and opens a window when none is open.
func (t *Throttler) Trigger(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = callback
	if t.timer != nil {
		return
	}
	generation := t.generation
	t.timer = t.clock.AfterFunc(t.interval, func() {
		t.fire(generation)
	})
}

// Cancel drops the pending callback and closes the open window.
func (t *Throttler) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.takeLocked() != nil
}

// Close cancels any pending callback and ignores every later Trigger.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.takeLocked()
	t.closed = true
}

// Pending reports whether a window is open with a callback waiting.
func (t *Throttler) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttler) fire(generation uint64) {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return
	}
	callback := t.takeLocked()
	t.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func (t *Throttler) takeLocked() func() {
	callback := t.pending
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = nil
	t.pending = nil
	t.generation++
	return callback
}
