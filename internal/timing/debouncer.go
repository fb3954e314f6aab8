package timing

import (
	"sync"
	"time"
)

// Debouncer collapses rapid calls into one that runs after the window passes without a new call.
// It is either idle (no timer) or pending (one timer and one callback). Superseded callbacks are
// dropped, not queued.
type Debouncer struct {
	mu         sync.Mutex
	clock      Clock
	window     time.Duration
	timer      Timer
	pending    func()
	generation uint64
	closed     bool
}

// NewDebouncer constructs a Debouncer. A nil clock uses the system clock.
func NewDebouncer(clock Clock, window time.Duration) *Debouncer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Debouncer{clock: clock, window: window}
}

// Trigger replaces any pending callback with callback and restarts the window.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.pending = callback
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.fire(generation)
	})
}

// Flush runs the pending callback immediately. It reports whether a callback was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	callback := d.takeLocked()
	d.mu.Unlock()
	if callback == nil {
		return false
	}
	callback()
	return true
}

// Cancel drops the pending callback. It reports whether a callback was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeLocked() != nil
}

// Close cancels the pending callback and ignores every later Trigger.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.takeLocked()
	d.closed = true
}

// Pending reports whether a callback is waiting for its window to elapse.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation {
		d.mu.Unlock()
		return
	}
	callback := d.takeLocked()
	d.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func (d *Debouncer) takeLocked() func() {
	callback := d.pending
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = nil
	d.pending = nil
	d.generation++
	return callback
}
