// Package timing provides the clock abstraction and the debounce/throttle state machines used by
// content sync, cursor broadcasting and presence cleanup.
package timing

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call stopped a pending timer.
	Stop() bool
}

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// ManualClock is a Clock whose time only moves when Advance is called.
// Due callbacks run synchronously on the goroutine calling Advance, in due order.
type ManualClock struct {
	mu       sync.Mutex
	now      time.Time
	timers   []*manualTimer
	sequence int64
}

type manualTimer struct {
	clock    *ManualClock
	due      time.Time
	sequence int64
	callback func()
	done     bool
}

// NewManualClock constructs a ManualClock starting at the provided instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules callback to run once the clock has advanced by delay.
func (c *ManualClock) AfterFunc(delay time.Duration, callback func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	c.sequence++
	timer := &manualTimer{
		clock:    c,
		due:      c.now.Add(delay),
		sequence: c.sequence,
		callback: callback,
	}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward, firing every timer that becomes due, including timers
// scheduled by callbacks fired during this call.
func (c *ManualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	target := c.now.Add(delta)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.mu.Unlock()
		next.callback()
	}
}

// PendingTimers returns the number of scheduled timers that have not fired or been stopped.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.done {
			count++
		}
	}
	return count
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.done {
			live = append(live, timer)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].due.Equal(c.timers[j].due) {
			return c.timers[i].sequence < c.timers[j].sequence
		}
		return c.timers[i].due.Before(c.timers[j].due)
	})
	if len(c.timers) == 0 || c.timers[0].due.After(target) {
		return nil
	}
	return c.timers[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
