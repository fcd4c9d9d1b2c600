package clock

import (
	"sync"
	"time"
)

// Debouncer is a trailing debounce with an optional max-wait bound.
//
// Each Trigger pushes the fire point to now+delay. With a max wait
// configured, the fire point is clamped to maxDeadline, fixed at the first
// Trigger of a burst, so a continuous stream of triggers still fires within
// the bound instead of starving forever.
//
// The callback runs on a timer goroutine with no Debouncer lock held, so it
// may call back into Trigger to start the next burst.
//
// Thread-safety: all methods are safe for concurrent use.
type Debouncer struct {
	mu      sync.Mutex
	clk     Clock
	delay   time.Duration
	maxWait time.Duration // 0 disables the bound
	fn      func()

	timer       Timer
	armed       bool
	maxDeadline time.Time
}

// NewDebouncer creates a debouncer that invokes fn after delay of
// quiescence, at most maxWait after the first trigger of a burst.
// A maxWait of 0 means no bound (pure trailing debounce).
func NewDebouncer(clk Clock, delay, maxWait time.Duration, fn func()) *Debouncer {
	return &Debouncer{clk: clk, delay: delay, maxWait: maxWait, fn: fn}
}

// Trigger (re)arms the debounce timer. The first trigger of a burst also
// pins the max-wait deadline.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	now := d.clk.Now()
	if !d.armed && d.maxWait > 0 {
		d.maxDeadline = now.Add(d.maxWait)
	}
	fireAt := now.Add(d.delay)
	if d.maxWait > 0 && fireAt.After(d.maxDeadline) {
		fireAt = d.maxDeadline
	}
	wait := fireAt.Sub(now)
	if d.timer == nil {
		d.timer = d.clk.AfterFunc(wait, d.fire)
	} else {
		d.timer.Reset(wait)
	}
	d.armed = true
	d.mu.Unlock()
}

// Flush fires the pending callback immediately, canceling the timer.
// No-op when nothing is pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.disarmLocked()
	d.mu.Unlock()
	d.fn()
}

// Stop cancels any pending fire without invoking the callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.disarmLocked()
	d.mu.Unlock()
}

// Pending reports whether a fire is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// SetDelay changes the quiescence delay for subsequent triggers. Used to
// switch between normal and instant-render debounce intervals.
func (d *Debouncer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.armed {
		// Lost the race against Flush or Stop.
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

func (d *Debouncer) disarmLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
}
