package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/slatedraw/slate/internal/clock"
)

// ManualClock is a deterministic clock.Clock for tests.
//
// Time only moves when Advance is called. Timers scheduled via AfterFunc
// fire synchronously inside Advance, in deadline order, with the clock's
// reported time set to each timer's deadline as it fires. This makes
// debounce windows, heartbeat intervals, and backoff schedules exactly
// reproducible.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the clock lock held, so they may schedule further timers.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clk      *ManualClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewManualClock creates a manual clock starting at a fixed, arbitrary
// epoch so tests produce stable timestamps.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowMillis returns the current simulated time in wall-clock milliseconds.
func (c *ManualClock) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// AfterFunc registers f to run when the clock advances past d from now.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clk: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Sleep returns immediately. Callers sleep from inside timer callbacks
// (slice pacing during propagation), and blocking there would deadlock
// Advance against its own callback. Simulated time only moves through
// Advance, so an instant return keeps scenarios deterministic.
func (c *ManualClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Advance moves the clock forward by d, firing every due timer in
// deadline order. Timers scheduled by fired callbacks are honored within
// the same advance when their deadlines fall inside it.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		t.fired = true
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// nextDueLocked returns the earliest pending timer with deadline <= target,
// or nil. Also compacts fired and stopped timers.
func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}

// Stop implements clock.Timer.
func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Reset implements clock.Timer.
func (t *manualTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.stopped && !t.fired
	t.deadline = t.clk.now.Add(d)
	t.stopped = false
	t.fired = false
	return was
}
