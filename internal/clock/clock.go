// Package clock abstracts time for the sync engine.
//
// Every timing-sensitive component (debounced flushes, heartbeats,
// reconnection backoff, inter-slice propagation delays) takes a Clock as a
// dependency instead of calling the time package directly. Production code
// injects System(); tests inject testutil.ManualClock and advance it
// explicitly, so debounce and backoff behavior is fully deterministic.
package clock

import (
	"context"
	"time"
)

// Clock provides current time, one-shot timers, and cancelable sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run in its own goroutine after d elapses.
	// The returned Timer can be stopped or reset before it fires.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when canceled early.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a stoppable, resettable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. Reports whether it was still
	// pending.
	Stop() bool

	// Reset reschedules the timer to fire after d. Reports whether it was
	// still pending.
	Reset(d time.Duration) bool
}

type systemClock struct{}

// System returns the wall-clock implementation backed by the time package.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool                 { return t.t.Stop() }
func (t systemTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }
