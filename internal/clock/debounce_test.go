package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/testutil"
)

func TestDebouncer_TrailingFire(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	d.Trigger()
	clk.Advance(49 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load(), "must not fire before the window closes")

	clk.Advance(1 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_RetriggerRestartsWindow(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	// Re-trigger every 30ms; the trailing window keeps sliding.
	for i := 0; i < 5; i++ {
		d.Trigger()
		clk.Advance(30 * time.Millisecond)
	}
	assert.Equal(t, int32(0), fires.Load(), "continuous triggers must postpone the fire")

	clk.Advance(20 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load(), "one fire after quiescence")
}

func TestDebouncer_MaxWaitBoundsStarvation(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 100*time.Millisecond, func() { fires.Add(1) })

	// Trigger every 30ms forever. Without the bound this would never fire;
	// with maxWait=100ms the first burst must flush at t=100ms.
	for i := 0; i < 4; i++ {
		d.Trigger()
		clk.Advance(30 * time.Millisecond)
	}
	assert.Equal(t, int32(1), fires.Load(), "max wait must force a fire at 100ms")
}

func TestDebouncer_FlushFiresImmediately(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	d.Trigger()
	d.Flush()
	assert.Equal(t, int32(1), fires.Load())

	// The canceled timer must not fire again.
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestDebouncer_FlushWithoutPendingIsNoop(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	d.Flush()
	assert.Equal(t, int32(0), fires.Load())
}

func TestDebouncer_StopCancelsWithoutFiring(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	d.Trigger()
	d.Stop()
	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_SetDelayAppliesToNextTrigger(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	d := clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() { fires.Add(1) })

	d.SetDelay(16 * time.Millisecond)
	d.Trigger()
	clk.Advance(16 * time.Millisecond)
	require.Equal(t, int32(1), fires.Load(), "instant window must apply")
}

func TestDebouncer_CallbackMayRetrigger(t *testing.T) {
	clk := testutil.NewManualClock()
	var fires atomic.Int32
	var d *clock.Debouncer
	d = clock.NewDebouncer(clk, 50*time.Millisecond, 0, func() {
		if fires.Add(1) == 1 {
			d.Trigger()
		}
	})

	d.Trigger()
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, int32(2), fires.Load(), "retrigger from the callback must schedule a second fire")
}
