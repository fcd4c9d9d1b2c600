package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatedraw/slate/internal/testutil"
)

func newTestFeedback() (*Feedback, *testutil.ManualClock) {
	clk := testutil.NewManualClock()
	return New(clk, slog.New(slog.NewTextHandler(io.Discard, nil))), clk
}

func TestFeedback_OperationLifecycle(t *testing.T) {
	f, clk := newTestFeedback()
	assert.Equal(t, StatusIdle, f.Status())

	id := f.StartOperation("batch_sync")
	require.NotEmpty(t, id)
	assert.Equal(t, StatusSyncing, f.Status())

	ops := f.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "batch_sync", ops[0].Type)
	assert.Equal(t, OpPending, ops[0].Status)

	f.UpdateProgress(id, 0.5)
	assert.Equal(t, 0.5, f.Operations()[0].Progress)

	f.CompleteOperation(id, true, map[string]int{"synced": 3})
	assert.Equal(t, StatusCompleted, f.Status())
	assert.Equal(t, 1.0, f.Operations()[0].Progress)

	// The status settles to idle after the display window, the entry is
	// evicted a little later.
	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, StatusIdle, f.Status())
	assert.Len(t, f.Operations(), 1)

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, f.Operations())
}

func TestFeedback_FailedOperationSticks(t *testing.T) {
	f, clk := newTestFeedback()

	id := f.StartOperation("batch_sync")
	f.CompleteOperation(id, false, nil)
	assert.Equal(t, StatusFailed, f.Status())

	// Failure does not auto-settle; only new activity moves the status.
	clk.Advance(time.Minute)
	assert.Equal(t, StatusFailed, f.Status())

	f.StartOperation("batch_sync")
	assert.Equal(t, StatusSyncing, f.Status())
}

func TestFeedback_SettleWaitsForInFlightOps(t *testing.T) {
	f, clk := newTestFeedback()

	first := f.StartOperation("batch_sync")
	second := f.StartOperation("event_propagation")
	f.CompleteOperation(first, true, nil)

	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, StatusCompleted, f.Status(), "a pending operation blocks the idle settle")

	f.CompleteOperation(second, true, nil)
	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, StatusIdle, f.Status())
}

func TestFeedback_UnknownOperationIgnored(t *testing.T) {
	f, _ := newTestFeedback()
	f.UpdateProgress("nope", 0.9)
	f.CompleteOperation("nope", true, nil)
	assert.Equal(t, StatusIdle, f.Status())
	assert.Empty(t, f.Operations())
}

func TestFeedback_OperationIDsAreSortable(t *testing.T) {
	f, clk := newTestFeedback()
	a := f.StartOperation("batch_sync")
	clk.Advance(time.Millisecond)
	b := f.StartOperation("batch_sync")
	assert.Less(t, a, b, "ids order by start time")
}

func TestFeedback_ErrorsExpire(t *testing.T) {
	f, clk := newTestFeedback()

	f.RecordError("transport down")
	clk.Advance(5 * time.Second)
	f.RecordError("still down")
	require.Len(t, f.Errors(), 2)

	clk.Advance(5 * time.Second)
	errs := f.Errors()
	require.Len(t, errs, 1, "the first error aged out at 10s")
	assert.Equal(t, "still down", errs[0].Message)

	clk.Advance(5 * time.Second)
	assert.Empty(t, f.Errors())
}

func TestFeedback_QualityGrades(t *testing.T) {
	f, _ := newTestFeedback()
	assert.Equal(t, "unknown", f.Quality())

	f.RecordLatency(50)
	assert.Equal(t, "excellent", f.Quality())

	// Smoothing: 0.7*50 + 0.3*400 = 155.
	f.RecordLatency(400)
	assert.Equal(t, "good", f.Quality())

	f.RecordLatency(1000)
	f.RecordLatency(1000)
	assert.Equal(t, "poor", f.Quality())

	f.RecordLatency(-1)
	assert.Equal(t, "poor", f.Quality(), "negative samples dropped")
}
