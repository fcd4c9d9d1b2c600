// Package telemetry surfaces sync activity for observability: in-flight
// operations, an aggregate status for the UI, smoothed connection quality,
// and a rolling error list. Nothing here influences sync behavior.
package telemetry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slatedraw/slate/internal/clock"
)

// OpStatus is the lifecycle position of one tracked operation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
)

// Status is the aggregate sync status shown to the user.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Timing of the debounced status lifecycle. The display window and
// eviction delay exist purely to avoid UI flicker on rapid successive
// syncs.
const (
	successDisplayWindow = 1500 * time.Millisecond
	entryEvictionDelay   = 2 * time.Second
	errorExpiry          = 10 * time.Second
)

// Connection quality thresholds on the smoothed latency, in milliseconds.
const (
	qualityExcellentBelow = 100
	qualityGoodBelow      = 300
)

// Operation is one tracked sync operation.
type Operation struct {
	ID        string
	Type      string
	StartedAt int64 // wall-clock ms
	Status    OpStatus
	Progress  float64 // 0..1
	Result    any
}

// TrackedError is one surfaced error with its arrival time.
type TrackedError struct {
	Message string
	At      int64 // wall-clock ms
}

// Feedback tracks in-flight operations and aggregates them into a single
// status.
//
// Thread-safety: all methods are safe for concurrent use.
type Feedback struct {
	mu  sync.Mutex
	clk clock.Clock
	log *slog.Logger

	ops     map[string]*Operation
	status  Status
	errors  []TrackedError
	entropy *ulid.MonotonicEntropy

	latencyMS  float64
	hasLatency bool
}

// New creates an idle feedback tracker.
func New(clk clock.Clock, log *slog.Logger) *Feedback {
	return &Feedback{
		clk:     clk,
		log:     log,
		ops:     make(map[string]*Operation),
		status:  StatusIdle,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(clk.Now().UnixNano())), 0),
	}
}

// StartOperation registers a new in-flight operation and moves the
// aggregate status to syncing. Returns the operation id.
func (f *Feedback) StartOperation(opType string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(f.clk.Now()), f.entropy).String()
	f.ops[id] = &Operation{
		ID:        id,
		Type:      opType,
		StartedAt: f.clk.Now().UnixMilli(),
		Status:    OpPending,
	}
	f.status = StatusSyncing
	return id
}

// UpdateProgress sets an operation's progress in [0, 1]. Unknown ids are
// ignored (the entry may already be evicted).
func (f *Feedback) UpdateProgress(id string, progress float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.ops[id]; ok {
		op.Progress = progress
	}
}

// CompleteOperation resolves an operation. The entry is evicted after a
// short delay; on success the aggregate status passes through completed
// and settles back to idle after the display window, provided nothing
// else is in flight.
func (f *Feedback) CompleteOperation(id string, success bool, result any) {
	f.mu.Lock()
	op, ok := f.ops[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	op.Result = result
	op.Progress = 1
	if success {
		op.Status = OpCompleted
		f.status = StatusCompleted
	} else {
		op.Status = OpFailed
		f.status = StatusFailed
	}
	f.mu.Unlock()

	f.clk.AfterFunc(entryEvictionDelay, func() { f.evict(id) })
	if success {
		f.clk.AfterFunc(successDisplayWindow, f.settle)
	}
}

// RecordError appends to the rolling error list; the entry expires on its
// own.
func (f *Feedback) RecordError(msg string) {
	at := f.clk.Now().UnixMilli()
	f.mu.Lock()
	f.errors = append(f.errors, TrackedError{Message: msg, At: at})
	f.mu.Unlock()
	f.log.Warn("sync error surfaced", "error", msg)

	f.clk.AfterFunc(errorExpiry, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.errors {
			if e.At == at && e.Message == msg {
				f.errors = append(f.errors[:i], f.errors[i+1:]...)
				break
			}
		}
	})
}

// RecordLatency folds a latency sample into the smoothed connection
// quality estimate.
func (f *Feedback) RecordLatency(sampleMS float64) {
	if sampleMS < 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLatency {
		f.latencyMS = sampleMS
		f.hasLatency = true
		return
	}
	f.latencyMS = 0.7*f.latencyMS + 0.3*sampleMS
}

// Status returns the aggregate status.
func (f *Feedback) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Quality grades the smoothed connection latency.
func (f *Feedback) Quality() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case !f.hasLatency:
		return "unknown"
	case f.latencyMS < qualityExcellentBelow:
		return "excellent"
	case f.latencyMS < qualityGoodBelow:
		return "good"
	default:
		return "poor"
	}
}

// Errors returns the live (unexpired) error list.
func (f *Feedback) Errors() []TrackedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TrackedError, len(f.errors))
	copy(out, f.errors)
	return out
}

// Operations returns a snapshot of the in-flight operation map.
func (f *Feedback) Operations() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Operation, 0, len(f.ops))
	for _, op := range f.ops {
		out = append(out, *op)
	}
	return out
}

func (f *Feedback) evict(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ops, id)
}

// settle returns the aggregate status to idle once the display window has
// passed and nothing new started in the meantime.
func (f *Feedback) settle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusCompleted {
		return
	}
	for _, op := range f.ops {
		if op.Status == OpPending {
			return
		}
	}
	f.status = StatusIdle
}
