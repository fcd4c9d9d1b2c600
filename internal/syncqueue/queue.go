// Package syncqueue batches local element changes for the transport.
//
// Changes accumulate behind a trailing debounce: a burst of edits inside
// the window collapses into one flush carrying only the latest version of
// each element. The queue is the single funnel through which local edits
// reach the network; remote updates never pass through it.
package syncqueue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/syncerr"
	"github.com/slatedraw/slate/internal/wire"
)

// ChangeType says what happened to an element.
type ChangeType string

const (
	// ChangeUpdate covers both newly added and modified elements.
	ChangeUpdate ChangeType = "update"
	// ChangeRemove carries a deletion by element id.
	ChangeRemove ChangeType = "remove"
)

// maxFlushRetries bounds how often a failing flush is retried before the
// queue surfaces a persistent failure and waits for new local activity.
const maxFlushRetries = 10

// Change is one queued element mutation.
type Change struct {
	Element canvas.Element
	Type    ChangeType
}

// FlushFunc receives each flushed payload. A non-nil error re-queues the
// batch for retry with backoff.
type FlushFunc func(wire.SyncPayload) error

// Broadcaster sends a flushed payload to remote peers. Optional; the queue
// works standalone in tests.
type Broadcaster interface {
	Broadcast(payload wire.SyncPayload) error
}

type dedupKey struct {
	id      canvas.ElementID
	version int64
}

type pendingKey struct {
	id  canvas.ElementID
	typ ChangeType
}

// Queue accumulates, deduplicates, and flushes local changes.
//
// The pending batch holds one entry per (element, change type): a newer
// version of an already-pending element replaces it in place, so a rapid
// edit burst on one element stays a single entry and flushes once with the
// final state.
//
// Flush policy: immediately at MaxBatchSize distinct elements, otherwise on
// a trailing debounce measured from the last enqueue, or on ForceSync.
// Failed flushes are re-queued and retried with exponential backoff capped
// at one second - at-least-once from the queue's perspective, never
// exactly-once.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu  sync.Mutex
	cfg config.QueueConfig
	clk clock.Clock
	log *slog.Logger

	userID string
	noteID string

	pending []Change
	index   map[pendingKey]int
	seen    map[dedupKey]struct{}

	deb         *clock.Debouncer
	flush       FlushFunc
	broadcaster Broadcaster

	retry      *backoff.ExponentialBackOff
	retryCount int
	retryTimer clock.Timer
	failed     bool

	// onFailure, when set, observes exhausted-retry errors for telemetry.
	onFailure func(error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithBroadcaster attaches the sync channel used after the flush callback.
func WithBroadcaster(b Broadcaster) Option {
	return func(q *Queue) { q.broadcaster = b }
}

// WithFailureObserver registers a callback for exhausted-retry failures.
func WithFailureObserver(fn func(error)) Option {
	return func(q *Queue) { q.onFailure = fn }
}

// New creates a queue flushing through fn.
func New(cfg config.QueueConfig, clk clock.Clock, log *slog.Logger, userID, noteID string, fn FlushFunc, opts ...Option) *Queue {
	q := &Queue{
		cfg:    cfg,
		clk:    clk,
		log:    log.With("note_id", noteID),
		userID: userID,
		noteID: noteID,
		index:  make(map[pendingKey]int),
		seen:   make(map[dedupKey]struct{}),
		flush:  fn,
		retry:  newRetrySchedule(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.deb = clock.NewDebouncer(clk, cfg.Debounce(), 0, q.flushNow)
	return q
}

// newRetrySchedule builds the flush retry schedule:
// 100ms, 200ms, 400ms, 800ms, then capped at 1s. No jitter - the schedule
// is part of the queue's contract and tests pin it down.
func newRetrySchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// QueueChange enqueues one element change. Re-queuing an identical
// (element id, version) pair is a no-op; a newer version of a pending
// element replaces it in place. Reaching MaxBatchSize distinct elements
// flushes immediately; otherwise the debounce window restarts.
func (q *Queue) QueueChange(el canvas.Element, typ ChangeType) {
	q.mu.Lock()
	key := dedupKey{id: el.ID, version: el.Version}
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		return
	}
	q.seen[key] = struct{}{}
	q.appendLocked(Change{Element: el, Type: typ})
	q.failed = false
	full := len(q.pending) >= q.cfg.MaxBatchSize
	q.mu.Unlock()

	if full {
		q.deb.Stop()
		q.flushNow()
		return
	}
	q.deb.Trigger()
}

// ForceSync cancels any pending debounce and flushes immediately.
func (q *Queue) ForceSync() {
	q.deb.Stop()
	q.flushNow()
}

// SetInstantMode switches the debounce window between the normal and
// instant-render intervals. Applies from the next enqueue.
func (q *Queue) SetInstantMode(on bool) {
	if on {
		q.deb.SetDelay(q.cfg.InstantDebounce())
	} else {
		q.deb.SetDelay(q.cfg.Debounce())
	}
}

// appendLocked adds a change to the pending batch, collapsing per element:
// the batch keeps one entry per (element, change type) in first-seen order
// and only the latest version survives.
func (q *Queue) appendLocked(ch Change) {
	key := pendingKey{id: ch.Element.ID, typ: ch.Type}
	if i, ok := q.index[key]; ok {
		if ch.Element.Version >= q.pending[i].Element.Version {
			q.pending[i].Element = ch.Element
		}
		return
	}
	q.index[key] = len(q.pending)
	q.pending = append(q.pending, ch)
}

// Len returns the number of pending entries, one per changed element.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Failed reports whether the queue gave up on its last batch. New local
// changes clear the flag and resume flushing.
func (q *Queue) Failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// flushNow drains the queue into one payload and delivers it.
func (q *Queue) flushNow() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	q.index = make(map[pendingKey]int)
	q.seen = make(map[dedupKey]struct{})
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.mu.Unlock()

	payload := q.buildPayload(batch)
	if err := q.deliver(payload); err != nil {
		q.requeue(batch, err)
		return
	}

	q.mu.Lock()
	q.retryCount = 0
	q.retry.Reset()
	q.mu.Unlock()
	q.log.Debug("sync queue flushed",
		"changed", len(payload.Changed),
		"removed", len(payload.Removed))
}

// buildPayload partitions a batch into changed elements (latest version
// per id) and deduplicated removed ids, preserving first-seen order.
func (q *Queue) buildPayload(batch []Change) wire.SyncPayload {
	latest := make(map[canvas.ElementID]canvas.Element)
	var changedOrder []canvas.ElementID
	removedSet := make(map[canvas.ElementID]struct{})
	var removed []canvas.ElementID

	for _, ch := range batch {
		switch ch.Type {
		case ChangeRemove:
			if _, dup := removedSet[ch.Element.ID]; !dup {
				removedSet[ch.Element.ID] = struct{}{}
				removed = append(removed, ch.Element.ID)
			}
		default:
			prev, ok := latest[ch.Element.ID]
			if !ok {
				changedOrder = append(changedOrder, ch.Element.ID)
			}
			if !ok || ch.Element.Version >= prev.Version {
				latest[ch.Element.ID] = ch.Element
			}
		}
	}

	changed := make([]canvas.Element, 0, len(changedOrder))
	for _, id := range changedOrder {
		changed = append(changed, latest[id])
	}

	return wire.SyncPayload{
		Changed:   changed,
		Removed:   removed,
		Timestamp: q.clk.Now().UnixMilli(),
		UserID:    q.userID,
		NoteID:    q.noteID,
	}
}

// deliver invokes the sync callback, then broadcasts if a channel is
// attached.
func (q *Queue) deliver(payload wire.SyncPayload) error {
	if err := q.flush(payload); err != nil {
		return err
	}
	if q.broadcaster != nil {
		if err := q.broadcaster.Broadcast(payload); err != nil {
			return err
		}
	}
	return nil
}

// requeue puts an unprocessed batch back at the front of the queue and
// schedules a retry.
func (q *Queue) requeue(batch []Change, cause error) {
	q.mu.Lock()
	// Changes enqueued after the failed flush come later in the rebuilt
	// batch, so appendLocked keeps their newer versions.
	held := q.pending
	q.pending = nil
	q.index = make(map[pendingKey]int, len(batch)+len(held))
	for _, ch := range batch {
		q.seen[dedupKey{id: ch.Element.ID, version: ch.Element.Version}] = struct{}{}
		q.appendLocked(ch)
	}
	for _, ch := range held {
		q.appendLocked(ch)
	}
	q.retryCount++
	if q.retryCount > maxFlushRetries {
		q.failed = true
		q.retryCount = 0
		q.retry.Reset()
		q.mu.Unlock()
		err := syncerr.NewRetryExhausted(q.noteID, maxFlushRetries, cause)
		q.log.Error("sync queue giving up on batch until next local change", "error", err)
		if q.onFailure != nil {
			q.onFailure(err)
		}
		return
	}
	attempt := q.retryCount
	delay := q.retry.NextBackOff()
	q.retryTimer = q.clk.AfterFunc(delay, q.flushNow)
	q.mu.Unlock()
	q.log.Warn("sync queue flush failed, retrying",
		"attempt", attempt,
		"retry_in", delay,
		"error", cause)
}
