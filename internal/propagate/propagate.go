// Package propagate sends event batches to remote peers and applies
// incoming ones through conflict resolution.
package propagate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/syncerr"
	"github.com/slatedraw/slate/internal/wire"
)

// maxConflictEntries bounds the rolling conflict diagnostic list.
const maxConflictEntries = 100

// Sender publishes event batches; implemented by the sync channel.
type Sender interface {
	SendEvents(events []wire.SyncEvent) error
}

// Lookup returns the local authoritative element for an id, if any. The
// state manager provides this; the propagator never holds element state of
// its own.
type Lookup func(id canvas.ElementID) (canvas.Element, bool)

// Applier receives the incoming events that won conflict resolution.
// initial is true for a full-state seed, which replaces the element set
// wholesale instead of merging per element.
type Applier func(events []wire.SyncEvent, initial bool)

// Result reports one propagation call.
type Result struct {
	Success   bool
	LatencyMS int64
}

// Propagator pushes local event batches out and routes remote ones in.
//
// Large batches are sent in fixed-size slices with a fixed delay between
// them to bound burst size on the transport; the remainder re-enters
// Propagate itself rather than a separate path.
//
// Thread-safety: all methods are safe for concurrent use.
type Propagator struct {
	cfg config.PropagateConfig
	clk clock.Clock
	log *slog.Logger

	userID string
	noteID string

	sender Sender
	lookup Lookup
	apply  Applier

	mu        sync.Mutex
	conflicts []ConflictEntry
}

// New creates a propagator. lookup and apply bind it to the state
// manager's authoritative map.
func New(cfg config.PropagateConfig, clk clock.Clock, log *slog.Logger, userID, noteID string, sender Sender, lookup Lookup, apply Applier) *Propagator {
	return &Propagator{
		cfg:    cfg,
		clk:    clk,
		log:    log.With("note_id", noteID),
		userID: userID,
		noteID: noteID,
		sender: sender,
		lookup: lookup,
		apply:  apply,
	}
}

// Propagate sends a batch of events to remote peers. Batches above the
// slice size go out in slices with the configured inter-slice delay; the
// remainder is re-submitted through Propagate itself.
func (p *Propagator) Propagate(ctx context.Context, events []wire.SyncEvent, changeType string, metadata map[string]any) (Result, error) {
	start := p.clk.Now()
	if len(events) == 0 {
		return Result{Success: true}, nil
	}

	slice := events
	var rest []wire.SyncEvent
	if len(events) > p.cfg.SliceSize {
		slice = events[:p.cfg.SliceSize]
		rest = events[p.cfg.SliceSize:]
	}

	if err := p.sender.SendEvents(slice); err != nil {
		terr := syncerr.NewTransport(p.noteID, err)
		p.log.Warn("event propagation failed",
			"change_type", changeType,
			"events", len(slice),
			"error", terr)
		return Result{Success: false, LatencyMS: p.sinceMillis(start)}, terr
	}

	if len(rest) > 0 {
		if err := p.clk.Sleep(ctx, p.cfg.SliceDelay()); err != nil {
			return Result{Success: false, LatencyMS: p.sinceMillis(start)}, err
		}
		res, err := p.Propagate(ctx, rest, changeType, metadata)
		res.LatencyMS = p.sinceMillis(start)
		return res, err
	}

	p.log.Debug("events propagated",
		"change_type", changeType,
		"events", len(events),
		"latency_ms", p.sinceMillis(start))
	return Result{Success: true, LatencyMS: p.sinceMillis(start)}, nil
}

// HandleRemoteUpdate validates, conflict-resolves, and hands off an
// incoming event batch. Malformed events are dropped with a warning; the
// rest resolve per element against the authoritative map.
func (p *Propagator) HandleRemoteUpdate(events []wire.SyncEvent, metadata map[string]any) {
	var applied []wire.SyncEvent
	var seed []wire.SyncEvent

	for _, ev := range events {
		if err := wire.ValidateEvent(ev); err != nil {
			p.log.Warn("dropping invalid remote event", "error", err)
			continue
		}

		if ev.Type == wire.EventInitialState {
			seed = append(seed, ev)
			continue
		}
		if ev.Box == nil {
			p.log.Warn("dropping remote event without element snapshot",
				"event_type", ev.Type, "element_id", ev.ElementID)
			continue
		}

		var local *canvas.Element
		if el, ok := p.lookup(ev.ElementID); ok {
			local = &el
		}
		outcome := p.ResolveElement(local, *ev.Box, ev.UserID)

		switch outcome {
		case OutcomeRejectedStale:
			p.log.Debug("stale remote update rejected",
				"element_id", ev.ElementID,
				"remote_version", ev.Box.Version)
		case OutcomeDuplicate:
			p.log.Debug("duplicate remote update dropped",
				"element_id", ev.ElementID,
				"version", ev.Box.Version)
		}
		if outcome.Applied() {
			applied = append(applied, ev)
		}
	}

	// A seed replaces the whole element set; per-element applications
	// would be overwritten anyway, so the seed goes last.
	if len(applied) > 0 {
		p.apply(applied, false)
	}
	if len(seed) > 0 {
		p.apply(seed, true)
	}
}

// ResolveElement runs conflict resolution for one incoming element
// snapshot and records any simultaneous edit in the rolling conflict list.
// Every delivery path routes through here - the batch payload and the
// event stream both carry each remote change, so the same edit can arrive
// twice. The ledger keeps one entry per distinct remote edit: a second
// arrival with identical content resolves as a duplicate, and a second
// arrival of a rejected edit dedupes against the recorded entry.
func (p *Propagator) ResolveElement(local *canvas.Element, incoming canvas.Element, remoteAuthor string) Outcome {
	outcome := Resolve(local, incoming, remoteAuthor, p.userID)
	if outcome.Conflict() {
		p.recordConflict(local, incoming, remoteAuthor, outcome.Applied())
	}
	return outcome
}

// Conflicts returns a copy of the rolling conflict diagnostics.
func (p *Propagator) Conflicts() []ConflictEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConflictEntry, len(p.conflicts))
	copy(out, p.conflicts)
	return out
}

func (p *Propagator) recordConflict(local *canvas.Element, incoming canvas.Element, remoteAuthor string, appliedRemote bool) {
	entry := ConflictEntry{
		ElementID:     incoming.ID,
		RemoteVersion: incoming.Version,
		RemoteAuthor:  remoteAuthor,
		AppliedRemote: appliedRemote,
		At:            p.clk.Now().UnixMilli(),
	}
	if local != nil {
		entry.LocalVersion = local.Version
	}

	p.mu.Lock()
	// One entry per distinct remote edit. A rejected edit leaves local
	// state unchanged, so its second delivery resolves to the same
	// conflict again; the (element, version, author) triple identifies it.
	for _, prev := range p.conflicts {
		if prev.ElementID == entry.ElementID &&
			prev.RemoteVersion == entry.RemoteVersion &&
			prev.RemoteAuthor == entry.RemoteAuthor {
			p.mu.Unlock()
			return
		}
	}
	p.conflicts = append(p.conflicts, entry)
	if len(p.conflicts) > maxConflictEntries {
		p.conflicts = p.conflicts[len(p.conflicts)-maxConflictEntries:]
	}
	p.mu.Unlock()

	p.log.Info("simultaneous edit resolved",
		"element_id", incoming.ID,
		"remote_author", remoteAuthor,
		"applied_remote", appliedRemote)
}

func (p *Propagator) sinceMillis(start time.Time) int64 {
	return p.clk.Now().Sub(start).Milliseconds()
}
