// Package manager owns the authoritative canvas state for one note and
// wires the sync pipeline around it: local edits flow through change
// detection into the queue and tracker, remote updates flow through
// conflict resolution back into the element map. The element path and the
// tool path never touch.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/channel"
	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/diff"
	"github.com/slatedraw/slate/internal/identity"
	"github.com/slatedraw/slate/internal/perf"
	"github.com/slatedraw/slate/internal/propagate"
	"github.com/slatedraw/slate/internal/store"
	"github.com/slatedraw/slate/internal/syncqueue"
	"github.com/slatedraw/slate/internal/telemetry"
	"github.com/slatedraw/slate/internal/tracker"
	"github.com/slatedraw/slate/internal/transport"
	"github.com/slatedraw/slate/internal/wire"
)

// toolChangeMinInterval rate-limits tool switches. Anything faster is UI
// noise (scroll-wheel tool cycling) and is dropped.
const toolChangeMinInterval = 50 * time.Millisecond

// Session is the per-note orchestrator and the single owner of
// authoritative element state.
//
// Local edits enter through UpdateContent only; remote updates enter
// through the channel handlers only and never re-enter the sync queue.
// Tool state is strictly local and has its own disjoint path.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Session struct {
	mu  sync.Mutex
	cfg config.Config
	clk clock.Clock
	log *slog.Logger

	userID string
	noteID string

	elements map[canvas.ElementID]canvas.Element
	files    map[string]canvas.File
	tool     canvas.ToolState
	lastTool time.Time

	queue    *syncqueue.Queue
	tracker  *tracker.Tracker
	prop     *propagate.Propagator
	channel  *channel.Channel
	feedback *telemetry.Feedback
	monitor  *perf.Monitor

	persist store.Persistence
	tools   store.ToolStateStore
}

// Option configures a Session.
type Option func(*Session)

// WithPersistence attaches the snapshot store. Without it the session is
// memory-only.
func WithPersistence(p store.Persistence) Option {
	return func(s *Session) { s.persist = p }
}

// WithToolStore attaches the local tool-state store.
func WithToolStore(t store.ToolStateStore) Option {
	return func(s *Session) { s.tools = t }
}

// New creates a session for one note. Call Start to load persisted state
// and go live on the transport.
func New(cfg config.Config, tr transport.Transport, clk clock.Clock, log *slog.Logger, id identity.Identity, noteID string, opts ...Option) *Session {
	info := id.Current()
	s := &Session{
		cfg:      cfg,
		clk:      clk,
		log:      log.With("note_id", noteID, "user_id", info.UserID),
		userID:   info.UserID,
		noteID:   noteID,
		elements: make(map[canvas.ElementID]canvas.Element),
		files:    make(map[string]canvas.File),
		tool:     canvas.DefaultToolState(),
		feedback: telemetry.New(clk, log),
		monitor:  perf.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.channel = channel.New(cfg.Channel, tr, clk, s.log, info.UserID, noteID,
		channel.WithPayloadHandler(s.applyRemotePayload),
		channel.WithEventHandler(s.handleRemoteEvents),
	)
	s.prop = propagate.New(cfg.Propagate, clk, s.log, info.UserID, noteID,
		s.channel, s.lookupElement, s.applyResolvedEvents)
	s.queue = syncqueue.New(cfg.Queue, clk, s.log, info.UserID, noteID,
		s.onFlush,
		syncqueue.WithBroadcaster(s.channel),
		syncqueue.WithFailureObserver(func(err error) {
			s.feedback.RecordError(err.Error())
		}),
	)
	s.tracker = tracker.New(cfg.Tracker, clk, s.log, info.UserID, noteID, s.onEventBatch)
	return s
}

// Start loads persisted state, then connects the channel. Safe to call on
// a fresh note; missing snapshots start empty.
func (s *Session) Start(ctx context.Context) error {
	if err := s.loadPersisted(ctx); err != nil {
		return err
	}
	s.channel.Connect(ctx)
	return nil
}

// Stop flushes pending work, disconnects, and persists a final snapshot.
func (s *Session) Stop(ctx context.Context) error {
	s.tracker.Flush()
	s.queue.ForceSync()
	s.channel.Disconnect()
	return s.persistSnapshot(ctx)
}

// UpdateContent is the single local-edit entry point. It diffs the new
// element list against authoritative state, applies the changes, and feeds
// the queue and tracker. Files replace wholesale when non-nil.
//
// An element whose version regresses below the authoritative copy is
// dropped: versions only ever move forward through this path.
func (s *Session) UpdateContent(next []canvas.Element, files map[string]canvas.File) {
	start := s.clk.Now()

	s.mu.Lock()
	cs := diff.Detect(s.elements, next)
	if files != nil {
		s.files = files
	}

	// Enqueueing happens after the lock drops: a full queue flushes
	// synchronously back into onFlush, which re-enters this session.
	var tracked []trackedChange
	var queued []syncqueue.Change
	for _, el := range cs.Added {
		s.elements[el.ID] = el.Clone()
		tracked = append(tracked, trackedChange{typ: wire.EventCreate, el: el})
		queued = append(queued, syncqueue.Change{Element: el, Type: syncqueue.ChangeUpdate})
	}
	for _, el := range cs.Updated {
		prev := s.elements[el.ID]
		if el.Version < prev.Version {
			s.log.Warn("dropping local update with regressed version",
				"element_id", el.ID,
				"have", prev.Version,
				"got", el.Version)
			continue
		}
		s.elements[el.ID] = el.Clone()
		tracked = append(tracked, trackedChange{typ: classify(prev, el), el: el, prev: &prev})
		queued = append(queued, syncqueue.Change{Element: el, Type: syncqueue.ChangeUpdate})
	}
	for _, id := range cs.Removed {
		prev, ok := s.elements[id]
		if !ok {
			continue
		}
		tomb := prev.Clone()
		tomb.IsDeleted = true
		tomb.Version++
		tomb.LastModified = s.clk.Now().UnixMilli()
		s.elements[id] = tomb
		tracked = append(tracked, trackedChange{typ: wire.EventDelete, el: tomb, prev: &prev})
		queued = append(queued, syncqueue.Change{Element: tomb, Type: syncqueue.ChangeRemove})
	}
	s.mu.Unlock()

	for _, ch := range queued {
		s.queue.QueueChange(ch.Element, ch.Type)
	}
	for _, tc := range tracked {
		s.tracker.Track(tc.typ, tc.el, tc.prev)
	}

	s.monitor.RecordUpdate(float64(s.clk.Now().Sub(start).Microseconds()) / 1000)
}

// ChangeTool updates the local tool selection. Returns false when the
// change arrived inside the rate-limit window and was dropped. Tool state
// never reaches the network.
func (s *Session) ChangeTool(selected string, options map[string]any) bool {
	now := s.clk.Now()

	s.mu.Lock()
	if !s.lastTool.IsZero() && now.Sub(s.lastTool) < toolChangeMinInterval {
		s.mu.Unlock()
		return false
	}
	s.lastTool = now
	s.tool = canvas.ToolState{
		SelectedTool: selected,
		ToolOptions:  options,
		LastChangeAt: now.UnixMilli(),
	}
	tool := s.tool.Clone()
	s.mu.Unlock()

	if s.tools != nil {
		opts, err := json.Marshal(tool.ToolOptions)
		if err == nil {
			err = s.tools.SaveTool(context.Background(), s.userID, store.ToolState{
				SelectedTool: tool.SelectedTool,
				ToolOptions:  opts,
				ChangedAt:    tool.LastChangeAt,
			})
		}
		if err != nil {
			s.log.Warn("persisting tool state failed", "error", err)
		}
	}
	return true
}

// Snapshot returns a consistent read model: visible elements sorted by
// z-index, the file map, and the tool state. Everything is a value copy.
func (s *Session) Snapshot() canvas.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	elements := make([]canvas.Element, 0, len(s.elements))
	for _, el := range s.elements {
		if el.IsDeleted {
			continue
		}
		elements = append(elements, el.Clone())
	}
	sort.Slice(elements, func(i, j int) bool {
		if elements[i].ZIndex != elements[j].ZIndex {
			return elements[i].ZIndex < elements[j].ZIndex
		}
		return elements[i].ID < elements[j].ID
	})

	files := make(map[string]canvas.File, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}
	return canvas.Snapshot{Elements: elements, Files: files, Tool: s.tool.Clone()}
}

// ForceSync flushes the tracker and queue immediately.
func (s *Session) ForceSync() {
	s.tracker.Flush()
	s.queue.ForceSync()
}

// SetInstantMode switches the queue to the instant-render debounce window.
func (s *Session) SetInstantMode(on bool) { s.queue.SetInstantMode(on) }

// SyncFailed reports whether the queue gave up on its last batch.
func (s *Session) SyncFailed() bool { return s.queue.Failed() }

// Channel exposes the underlying sync channel for connection introspection.
func (s *Session) Channel() *channel.Channel { return s.channel }

// Feedback exposes the telemetry tracker.
func (s *Session) Feedback() *telemetry.Feedback { return s.feedback }

// Monitor exposes the performance monitor.
func (s *Session) Monitor() *perf.Monitor { return s.monitor }

// Conflicts returns the propagator's rolling conflict diagnostics.
func (s *Session) Conflicts() []propagate.ConflictEntry { return s.prop.Conflicts() }

type trackedChange struct {
	typ  wire.EventType
	el   canvas.Element
	prev *canvas.Element
}

// classify picks the event type for a local element update by what
// actually changed between the two snapshots.
func classify(prev, next canvas.Element) wire.EventType {
	geometryMoved := prev.X != next.X || prev.Y != next.Y
	resized := prev.Width != next.Width || prev.Height != next.Height
	restyled := prev.StrokeColor != next.StrokeColor ||
		prev.BackgroundColor != next.BackgroundColor ||
		prev.StrokeWidth != next.StrokeWidth ||
		prev.StrokeStyle != next.StrokeStyle ||
		prev.Roughness != next.Roughness ||
		prev.Opacity != next.Opacity

	switch {
	case prev.ZIndex != next.ZIndex && !geometryMoved && !resized && !restyled:
		return wire.EventZIndex
	case resized:
		return wire.EventResize
	case geometryMoved && !restyled:
		return wire.EventMove
	case restyled && !geometryMoved:
		return wire.EventStyle
	default:
		return wire.EventUpdate
	}
}

// onFlush receives each flushed queue payload before broadcast: it tracks
// the operation and persists the snapshot.
func (s *Session) onFlush(payload wire.SyncPayload) error {
	opID := s.feedback.StartOperation("batch_sync")
	if err := s.persistSnapshot(context.Background()); err != nil {
		s.feedback.CompleteOperation(opID, false, nil)
		return err
	}
	s.feedback.CompleteOperation(opID, true, map[string]any{
		"changed": len(payload.Changed),
		"removed": len(payload.Removed),
	})
	return nil
}

// onEventBatch forwards tracker batches to the propagator and feeds the
// latency sample into the monitors.
func (s *Session) onEventBatch(events []wire.SyncEvent) {
	if len(events) == 0 {
		return
	}
	res, err := s.prop.Propagate(context.Background(), events, string(events[0].Type), nil)
	s.monitor.RecordSync(float64(res.LatencyMS))
	if err != nil {
		s.feedback.RecordError(err.Error())
		return
	}
	s.feedback.RecordLatency(float64(res.LatencyMS))
}

// handleRemoteEvents routes an incoming event batch through the
// propagator's validation and conflict resolution.
func (s *Session) handleRemoteEvents(events []wire.SyncEvent) {
	s.prop.HandleRemoteUpdate(events, nil)
}

// lookupElement is the propagator's view into authoritative state.
func (s *Session) lookupElement(id canvas.ElementID) (canvas.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	return el, ok
}

// applyResolvedEvents applies events that won conflict resolution. An
// initial batch replaces the element set wholesale. Remote data never
// touches the queue or the tool state.
func (s *Session) applyResolvedEvents(events []wire.SyncEvent, initial bool) {
	s.mu.Lock()
	if initial {
		s.elements = make(map[canvas.ElementID]canvas.Element, len(events))
	}
	for _, ev := range events {
		if ev.Box == nil {
			continue
		}
		s.elements[ev.ElementID] = ev.Box.Clone()
	}
	s.mu.Unlock()

	if err := s.persistSnapshot(context.Background()); err != nil {
		s.log.Warn("persisting snapshot after remote events failed", "error", err)
	}
}

// applyRemotePayload merges an incoming batch payload element by element
// through conflict resolution. Removals tombstone in place so stale
// late-arriving updates still resolve against the version counter.
// Resolution goes through the propagator so simultaneous edits land in its
// conflict ledger no matter which delivery path carries them.
func (s *Session) applyRemotePayload(p wire.SyncPayload) {
	s.mu.Lock()
	applied := 0
	for _, el := range p.Changed {
		var local *canvas.Element
		if cur, ok := s.elements[el.ID]; ok {
			c := cur
			local = &c
		}
		outcome := s.prop.ResolveElement(local, el, p.UserID)
		if outcome.Applied() {
			s.elements[el.ID] = el.Clone()
			applied++
		}
	}
	for _, id := range p.Removed {
		if cur, ok := s.elements[id]; ok && !cur.IsDeleted {
			cur.IsDeleted = true
			cur.Version++
			cur.LastModified = p.Timestamp
			s.elements[id] = cur
			applied++
		}
	}
	s.mu.Unlock()

	s.log.Debug("remote payload applied",
		"from", p.UserID,
		"changed", len(p.Changed),
		"removed", len(p.Removed),
		"applied", applied)

	if applied > 0 {
		if err := s.persistSnapshot(context.Background()); err != nil {
			s.log.Warn("persisting snapshot after remote payload failed", "error", err)
		}
	}
}

// loadPersisted restores the element map and tool state from the stores.
func (s *Session) loadPersisted(ctx context.Context) error {
	if s.persist != nil {
		snap, ok, err := s.persist.Load(ctx, s.noteID)
		if err != nil {
			return err
		}
		if ok {
			var elements []canvas.Element
			if err := json.Unmarshal(snap.Elements, &elements); err != nil {
				return err
			}
			var files map[string]canvas.File
			if len(snap.Files) > 0 {
				if err := json.Unmarshal(snap.Files, &files); err != nil {
					return err
				}
			}
			s.mu.Lock()
			s.elements = make(map[canvas.ElementID]canvas.Element, len(elements))
			for _, el := range elements {
				s.elements[el.ID] = el
			}
			if files != nil {
				s.files = files
			}
			s.mu.Unlock()
		}
	}

	if s.tools != nil {
		ts, ok, err := s.tools.LoadTool(ctx, s.userID)
		if err != nil {
			return err
		}
		if ok {
			tool := canvas.ToolState{
				SelectedTool: ts.SelectedTool,
				LastChangeAt: ts.ChangedAt,
			}
			if len(ts.ToolOptions) > 0 {
				if err := json.Unmarshal(ts.ToolOptions, &tool.ToolOptions); err != nil {
					return err
				}
			}
			s.mu.Lock()
			s.tool = tool
			s.mu.Unlock()
		}
	}
	return nil
}

// persistSnapshot writes the full authoritative state, tombstones
// included, to the snapshot store.
func (s *Session) persistSnapshot(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	s.mu.Lock()
	elements := make([]canvas.Element, 0, len(s.elements))
	for _, el := range s.elements {
		elements = append(elements, el)
	}
	files := make(map[string]canvas.File, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}
	s.mu.Unlock()

	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })

	elJSON, err := json.Marshal(elements)
	if err != nil {
		return err
	}
	fileJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}
	return s.persist.Save(ctx, s.noteID, store.Snapshot{Elements: elJSON, Files: fileJSON})
}
