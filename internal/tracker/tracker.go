// Package tracker classifies raw element mutations into typed sync events
// and groups them into deduplicated batches.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/wire"
)

// trackableTypes limits tracking to the shape vocabulary the engine
// synchronizes. Anything else returns nil from Track.
var trackableTypes = map[canvas.ElementType]bool{
	canvas.TypeRectangle: true,
	canvas.TypeEllipse:   true,
	canvas.TypeDiamond:   true,
	canvas.TypeText:      true,
	canvas.TypeFreedraw:  true,
	canvas.TypeArrow:     true,
	canvas.TypeLine:      true,
}

// diffProperties is the fixed property set compared for update and style
// events, in report order.
var diffProperties = []string{
	"x", "y", "width", "height", "angle",
	"strokeColor", "backgroundColor", "strokeWidth", "strokeStyle",
	"roughness", "opacity", "zIndex", "locked",
}

// BatchFunc receives each deduplicated event batch.
type BatchFunc func(events []wire.SyncEvent)

// Tracker turns element mutations into typed events and flushes them in
// batches.
//
// Batching is a trailing debounce with a max-wait bound: under continuous
// activity a batch is still guaranteed to flush within twice the debounce
// interval. A bounded LRU set of (element id, version) keys suppresses
// redundant re-tracking within a short window.
//
// Thread-safety: all methods are safe for concurrent use. The batch
// callback runs without the tracker lock held.
type Tracker struct {
	mu  sync.Mutex
	cfg config.TrackerConfig
	clk clock.Clock
	log *slog.Logger

	userID string
	noteID string

	events    []wire.SyncEvent
	deb       *clock.Debouncer
	processed *lruSet
	batch     BatchFunc
}

// New creates a tracker delivering batches to fn.
func New(cfg config.TrackerConfig, clk clock.Clock, log *slog.Logger, userID, noteID string, fn BatchFunc) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		clk:       clk,
		log:       log.With("note_id", noteID),
		userID:    userID,
		noteID:    noteID,
		processed: newLRUSet(cfg.ProcessedCap),
		batch:     fn,
	}
	t.deb = clock.NewDebouncer(clk, cfg.Debounce(), cfg.MaxWait(), t.flush)
	return t
}

// Track classifies one mutation. Returns the created event, or nil when
// the element type is not trackable or the same (id, version) was already
// tracked recently.
func (t *Tracker) Track(eventType wire.EventType, el canvas.Element, prev *canvas.Element) *wire.SyncEvent {
	if !trackableTypes[el.Type] {
		return nil
	}

	t.mu.Lock()
	if !t.processed.Add(processedKey(el)) {
		t.mu.Unlock()
		return nil
	}

	ev := wire.SyncEvent{
		ID:        wire.NewEventID(),
		Type:      eventType,
		UserID:    t.userID,
		NoteID:    t.noteID,
		Timestamp: t.clk.Now().UnixMilli(),
		ElementID: el.ID,
		Box:       cloned(el),
		Metadata:  metadataFor(eventType, el, prev),
	}
	if prev != nil {
		ev.PreviousBox = cloned(*prev)
	}
	t.events = append(t.events, ev)
	t.mu.Unlock()

	t.deb.Trigger()
	return &ev
}

// Flush forces the pending batch out immediately.
func (t *Tracker) Flush() {
	t.deb.Stop()
	t.flush()
}

// Pending returns the number of unbatched events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if len(t.events) == 0 {
		t.mu.Unlock()
		return
	}
	events := t.events
	t.events = nil
	t.mu.Unlock()

	deduped := dedupe(events)
	if dropped := len(events) - len(deduped); dropped > 0 {
		t.log.Debug("event batch deduplicated", "dropped", dropped, "kept", len(deduped))
	}
	t.batch(deduped)
}

// dedupe drops events sharing (element id, type, timestamp), keeping the
// first occurrence and the batch's order.
func dedupe(events []wire.SyncEvent) []wire.SyncEvent {
	type key struct {
		id canvas.ElementID
		ty wire.EventType
		ts int64
	}
	seen := make(map[key]struct{}, len(events))
	out := events[:0:0]
	for _, ev := range events {
		k := key{id: ev.ElementID, ty: ev.Type, ts: ev.Timestamp}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// metadataFor computes per-type event metadata. Move and resize carry
// deltas against the previous snapshot; update and style carry the changed
// properties from the fixed comparison set.
func metadataFor(eventType wire.EventType, el canvas.Element, prev *canvas.Element) map[string]any {
	switch eventType {
	case wire.EventMove:
		if prev == nil {
			return nil
		}
		return map[string]any{"x": el.X - prev.X, "y": el.Y - prev.Y}
	case wire.EventResize:
		if prev == nil {
			return nil
		}
		return map[string]any{"width": el.Width - prev.Width, "height": el.Height - prev.Height}
	case wire.EventZIndex:
		m := map[string]any{"zIndex": el.ZIndex}
		if prev != nil {
			m["previousZIndex"] = prev.ZIndex
		}
		return m
	case wire.EventUpdate, wire.EventStyle:
		if prev == nil {
			return nil
		}
		changes := propertyChanges(*prev, el)
		if len(changes) == 0 {
			return nil
		}
		return map[string]any{"changes": changes}
	default:
		return nil
	}
}

// propertyChanges compares the fixed property set in report order.
func propertyChanges(prev, next canvas.Element) []wire.PropertyChange {
	var changes []wire.PropertyChange
	oldVals := propertyValues(prev)
	newVals := propertyValues(next)
	for _, prop := range diffProperties {
		if oldVals[prop] != newVals[prop] {
			changes = append(changes, wire.PropertyChange{
				Property: prop,
				OldValue: oldVals[prop],
				NewValue: newVals[prop],
			})
		}
	}
	return changes
}

func propertyValues(e canvas.Element) map[string]any {
	return map[string]any{
		"x":               e.X,
		"y":               e.Y,
		"width":           e.Width,
		"height":          e.Height,
		"angle":           e.Angle,
		"strokeColor":     e.StrokeColor,
		"backgroundColor": e.BackgroundColor,
		"strokeWidth":     e.StrokeWidth,
		"strokeStyle":     e.StrokeStyle,
		"roughness":       e.Roughness,
		"opacity":         e.Opacity,
		"zIndex":          e.ZIndex,
		"locked":          e.Locked,
	}
}

func processedKey(el canvas.Element) string {
	return fmt.Sprintf("%s@%d", el.ID, el.Version)
}

func cloned(el canvas.Element) *canvas.Element {
	c := el.Clone()
	return &c
}
