// Package wire defines the units that cross the sync transport: typed
// events, batched payloads, their JSON codec, and validation of incoming
// data. Everything here is immutable once created - events and payloads
// are built, sent or applied, then discarded.
package wire

import (
	"github.com/google/uuid"

	"github.com/slatedraw/slate/internal/canvas"
)

// EventType classifies an element mutation.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventMove   EventType = "move"
	EventResize EventType = "resize"
	EventStyle  EventType = "style"
	EventDelete EventType = "delete"
	EventZIndex EventType = "z-index"

	// EventInitialState seeds a newly-joined client: the payload carries
	// the full element set and is applied as a whole-set replace rather
	// than a per-element merge.
	EventInitialState EventType = "box_initial_state"
)

// KnownEventTypes enumerates every type a well-formed event may carry.
var KnownEventTypes = []EventType{
	EventCreate, EventUpdate, EventMove, EventResize,
	EventStyle, EventDelete, EventZIndex, EventInitialState,
}

// SyncEvent is the wire-level unit of change for a single element.
//
// Ownership: created by the event tracker, owned by the propagator until
// sent or dropped, then discarded. Never mutated after creation.
type SyncEvent struct {
	ID          string           `json:"id"`
	Type        EventType        `json:"type"`
	UserID      string           `json:"userId"`
	NoteID      string           `json:"noteId"`
	Timestamp   int64            `json:"timestamp"` // wall-clock ms
	ElementID   canvas.ElementID `json:"elementId"`
	Box         *canvas.Element  `json:"box,omitempty"`
	PreviousBox *canvas.Element  `json:"previousBox,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NewEventID returns a fresh event id.
func NewEventID() string { return uuid.NewString() }

// PropertyChange records one changed property for update/style events.
type PropertyChange struct {
	Property string `json:"property"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// SyncPayload is one flushed batch of local changes: the latest version of
// every changed element plus the ids of removed ones.
type SyncPayload struct {
	Changed   []canvas.Element   `json:"changed"`
	Removed   []canvas.ElementID `json:"removed"`
	Timestamp int64              `json:"timestamp"` // wall-clock ms
	UserID    string             `json:"userId"`
	NoteID    string             `json:"noteId"`
}

// Envelope wraps every message published on a note topic so receivers can
// route without fully decoding the body.
type Envelope struct {
	Kind   string `json:"kind"` // "payload" | "events" | "heartbeat"
	Sender string `json:"sender"`
	Body   []byte `json:"body,omitempty"`
	SentAt int64  `json:"sentAt"` // wall-clock ms, heartbeat RTT base
}
