package canvas

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ElementID identifies a drawable element. IDs are client-generated UUIDs
// and stable for the lifetime of the element, including its tombstone.
type ElementID string

// ElementType tags an element with its shape vocabulary entry.
type ElementType string

// Known element types. The sync engine treats elements as opaque beyond
// these tags; rasterization is the UI layer's problem.
const (
	TypeRectangle ElementType = "rectangle"
	TypeEllipse   ElementType = "ellipse"
	TypeDiamond   ElementType = "diamond"
	TypeText      ElementType = "text"
	TypeFreedraw  ElementType = "freedraw"
	TypeArrow     ElementType = "arrow"
	TypeLine      ElementType = "line"
)

// Element is a single drawable unit on the shared canvas.
//
// Ownership: the authoritative copy of every element lives in exactly one
// Session's element map. Every other component receives value copies and
// must never retain or mutate them as if authoritative.
//
// Versioning: Version is a monotonic per-element counter bumped by the
// editing client. VersionNonce breaks ties between equal versions produced
// by different clients. LastModified is wall-clock milliseconds and is the
// secondary conflict tie-break.
type Element struct {
	ID   ElementID   `json:"id"`
	Type ElementType `json:"type"`

	// Geometry.
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Angle  float64 `json:"angle"`

	// Style.
	StrokeColor     string  `json:"strokeColor"`
	BackgroundColor string  `json:"backgroundColor"`
	StrokeWidth     float64 `json:"strokeWidth"`
	StrokeStyle     string  `json:"strokeStyle"`
	Roughness       int     `json:"roughness"`
	Opacity         float64 `json:"opacity"`

	ZIndex int `json:"zIndex"`

	// IsDeleted is a tombstone. Deleted elements are excluded from the
	// rendered and synchronized sets but retained in the authoritative map
	// so late-arriving stale updates can be resolved against them.
	IsDeleted bool `json:"isDeleted"`

	Version      int64 `json:"version"`
	VersionNonce int64 `json:"versionNonce"`
	LastModified int64 `json:"lastModified"` // wall-clock ms

	Locked   bool     `json:"locked"`
	GroupIDs []string `json:"groupIds,omitempty"`
}

// NewElementID returns a fresh client-generated element ID.
func NewElementID() ElementID {
	return ElementID(uuid.NewString())
}

// NewVersionNonce returns a tie-breaker nonce combining the current time
// with random low bits. Nonces only need to be distinct with high
// probability, not unique.
func NewVersionNonce() int64 {
	return time.Now().UnixMilli()<<20 | rand.Int63n(1<<20)
}

// Clone returns a deep copy of the element. GroupIDs is the only field
// with reference semantics.
func (e Element) Clone() Element {
	if e.GroupIDs != nil {
		groups := make([]string, len(e.GroupIDs))
		copy(groups, e.GroupIDs)
		e.GroupIDs = groups
	}
	return e
}

// File is an opaque binary attachment referenced by elements (images and
// the like). The sync engine persists and forwards files untouched.
type File struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	DataURL  string `json:"dataURL"`
	Created  int64  `json:"created"`
}

// Snapshot is the single read model exposed to the UI layer: a consistent
// view of the visible elements, files, and tool state at one instant.
// Elements are value copies sorted by z-index; mutating them does not
// affect authoritative state.
type Snapshot struct {
	Elements []Element       `json:"elements"`
	Files    map[string]File `json:"files,omitempty"`
	Tool     ToolState       `json:"tool"`
}
