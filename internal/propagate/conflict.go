package propagate

import (
	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/wire"
)

// Outcome classifies what conflict resolution decided for one incoming
// element. None of these are errors: stale rejections and simultaneous
// edits are normal operation under last-writer-wins.
type Outcome int

const (
	// OutcomeApplied means the incoming snapshot wins outright (higher
	// version, or an element we have never seen).
	OutcomeApplied Outcome = iota + 1

	// OutcomeAppliedConflict means a simultaneous edit (equal versions,
	// different authors) resolved in favor of the incoming snapshot.
	OutcomeAppliedConflict

	// OutcomeRejectedStale means the incoming version is older than the
	// local one. Dropped silently.
	OutcomeRejectedStale

	// OutcomeRejectedConflict means a simultaneous edit resolved in favor
	// of the local snapshot.
	OutcomeRejectedConflict

	// OutcomeDuplicate means the same author re-delivered a version we
	// already hold, typically an at-least-once transport echo.
	OutcomeDuplicate
)

// Applied reports whether the incoming snapshot should replace the local
// one.
func (o Outcome) Applied() bool {
	return o == OutcomeApplied || o == OutcomeAppliedConflict
}

// Conflict reports whether the outcome records a simultaneous edit.
func (o Outcome) Conflict() bool {
	return o == OutcomeAppliedConflict || o == OutcomeRejectedConflict
}

// ConflictEntry records one resolved simultaneous edit for diagnostics.
// Entries are observability only; no merge history is kept.
type ConflictEntry struct {
	ElementID     canvas.ElementID
	LocalVersion  int64
	RemoteVersion int64
	RemoteAuthor  string
	AppliedRemote bool
	At            int64 // wall-clock ms
}

// Resolve decides between the local element and an incoming snapshot.
//
// Policy: last-writer-wins on the whole element snapshot, ordered by
// (version, lastModified, author id). There is no field-level merge - when
// versions collide the entire incoming or local snapshot survives. The
// total order makes the decision deterministic on every replica
// regardless of arrival order.
func Resolve(local *canvas.Element, incoming canvas.Element, remoteAuthor, localUserID string) Outcome {
	if local == nil {
		return OutcomeApplied
	}
	switch {
	case incoming.Version > local.Version:
		return OutcomeApplied
	case incoming.Version < local.Version:
		return OutcomeRejectedStale
	}

	// Equal versions. Same author means an at-least-once redelivery of
	// state we already hold; structurally identical content from anyone is
	// the same snapshot arriving on a second path (batch payload and event
	// stream both carry each change).
	if remoteAuthor == localUserID {
		return OutcomeDuplicate
	}
	if wire.StructuralHash(incoming) == wire.StructuralHash(*local) {
		return OutcomeDuplicate
	}

	// Simultaneous edit: break the tie on timestamp, then author id.
	switch {
	case incoming.LastModified > local.LastModified:
		return OutcomeAppliedConflict
	case incoming.LastModified < local.LastModified:
		return OutcomeRejectedConflict
	case remoteAuthor > localUserID:
		return OutcomeAppliedConflict
	default:
		return OutcomeRejectedConflict
	}
}
