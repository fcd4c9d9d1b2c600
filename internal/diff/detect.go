// Package diff computes element-level change sets between two canvas
// snapshots. Detection is a pure function and runs on every local edit,
// potentially once per animation frame, so it must stay linear in the
// combined size of both inputs.
package diff

import (
	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/wire"
)

// ChangeSet is the ephemeral result of one detection pass: created on a
// local mutation, consumed immediately by the sync queue, then discarded.
//
// Removed carries ids only - the detector never synthesizes full removed
// elements.
type ChangeSet struct {
	Added   []canvas.Element
	Updated []canvas.Element
	Removed []canvas.ElementID
}

// Empty reports whether the change set contains no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Detect diffs the previous element map against the next element list.
//
// An element is added when its id is absent from previous, updated when
// present with a differing version (or differing structural hash when both
// versions are zero), and removed when present in previous but absent from
// next.
//
// Detect has no side effects and retains neither input. Single pass over
// next plus single pass over previous; membership is by map lookup, never
// nested scans.
func Detect(previous map[canvas.ElementID]canvas.Element, next []canvas.Element) ChangeSet {
	var cs ChangeSet

	seen := make(map[canvas.ElementID]struct{}, len(next))
	for _, el := range next {
		seen[el.ID] = struct{}{}
		prev, ok := previous[el.ID]
		if !ok {
			cs.Added = append(cs.Added, el)
			continue
		}
		if changed(prev, el) {
			cs.Updated = append(cs.Updated, el)
		}
	}

	for id := range previous {
		if _, ok := seen[id]; !ok {
			cs.Removed = append(cs.Removed, id)
		}
	}

	return cs
}

// changed reports whether next differs from prev. Version counters are the
// fast path; unversioned elements fall back to a structural hash so edits
// from clients that do not bump versions are still detected.
func changed(prev, next canvas.Element) bool {
	if prev.Version != 0 || next.Version != 0 {
		return prev.Version != next.Version
	}
	return wire.StructuralHash(prev) != wire.StructuralHash(next)
}
