package harness

import (
	"fmt"
	"sort"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/wire"
)

// evaluateAssertions checks every assertion against the final state and
// records failures on the result.
func evaluateAssertions(r *Result, sc *Scenario) {
	for i, a := range sc.Assertions {
		if msg := evaluateOne(r, sc, a); msg != "" {
			r.addError(fmt.Sprintf("assertions[%d] (%s): %s", i, a.Type, msg))
		}
	}
}

func evaluateOne(r *Result, sc *Scenario, a Assertion) string {
	switch a.Type {
	case AssertConvergence:
		return assertConvergence(r, sc.Clients)
	case AssertElementState:
		return assertElementState(r, a)
	case AssertDeleted:
		return assertDeleted(r, a)
	case AssertConflictCount:
		if got := len(r.Session(a.Client).Conflicts()); got != a.Count {
			return fmt.Sprintf("client %q recorded %d conflicts, want %d", a.Client, got, a.Count)
		}
	case AssertVisibleCount:
		if got := len(r.Session(a.Client).Snapshot().Elements); got != a.Count {
			return fmt.Sprintf("client %q shows %d elements, want %d", a.Client, got, a.Count)
		}
	case AssertPresence:
		return assertPresence(r, a)
	case AssertConnection:
		if got := r.Session(a.Client).Channel().State().String(); got != a.State {
			return fmt.Sprintf("client %q connection state is %q, want %q", a.Client, got, a.State)
		}
	case AssertSyncFailed:
		if !r.Session(a.Client).SyncFailed() {
			return fmt.Sprintf("client %q queue did not surface a sync failure", a.Client)
		}
	case AssertTool:
		tool := r.Session(a.Client).Snapshot().Tool
		if want, ok := a.Expect["selectedTool"]; ok {
			if got := tool.SelectedTool; got != want {
				return fmt.Sprintf("client %q tool is %q, want %v", a.Client, got, want)
			}
		}
	}
	return ""
}

// assertConvergence compares every client's visible element set by
// structural hash against the first client's.
func assertConvergence(r *Result, clients []string) string {
	if len(clients) < 2 {
		return ""
	}
	base := hashSet(r, clients[0])
	for _, name := range clients[1:] {
		other := hashSet(r, name)
		if len(other) != len(base) {
			return fmt.Sprintf("client %q holds %d elements, %q holds %d",
				name, len(other), clients[0], len(base))
		}
		for id, h := range base {
			oh, ok := other[id]
			if !ok {
				return fmt.Sprintf("client %q is missing element %q", name, id)
			}
			if oh != h {
				return fmt.Sprintf("element %q diverged between %q and %q", id, clients[0], name)
			}
		}
	}
	return ""
}

func hashSet(r *Result, client string) map[canvas.ElementID]string {
	snap := r.Session(client).Snapshot()
	out := make(map[canvas.ElementID]string, len(snap.Elements))
	for _, el := range snap.Elements {
		out[el.ID] = wire.StructuralHash(el)
	}
	return out
}

// assertElementState subset-matches the expected fields against the
// element's canonical projection. Values compare through canonical JSON so
// YAML integers match float geometry.
func assertElementState(r *Result, a Assertion) string {
	el, ok := findElement(r, a.Client, a.Element)
	if !ok {
		return fmt.Sprintf("client %q does not show element %q", a.Client, a.Element)
	}
	actual := elementMap(el)
	for field, want := range a.Expect {
		got, ok := actual[field]
		if !ok {
			return fmt.Sprintf("element %q has no asserted field %q", a.Element, field)
		}
		if !canonicalEqual(got, want) {
			return fmt.Sprintf("element %q field %q is %v, want %v", a.Element, field, got, want)
		}
	}
	return ""
}

func assertDeleted(r *Result, a Assertion) string {
	if _, ok := findElement(r, a.Client, a.Element); ok {
		return fmt.Sprintf("element %q is still visible on client %q", a.Element, a.Client)
	}
	return ""
}

func assertPresence(r *Result, a Assertion) string {
	got := r.Session(a.Client).Channel().Peers()
	sort.Strings(got)
	want := append([]string(nil), a.Peers...)
	sort.Strings(want)
	if len(got) != len(want) {
		return fmt.Sprintf("client %q sees peers %v, want %v", a.Client, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Sprintf("client %q sees peers %v, want %v", a.Client, got, want)
		}
	}
	return ""
}

func findElement(r *Result, client, id string) (canvas.Element, bool) {
	for _, el := range r.Session(client).Snapshot().Elements {
		if string(el.ID) == id {
			return el, true
		}
	}
	return canvas.Element{}, false
}

// canonicalEqual compares two values by their canonical JSON bytes, which
// collapses the int/float distinction YAML decoding introduces.
func canonicalEqual(a, b any) bool {
	ab, errA := wire.MarshalCanonical(a)
	bb, errB := wire.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
