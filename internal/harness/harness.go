// Package harness executes multi-client conformance scenarios against the
// full sync pipeline: real sessions, real queues and trackers, a shared
// in-memory transport hub, and a manual clock so every debounce window and
// retry fires deterministically.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/identity"
	"github.com/slatedraw/slate/internal/manager"
	"github.com/slatedraw/slate/internal/store"
	"github.com/slatedraw/slate/internal/testutil"
	"github.com/slatedraw/slate/internal/transport"
)

// settleAdvance drains outstanding debounce windows, propagation slices,
// and retry backoffs after the last step. It stays well under the
// heartbeat interval so settling never triggers health checks.
const settleAdvance = 2 * time.Second

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors lists the failed assertions. Empty when Pass is true.
	Errors []string

	// Transcript records each executed step plus the final per-client
	// state, in canonical form for golden comparison.
	Transcript []map[string]any

	sessions map[string]*manager.Session
	clock    *testutil.ManualClock
	hub      *transport.Hub
	topic    string
}

// Session returns the named client's session for follow-up inspection.
func (r *Result) Session(name string) *manager.Session { return r.sessions[name] }

// addError records a failed assertion and fails the result.
func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// Run executes a scenario. Every run starts from a fresh hub, fresh
// in-memory stores, and the manual clock's fixed epoch, so two runs of the
// same scenario produce identical transcripts.
func Run(sc *Scenario) (*Result, error) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	r := &Result{
		Pass:     true,
		sessions: make(map[string]*manager.Session, len(sc.Clients)),
		clock:    clk,
		hub:      hub,
		topic:    "note." + sc.Name,
	}

	for _, name := range sc.Clients {
		mem := store.NewMemory()
		sess := manager.New(config.Default(), hub, clk, log,
			identity.NewStatic(name, name), sc.Name,
			manager.WithPersistence(mem),
			manager.WithToolStore(mem),
		)
		if err := sess.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting client %q: %w", name, err)
		}
		r.sessions[name] = sess
	}

	for i, step := range sc.Steps {
		if err := r.execute(ctx, i, step); err != nil {
			return nil, err
		}
	}

	clk.Advance(settleAdvance)
	r.appendFinalState(sc.Clients)

	evaluateAssertions(r, sc)
	return r, nil
}

// execute runs one step and appends its transcript entry.
func (r *Result) execute(ctx context.Context, i int, step Step) error {
	entry := map[string]any{"step": i}
	if step.Client != "" {
		entry["client"] = step.Client
	}
	sess := r.sessions[step.Client]

	switch {
	case step.Add != nil:
		entry["op"] = "add"
		entry["element"] = step.Add.ID
		r.mutate(sess, func(els []canvas.Element) []canvas.Element {
			return append(els, buildElement(*step.Add, r.clock.NowMillis()))
		})

	case step.Update != nil:
		entry["op"] = "update"
		entry["element"] = step.Update.ID
		r.mutate(sess, func(els []canvas.Element) []canvas.Element {
			for j := range els {
				if string(els[j].ID) == step.Update.ID {
					applySpec(&els[j], *step.Update, r.clock.NowMillis())
					break
				}
			}
			return els
		})

	case step.Delete != "":
		entry["op"] = "delete"
		entry["element"] = step.Delete
		r.mutate(sess, func(els []canvas.Element) []canvas.Element {
			out := els[:0]
			for _, el := range els {
				if string(el.ID) != step.Delete {
					out = append(out, el)
				}
			}
			return out
		})

	case step.Tool != "":
		entry["op"] = "tool"
		entry["tool"] = step.Tool
		entry["applied"] = sess.ChangeTool(step.Tool, nil)

	case step.ForceSync:
		entry["op"] = "force_sync"
		sess.ForceSync()

	case step.Disconnect:
		entry["op"] = "disconnect"
		sess.Channel().Disconnect()

	case step.Connect:
		entry["op"] = "connect"
		sess.Channel().Connect(ctx)

	case step.AdvanceMS != 0:
		entry["op"] = "advance"
		entry["ms"] = step.AdvanceMS
		r.clock.Advance(time.Duration(step.AdvanceMS) * time.Millisecond)

	case step.FailPublishes != 0:
		entry["op"] = "fail_publishes"
		entry["n"] = step.FailPublishes
		r.hub.FailPublishes(step.FailPublishes)

	case step.BreakConnection:
		entry["op"] = "break_connection"
		r.hub.BreakTopic(r.topic)

	default:
		return fmt.Errorf("steps[%d]: no action specified", i)
	}

	r.Transcript = append(r.Transcript, entry)
	return nil
}

// mutate rewrites the session's visible element list through fn and feeds
// it back through the local-edit entry point.
func (r *Result) mutate(sess *manager.Session, fn func([]canvas.Element) []canvas.Element) {
	next := fn(sess.Snapshot().Elements)
	sess.UpdateContent(next, nil)
}

// appendFinalState records every client's converged view: visible
// elements, conflict count, peers, connection state, and tool.
func (r *Result) appendFinalState(clients []string) {
	for _, name := range clients {
		sess := r.sessions[name]
		snap := sess.Snapshot()

		els := make([]any, 0, len(snap.Elements))
		for _, el := range snap.Elements {
			els = append(els, elementMap(el))
		}
		peers := sess.Channel().Peers()
		sort.Strings(peers)

		r.Transcript = append(r.Transcript, map[string]any{
			"final":     name,
			"elements":  els,
			"conflicts": len(sess.Conflicts()),
			"peers":     peers,
			"state":     sess.Channel().State().String(),
			"tool":      snap.Tool.SelectedTool,
		})
	}
}

// buildElement fills in defaults for a freshly added element.
func buildElement(spec ElementSpec, nowMillis int64) canvas.Element {
	el := canvas.Element{
		ID:           canvas.ElementID(spec.ID),
		Type:         canvas.TypeRectangle,
		Width:        100,
		Height:       80,
		StrokeColor:  "#1e1e1e",
		Opacity:      100,
		Version:      1,
		VersionNonce: canvas.NewVersionNonce(),
		LastModified: nowMillis,
	}
	if spec.Type != "" {
		el.Type = canvas.ElementType(spec.Type)
	}
	if spec.Version != 0 {
		el.Version = spec.Version
	}
	applyGeometry(&el, spec)
	return el
}

// applySpec mutates an existing element with the spec's fields and bumps
// the version unless the spec pins one.
func applySpec(el *canvas.Element, spec ElementSpec, nowMillis int64) {
	applyGeometry(el, spec)
	if spec.Version != 0 {
		el.Version = spec.Version
	} else {
		el.Version++
	}
	el.VersionNonce = canvas.NewVersionNonce()
	el.LastModified = nowMillis
}

func applyGeometry(el *canvas.Element, spec ElementSpec) {
	if spec.X != nil {
		el.X = *spec.X
	}
	if spec.Y != nil {
		el.Y = *spec.Y
	}
	if spec.Width != nil {
		el.Width = *spec.Width
	}
	if spec.Height != nil {
		el.Height = *spec.Height
	}
	if spec.StrokeColor != "" {
		el.StrokeColor = spec.StrokeColor
	}
	if spec.BackgroundColor != "" {
		el.BackgroundColor = spec.BackgroundColor
	}
	if spec.ZIndex != nil {
		el.ZIndex = *spec.ZIndex
	}
}

// elementMap projects an element into the canonical form used by the
// transcript and by element_state assertions. Volatile fields
// (versionNonce, lastModified) are excluded so transcripts stay stable.
func elementMap(el canvas.Element) map[string]any {
	m := map[string]any{
		"id":              string(el.ID),
		"type":            string(el.Type),
		"x":               el.X,
		"y":               el.Y,
		"width":           el.Width,
		"height":          el.Height,
		"strokeColor":     el.StrokeColor,
		"backgroundColor": el.BackgroundColor,
		"zIndex":          el.ZIndex,
		"version":         el.Version,
		"locked":          el.Locked,
	}
	return m
}
