package manager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/identity"
	"github.com/slatedraw/slate/internal/store"
	"github.com/slatedraw/slate/internal/testutil"
	"github.com/slatedraw/slate/internal/transport"
	"github.com/slatedraw/slate/internal/wire"
)

// settle is long enough for every debounce window in the pipeline.
const settle = 500 * time.Millisecond

type fixture struct {
	clk *testutil.ManualClock
	hub *transport.Hub
}

func newFixture() *fixture {
	return &fixture{clk: testutil.NewManualClock(), hub: transport.NewHub()}
}

func (f *fixture) session(t *testing.T, user string, opts ...Option) *Session {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(config.Default(), f.hub, f.clk, log, identity.NewStatic(user, user), "n1", opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

// edit runs fn over the current visible elements and feeds the result back
// through UpdateContent, the way a client submits a canvas change.
func edit(s *Session, fn func(elements []canvas.Element) []canvas.Element) {
	s.UpdateContent(fn(s.Snapshot().Elements), nil)
}

func TestSession_LocalAddReachesPeer(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	f.clk.Advance(settle)

	got := b.Snapshot().Elements
	require.Len(t, got, 1)
	assert.Equal(t, canvas.ElementID("e1"), got[0].ID)
	assert.Equal(t, a.Snapshot().Elements, got)
}

func TestSession_EditsConvergeBothWays(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	f.clk.Advance(settle)

	edit(b, func(els []canvas.Element) []canvas.Element {
		els[0] = testutil.MovedTo(els[0], 200, 300, f.clk.NowMillis())
		return els
	})
	f.clk.Advance(settle)

	for _, s := range []*Session{a, b} {
		els := s.Snapshot().Elements
		require.Len(t, els, 1)
		assert.Equal(t, 200.0, els[0].X)
		assert.Equal(t, int64(2), els[0].Version)
	}
}

func TestSession_RemotePayloadIsNotRebroadcast(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	// Raw tap on the topic, counting payload envelopes per sender.
	bySender := map[string]int{}
	_, err := f.hub.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnMessage: func(data []byte) {
			env, err := wire.DecodeEnvelope(data)
			if err == nil && env.Kind == "payload" {
				bySender[env.Sender]++
			}
		},
	})
	require.NoError(t, err)

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	f.clk.Advance(settle)
	f.clk.Advance(time.Minute)

	require.Len(t, b.Snapshot().Elements, 1, "the payload did arrive")
	assert.Equal(t, 1, bySender[a.Channel().ConnectionID()])
	assert.Zero(t, bySender[b.Channel().ConnectionID()], "applying a remote payload must never feed the queue")
}

func TestSession_DeleteTombstonesEverywhere(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	a.UpdateContent([]canvas.Element{
		testutil.Rect("keep", 1, f.clk.NowMillis()),
		testutil.Rect("drop", 1, f.clk.NowMillis()),
	}, nil)
	f.clk.Advance(settle)
	require.Len(t, b.Snapshot().Elements, 2)

	edit(a, func(els []canvas.Element) []canvas.Element {
		kept := els[:0]
		for _, el := range els {
			if el.ID != "drop" {
				kept = append(kept, el)
			}
		}
		return kept
	})
	f.clk.Advance(settle)

	for _, s := range []*Session{a, b} {
		els := s.Snapshot().Elements
		require.Len(t, els, 1)
		assert.Equal(t, canvas.ElementID("keep"), els[0].ID)
	}
}

func TestSession_VersionRegressionDropped(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 5, f.clk.NowMillis())}, nil)

	stale := testutil.Rect("e1", 3, f.clk.NowMillis())
	stale.X = 999
	a.UpdateContent([]canvas.Element{stale}, nil)

	els := a.Snapshot().Elements
	require.Len(t, els, 1)
	assert.Equal(t, int64(5), els[0].Version)
	assert.Equal(t, 10.0, els[0].X, "the regressed update never applied")
}

func TestSession_SimultaneousEditsConverge(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	f.clk.Advance(settle)

	// Both replicas bump e1 to version 2 before either flush lands.
	edit(a, func(els []canvas.Element) []canvas.Element {
		els[0] = testutil.MovedTo(els[0], 111, 0, f.clk.NowMillis())
		return els
	})
	edit(b, func(els []canvas.Element) []canvas.Element {
		els[0] = testutil.MovedTo(els[0], 222, 0, f.clk.NowMillis())
		return els
	})
	f.clk.Advance(settle)

	aX := a.Snapshot().Elements[0].X
	bX := b.Snapshot().Elements[0].X
	assert.Equal(t, aX, bX, "last-writer-wins must pick the same snapshot on both replicas")
	assert.Contains(t, []float64{111, 222}, aX)

	// Each replica saw one simultaneous edit. The payload path records it
	// too, and the redelivery over the event stream must not double it.
	assert.Len(t, a.Conflicts(), 1)
	assert.Len(t, b.Conflicts(), 1)
}

func TestSession_ToolStateIsLocalOnly(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	require.True(t, a.ChangeTool("rectangle", map[string]any{"strokeColor": "#e03131"}))
	f.clk.Advance(settle)

	assert.Equal(t, "rectangle", a.Snapshot().Tool.SelectedTool)
	assert.Equal(t, "selection", b.Snapshot().Tool.SelectedTool, "tool changes never cross the wire")
}

func TestSession_ToolChangeRateLimited(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")

	require.True(t, a.ChangeTool("rectangle", nil))
	assert.False(t, a.ChangeTool("ellipse", nil), "second change inside the window is dropped")
	assert.Equal(t, "rectangle", a.Snapshot().Tool.SelectedTool)

	f.clk.Advance(50 * time.Millisecond)
	assert.True(t, a.ChangeTool("ellipse", nil))
	assert.Equal(t, "ellipse", a.Snapshot().Tool.SelectedTool)
}

func TestSession_SnapshotOrdersByZIndexThenID(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")

	top := testutil.Rect("top", 1, f.clk.NowMillis())
	top.ZIndex = 5
	mid1 := testutil.Rect("aa", 1, f.clk.NowMillis())
	mid1.ZIndex = 2
	mid2 := testutil.Rect("bb", 1, f.clk.NowMillis())
	mid2.ZIndex = 2
	a.UpdateContent([]canvas.Element{top, mid2, mid1}, nil)

	els := a.Snapshot().Elements
	require.Len(t, els, 3)
	assert.Equal(t, canvas.ElementID("aa"), els[0].ID)
	assert.Equal(t, canvas.ElementID("bb"), els[1].ID)
	assert.Equal(t, canvas.ElementID("top"), els[2].ID)
}

func TestSession_PersistsAndRestores(t *testing.T) {
	f := newFixture()
	mem := store.NewMemory()

	a := f.session(t, "alice", WithPersistence(mem), WithToolStore(mem))
	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	require.True(t, a.ChangeTool("freedraw", nil))
	f.clk.Advance(settle)
	require.NoError(t, a.Stop(context.Background()))

	restored := f.session(t, "alice", WithPersistence(mem), WithToolStore(mem))
	els := restored.Snapshot().Elements
	require.Len(t, els, 1)
	assert.Equal(t, canvas.ElementID("e1"), els[0].ID)
	assert.Equal(t, "freedraw", restored.Snapshot().Tool.SelectedTool)
}

func TestSession_ForceSyncSkipsDebounce(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")
	b := f.session(t, "bob")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	assert.Empty(t, b.Snapshot().Elements)

	a.ForceSync()
	assert.Len(t, b.Snapshot().Elements, 1, "no clock advance needed")
}

func TestSession_FlushRecordsTelemetry(t *testing.T) {
	f := newFixture()
	a := f.session(t, "alice")

	a.UpdateContent([]canvas.Element{testutil.Rect("e1", 1, f.clk.NowMillis())}, nil)
	a.ForceSync()

	ops := a.Feedback().Operations()
	require.NotEmpty(t, ops)
	assert.Equal(t, "batch_sync", ops[0].Type)
	assert.Equal(t, 1.0, ops[0].Progress)
	assert.False(t, a.SyncFailed())
}

func TestClassify_PicksMostSpecificEventType(t *testing.T) {
	base := testutil.Rect("e", 1, 1000)

	move := base.Clone()
	move.X += 10
	assert.Equal(t, wire.EventMove, classify(base, move))

	resize := base.Clone()
	resize.Width += 10
	assert.Equal(t, wire.EventResize, classify(base, resize))

	style := base.Clone()
	style.StrokeColor = "#e03131"
	assert.Equal(t, wire.EventStyle, classify(base, style))

	z := base.Clone()
	z.ZIndex = 3
	assert.Equal(t, wire.EventZIndex, classify(base, z))

	mixed := base.Clone()
	mixed.X += 10
	mixed.StrokeColor = "#e03131"
	assert.Equal(t, wire.EventUpdate, classify(base, mixed))
}
