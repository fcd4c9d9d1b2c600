package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/testutil"
	"github.com/slatedraw/slate/internal/transport"
	"github.com/slatedraw/slate/internal/wire"
)

func testConfig() config.ChannelConfig {
	return config.ChannelConfig{
		HeartbeatIntervalMS:  30_000,
		ReconnectIntervalMS:  1_000,
		MaxReconnectAttempts: 5,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyTransport fails a configured number of subscribe attempts before
// delegating to the hub.
type flakyTransport struct {
	hub           *transport.Hub
	subscribeFail int
}

func (f *flakyTransport) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	if f.subscribeFail > 0 {
		f.subscribeFail--
		return nil, errors.New("injected subscribe failure")
	}
	return f.hub.Subscribe(ctx, topic, h)
}

func (f *flakyTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return f.hub.Publish(ctx, topic, payload)
}

func TestChannel_ConnectTransitions(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	events := c.Watch()

	assert.Equal(t, StateDisconnected, c.State())
	c.Connect(context.Background())

	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, StateConnecting, (<-events).State)
	assert.Equal(t, StateConnected, (<-events).State)
	assert.Len(t, hub.Peers("note.n1"), 1)
}

func TestChannel_ConnectWhileConnectedIsNoop(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")

	c.Connect(context.Background())
	id := c.ConnectionID()
	c.Connect(context.Background())
	assert.Equal(t, id, c.ConnectionID())
	assert.Len(t, hub.Peers("note.n1"), 1)
}

func TestChannel_DisconnectLeavesTopic(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")

	c.Connect(context.Background())
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, hub.Peers("note.n1"))

	// No heartbeat activity after teardown.
	clk.Advance(5 * time.Minute)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestChannel_PeersSeeEachOther(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	a := New(testConfig(), hub, clk, discard(), "alice", "n1")
	b := New(testConfig(), hub, clk, discard(), "bob", "n1")

	a.Connect(context.Background())
	b.Connect(context.Background())

	assert.Equal(t, []string{"bob"}, a.Peers())
	assert.Equal(t, []string{"alice"}, b.Peers())

	b.Disconnect()
	assert.Empty(t, a.Peers())
}

func TestChannel_SecondTabKeepsUserPresent(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	tab1 := New(testConfig(), hub, clk, discard(), "alice", "n1")
	tab2 := New(testConfig(), hub, clk, discard(), "alice", "n1")
	b := New(testConfig(), hub, clk, discard(), "bob", "n1")

	tab1.Connect(context.Background())
	tab2.Connect(context.Background())
	b.Connect(context.Background())

	assert.Equal(t, []string{"alice"}, b.Peers(), "two connections, one user")
	assert.Empty(t, tab1.Peers(), "own user never appears as a peer")

	tab1.Disconnect()
	assert.Equal(t, []string{"alice"}, b.Peers(), "the other tab is still live")

	tab2.Disconnect()
	assert.Empty(t, b.Peers())
}

func TestChannel_BroadcastFiltersOwnPayload(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()

	var fromA, fromB []wire.SyncPayload
	a := New(testConfig(), hub, clk, discard(), "alice", "n1",
		WithPayloadHandler(func(p wire.SyncPayload) { fromB = append(fromB, p) }))
	b := New(testConfig(), hub, clk, discard(), "bob", "n1",
		WithPayloadHandler(func(p wire.SyncPayload) { fromA = append(fromA, p) }))
	a.Connect(context.Background())
	b.Connect(context.Background())

	sent := wire.SyncPayload{NoteID: "n1", UserID: "alice", Timestamp: clk.NowMillis()}
	require.NoError(t, a.Broadcast(sent))

	require.Len(t, fromA, 1, "the other side receives the payload")
	assert.Equal(t, "alice", fromA[0].UserID)
	assert.Empty(t, fromB, "own payloads are filtered out")
}

func TestChannel_SendEventsReachesPeer(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()

	var received [][]wire.SyncEvent
	a := New(testConfig(), hub, clk, discard(), "alice", "n1")
	b := New(testConfig(), hub, clk, discard(), "bob", "n1",
		WithEventHandler(func(evs []wire.SyncEvent) { received = append(received, evs) }))
	a.Connect(context.Background())
	b.Connect(context.Background())

	el := testutil.Rect("e1", 1, clk.NowMillis())
	box := el.Clone()
	require.NoError(t, a.SendEvents([]wire.SyncEvent{{
		ID:        wire.NewEventID(),
		Type:      wire.EventCreate,
		UserID:    "alice",
		NoteID:    "n1",
		Timestamp: clk.NowMillis(),
		ElementID: el.ID,
		Box:       &box,
	}}))

	require.Len(t, received, 1)
	require.Len(t, received[0], 1)
	assert.Equal(t, wire.EventCreate, received[0][0].Type)
}

func TestChannel_HeartbeatKeepsConnectionAlive(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	c.Connect(context.Background())

	// Several heartbeat intervals pass without trouble.
	clk.Advance(3 * 30 * time.Second)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestChannel_SilentConnectionTimesOut(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	events := c.Watch()
	c.Connect(context.Background())
	drain(events)

	// Rewind the liveness marker so the next tick sees a long-silent
	// connection.
	c.mu.Lock()
	c.lastHeartbeatAt = c.clk.Now().Add(-60 * time.Second)
	c.mu.Unlock()

	clk.Advance(30 * time.Second)
	assert.Equal(t, StateError, c.State())
	ev := <-events
	assert.Equal(t, StateError, ev.State)
	require.Error(t, ev.Err)
}

func TestChannel_HeartbeatPublishFailureTriggersReconnect(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	c.Connect(context.Background())
	first := c.ConnectionID()

	hub.FailPublishes(1)
	clk.Advance(30 * time.Second)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 1, c.ReconnectAttempts())

	// First reconnect waits interval * 2^1.
	clk.Advance(2 * time.Second)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.NotEqual(t, first, c.ConnectionID(), "reconnection issues a fresh connection id")
}

func TestChannel_ReconnectBackoffDoubles(t *testing.T) {
	clk := testutil.NewManualClock()
	tr := &flakyTransport{hub: transport.NewHub(), subscribeFail: 2}
	c := New(testConfig(), tr, clk, discard(), "alice", "n1")

	// Attempt 1 fails immediately; retries come at +2s and then +4s.
	c.Connect(context.Background())
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 1, c.ReconnectAttempts())

	clk.Advance(2*time.Second - time.Millisecond)
	assert.Equal(t, 1, c.ReconnectAttempts(), "retry waits the full doubled delay")
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, c.ReconnectAttempts())
	assert.Equal(t, StateError, c.State())

	clk.Advance(4 * time.Second)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestChannel_FailsAfterAttemptBudget(t *testing.T) {
	clk := testutil.NewManualClock()
	tr := &flakyTransport{hub: transport.NewHub(), subscribeFail: 1000}
	c := New(testConfig(), tr, clk, discard(), "alice", "n1")
	events := c.Watch()

	c.Connect(context.Background())
	clk.Advance(5 * time.Minute)

	assert.Equal(t, StateFailed, c.State())
	seen := drain(events)
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, StateFailed, last.State)
	require.Error(t, last.Err)

	// Failed is terminal: time alone never revives the channel.
	clk.Advance(time.Hour)
	assert.Equal(t, StateFailed, c.State())

	// An explicit Connect resets the budget and goes live.
	tr.subscribeFail = 0
	c.Connect(context.Background())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestChannel_TopicErrorTriggersReconnect(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	c.Connect(context.Background())

	hub.BreakTopic("note.n1")
	assert.Equal(t, StateError, c.State())

	clk.Advance(2 * time.Second)
	assert.Equal(t, StateConnected, c.State())
}

func TestChannel_LatencySmoothing(t *testing.T) {
	clk := testutil.NewManualClock()
	c := New(testConfig(), transport.NewHub(), clk, discard(), "alice", "n1")

	assert.Zero(t, c.Latency())

	c.recordLatency(100)
	assert.InDelta(t, 100, c.Latency(), 0.001, "first sample taken as-is")

	c.recordLatency(200)
	assert.InDelta(t, 130, c.Latency(), 0.001, "0.7*old + 0.3*sample")

	c.recordLatency(-5)
	assert.InDelta(t, 130, c.Latency(), 0.001, "negative samples dropped")
}

func TestChannel_MalformedEnvelopeIgnored(t *testing.T) {
	clk := testutil.NewManualClock()
	hub := transport.NewHub()
	c := New(testConfig(), hub, clk, discard(), "alice", "n1")
	c.Connect(context.Background())

	require.NoError(t, hub.Publish(context.Background(), "note.n1", []byte("not json")))
	assert.Equal(t, StateConnected, c.State())
}

func TestState_String(t *testing.T) {
	names := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
		StateFailed:       "failed",
	}
	var got []string
	for s, want := range names {
		assert.Equal(t, want, s.String())
		got = append(got, s.String())
	}
	sort.Strings(got)
	assert.Len(t, got, 5)
}

// drain empties a watch channel of buffered events.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
