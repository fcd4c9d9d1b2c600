package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatedraw/slate/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relay is a minimal in-process stand-in for the relay server: it reflects
// publishes back as message frames and answers a presence announce with a
// join notification.
type relay struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []frame
}

func startRelay(t *testing.T) (*relay, *httptest.Server, string) {
	t.Helper()
	r := &relay{}
	srv := httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(srv.Close)
	return r, srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (r *relay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		r.mu.Lock()
		r.frames = append(r.frames, f)
		r.mu.Unlock()
		switch f.Op {
		case "publish":
			r.send(conn, frame{Op: "message", Topic: f.Topic, Payload: f.Payload})
		case "presence":
			if f.Peer != nil {
				r.send(conn, frame{Op: "presence_join", Topic: f.Topic, Peer: f.Peer, Peers: []transport.PeerInfo{*f.Peer}})
			}
		}
	}
}

func (r *relay) send(conn *websocket.Conn, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func (r *relay) sawOp(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Op == op {
			return true
		}
	}
	return false
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		panic("unreachable")
	}
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_PublishRoundTrip(t *testing.T) {
	_, _, url := startRelay(t)
	c := dialTest(t, url)

	msgs := make(chan []byte, 8)
	status := make(chan transport.Status, 8)
	_, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnMessage: func(p []byte) { msgs <- p },
		OnStatus:  func(s transport.Status) { status <- s },
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusConnected, recv(t, status))

	require.NoError(t, c.Publish(context.Background(), "note.n1", []byte(`{"kind":"payload"}`)))
	assert.Equal(t, []byte(`{"kind":"payload"}`), recv(t, msgs))
}

func TestClient_FramesForOtherTopicsDropped(t *testing.T) {
	_, _, url := startRelay(t)
	c := dialTest(t, url)

	msgs := make(chan []byte, 8)
	_, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnMessage: func(p []byte) { msgs <- p },
	})
	require.NoError(t, err)

	// The relay reflects both, in order; only the subscribed topic lands.
	require.NoError(t, c.Publish(context.Background(), "note.other", []byte("elsewhere")))
	require.NoError(t, c.Publish(context.Background(), "note.n1", []byte("here")))

	assert.Equal(t, []byte("here"), recv(t, msgs))
	assert.Empty(t, msgs)
}

func TestClient_DuplicateSubscribeFails(t *testing.T) {
	_, _, url := startRelay(t)
	c := dialTest(t, url)

	_, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{})
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background(), "note.n1", transport.Handler{})
	assert.Error(t, err)
}

func TestClient_PresenceJoinRoundTrip(t *testing.T) {
	_, _, url := startRelay(t)
	c := dialTest(t, url)

	events := make(chan transport.PresenceEvent, 8)
	sub, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnPresence: func(ev transport.PresenceEvent) { events <- ev },
	})
	require.NoError(t, err)

	peer := transport.PeerInfo{UserID: "alice", ConnectionID: "c1", JoinedAt: 1000}
	require.NoError(t, sub.TrackPresence(context.Background(), peer))

	ev := recv(t, events)
	assert.Equal(t, transport.PresenceJoin, ev.Kind)
	assert.Equal(t, peer, ev.Peer)
	require.Len(t, ev.Peers, 1)
	assert.Equal(t, peer, ev.Peers[0])
}

func TestClient_UnsubscribeSendsFrame(t *testing.T) {
	r, _, url := startRelay(t)
	c := dialTest(t, url)

	sub, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	assert.Eventually(t, func() bool { return r.sawOp("unsubscribe") },
		2*time.Second, 10*time.Millisecond)
}

func TestClient_CloseNotifiesHandlers(t *testing.T) {
	_, _, url := startRelay(t)
	c := dialTest(t, url)

	status := make(chan transport.Status, 8)
	_, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnStatus: func(s transport.Status) { status <- s },
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusConnected, recv(t, status))

	require.NoError(t, c.Close())
	assert.Equal(t, transport.StatusClosed, recv(t, status))
	assert.NoError(t, c.Close(), "closing twice is a no-op")

	err = c.Publish(context.Background(), "note.n1", []byte("late"))
	assert.Error(t, err)
}

func TestClient_ServerDropDeliversStatusError(t *testing.T) {
	_, srv, url := startRelay(t)
	c := dialTest(t, url)

	status := make(chan transport.Status, 8)
	_, err := c.Subscribe(context.Background(), "note.n1", transport.Handler{
		OnStatus: func(s transport.Status) { status <- s },
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusConnected, recv(t, status))

	srv.CloseClientConnections()
	assert.Equal(t, transport.StatusError, recv(t, status))
}
