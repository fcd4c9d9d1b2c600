// Package ws adapts a websocket relay to the transport interface. The
// relay protocol is a thin frame envelope: subscribe/unsubscribe/publish
// upstream, message and presence notifications downstream.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/slatedraw/slate/internal/transport"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// frame is the relay wire format.
type frame struct {
	Op      string               `json:"op"` // subscribe|unsubscribe|publish|presence|message|presence_join|presence_leave|presence_sync
	Topic   string               `json:"topic"`
	Payload []byte               `json:"payload,omitempty"`
	Peer    *transport.PeerInfo  `json:"peer,omitempty"`
	Peers   []transport.PeerInfo `json:"peers,omitempty"`
}

// Client is a websocket-backed Transport multiplexing topics over one
// connection.
//
// A read pump routes inbound frames to topic handlers; a write pump owns
// the connection for writes so Publish is safe from any goroutine. A read
// or write failure pushes StatusError to every handler and stops both
// pumps - reconnection policy belongs to the sync channel, not here.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *slog.Logger
	subs   map[string]*subscription
	send   chan frame
	closed bool
	done   chan struct{}
}

type subscription struct {
	client *Client
	topic  string
	h      transport.Handler
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	c := &Client{
		conn: conn,
		log:  log,
		subs: make(map[string]*subscription),
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Subscribe implements transport.Transport. One subscription per topic per
// client.
func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws subscribe %q: client closed", topic)
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws subscribe %q: already subscribed", topic)
	}
	s := &subscription{client: c, topic: topic, h: h}
	c.subs[topic] = s
	c.mu.Unlock()

	if err := c.enqueue(ctx, frame{Op: "subscribe", Topic: topic}); err != nil {
		c.dropSub(topic)
		return nil, err
	}
	if h.OnStatus != nil {
		h.OnStatus(transport.StatusConnected)
	}
	return s, nil
}

// Publish implements transport.Transport.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.enqueue(ctx, frame{Op: "publish", Topic: topic, Payload: payload})
}

// Close tears down the connection and notifies every handler with
// StatusClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	subs := c.snapshotLocked()
	c.mu.Unlock()

	err := c.conn.Close()
	for _, s := range subs {
		if s.h.OnStatus != nil {
			s.h.OnStatus(transport.StatusClosed)
		}
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, f frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("ws publish: client closed")
	case c.send <- f:
		return nil
	}
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail("read", err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("ws: dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				c.log.Warn("ws: dropping unencodable frame", "op", f.Op, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail("write", err)
				return
			}
		}
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	s, ok := c.subs[f.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch f.Op {
	case "message":
		if s.h.OnMessage != nil {
			s.h.OnMessage(f.Payload)
		}
	case "presence_join", "presence_leave", "presence_sync":
		if s.h.OnPresence == nil {
			return
		}
		ev := transport.PresenceEvent{Peers: f.Peers}
		if f.Peer != nil {
			ev.Peer = *f.Peer
		}
		switch f.Op {
		case "presence_join":
			ev.Kind = transport.PresenceJoin
		case "presence_leave":
			ev.Kind = transport.PresenceLeave
		default:
			ev.Kind = transport.PresenceSync
		}
		s.h.OnPresence(ev)
	default:
		c.log.Warn("ws: unknown frame op", "op", f.Op)
	}
}

// fail marks the client broken and pushes StatusError to all handlers.
func (c *Client) fail(op string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	subs := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn("ws: connection failed", "op", op, "error", err)
	c.conn.Close()
	for _, s := range subs {
		if s.h.OnStatus != nil {
			s.h.OnStatus(transport.StatusError)
		}
	}
}

func (c *Client) snapshotLocked() []*subscription {
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}

func (c *Client) dropSub(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
}

// TrackPresence implements transport.Subscription.
func (s *subscription) TrackPresence(ctx context.Context, peer transport.PeerInfo) error {
	p := peer
	return s.client.enqueue(ctx, frame{Op: "presence", Topic: s.topic, Peer: &p})
}

// Unsubscribe implements transport.Subscription.
func (s *subscription) Unsubscribe() error {
	s.client.dropSub(s.topic)
	return s.client.enqueue(context.Background(), frame{Op: "unsubscribe", Topic: s.topic})
}
