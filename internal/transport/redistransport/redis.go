// Package redistransport adapts redis pub/sub to the transport interface.
// Messages ride the note topic channel; presence rides a parallel
// "<topic>.presence" channel with the peer set mirrored in a redis hash so
// late joiners can read the current membership.
package redistransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/slatedraw/slate/internal/transport"
)

// Transport is a redis-backed transport.Transport.
type Transport struct {
	rdb *redis.Client
	log *slog.Logger
}

// New wraps an existing redis client.
func New(rdb *redis.Client, log *slog.Logger) *Transport {
	return &Transport{rdb: rdb, log: log}
}

// presenceMsg is the presence-channel wire format.
type presenceMsg struct {
	Kind string             `json:"kind"` // join|leave
	Peer transport.PeerInfo `json:"peer"`
}

type subscription struct {
	t      *Transport
	topic  string
	h      transport.Handler
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu     sync.Mutex
	peer   *transport.PeerInfo
	closed bool
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, topic, presenceChannel(topic))
	// Force the SUBSCRIBE round trip so failures surface here instead of
	// silently inside the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{t: t, topic: topic, h: h, pubsub: pubsub, cancel: cancel}
	go s.receive(loopCtx)

	if h.OnStatus != nil {
		h.OnStatus(transport.StatusConnected)
	}
	return s, nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

func (s *subscription) receive(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.fail()
				return
			}
			s.route(ctx, msg)
		}
	}
}

func (s *subscription) route(ctx context.Context, msg *redis.Message) {
	if msg.Channel == presenceChannel(s.topic) {
		s.routePresence(ctx, []byte(msg.Payload))
		return
	}
	if s.h.OnMessage != nil {
		s.h.OnMessage([]byte(msg.Payload))
	}
}

func (s *subscription) routePresence(ctx context.Context, payload []byte) {
	if s.h.OnPresence == nil {
		return
	}
	var pm presenceMsg
	if err := json.Unmarshal(payload, &pm); err != nil {
		s.t.log.Warn("redis: dropping malformed presence message", "topic", s.topic, "error", err)
		return
	}
	peers, err := s.t.readPeers(ctx, s.topic)
	if err != nil {
		s.t.log.Warn("redis: presence set read failed", "topic", s.topic, "error", err)
	}
	ev := transport.PresenceEvent{Peer: pm.Peer, Peers: peers}
	switch pm.Kind {
	case "join":
		ev.Kind = transport.PresenceJoin
	case "leave":
		ev.Kind = transport.PresenceLeave
	default:
		return
	}
	s.h.OnPresence(ev)
}

func (s *subscription) fail() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.h.OnStatus != nil {
		s.h.OnStatus(transport.StatusError)
	}
}

// TrackPresence implements transport.Subscription.
func (s *subscription) TrackPresence(ctx context.Context, peer transport.PeerInfo) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("redis presence track: %w", err)
	}
	if err := s.t.rdb.HSet(ctx, presenceKey(s.topic), peer.ConnectionID, data).Err(); err != nil {
		return fmt.Errorf("redis presence track: %w", err)
	}
	s.mu.Lock()
	p := peer
	s.peer = &p
	s.mu.Unlock()

	msg, err := json.Marshal(presenceMsg{Kind: "join", Peer: peer})
	if err != nil {
		return fmt.Errorf("redis presence track: %w", err)
	}
	if err := s.t.rdb.Publish(ctx, presenceChannel(s.topic), msg).Err(); err != nil {
		return fmt.Errorf("redis presence track: %w", err)
	}

	// Deliver the current set to ourselves; remote joins arrive over the
	// presence channel.
	if s.h.OnPresence != nil {
		peers, err := s.t.readPeers(ctx, s.topic)
		if err != nil {
			return fmt.Errorf("redis presence track: %w", err)
		}
		s.h.OnPresence(transport.PresenceEvent{Kind: transport.PresenceSync, Peers: peers})
	}
	return nil
}

// Unsubscribe implements transport.Subscription.
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()

	ctx := context.Background()
	if peer != nil {
		if err := s.t.rdb.HDel(ctx, presenceKey(s.topic), peer.ConnectionID).Err(); err != nil {
			s.t.log.Warn("redis: presence cleanup failed", "topic", s.topic, "error", err)
		}
		if msg, err := json.Marshal(presenceMsg{Kind: "leave", Peer: *peer}); err == nil {
			if err := s.t.rdb.Publish(ctx, presenceChannel(s.topic), msg).Err(); err != nil {
				s.t.log.Warn("redis: presence leave publish failed", "topic", s.topic, "error", err)
			}
		}
	}
	s.cancel()
	err := s.pubsub.Close()
	if s.h.OnStatus != nil {
		s.h.OnStatus(transport.StatusClosed)
	}
	return err
}

func (t *Transport) readPeers(ctx context.Context, topic string) ([]transport.PeerInfo, error) {
	entries, err := t.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	peers := make([]transport.PeerInfo, 0, len(entries))
	for _, raw := range entries {
		var p transport.PeerInfo
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func presenceChannel(topic string) string { return topic + ".presence" }
func presenceKey(topic string) string     { return "slate:presence:" + topic }
