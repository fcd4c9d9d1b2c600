package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process Transport. It delivers synchronously on the
// caller's goroutine, which keeps multi-client tests and harness scenarios
// deterministic: after Publish returns, every subscriber has seen the
// message.
//
// Failure injection: FailPublishes makes the next N publishes fail with a
// transport error, and BreakTopic pushes StatusError to a topic's
// subscribers, the way a dropped socket would.
type Hub struct {
	mu     sync.Mutex
	topics map[string][]*hubSub
	failN  int
}

type hubSub struct {
	hub     *Hub
	topic   string
	h       Handler
	peer    *PeerInfo
	removed bool
}

// NewHub creates an empty in-memory hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string][]*hubSub)}
}

// Subscribe implements Transport.
func (h *Hub) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	s := &hubSub{hub: h, topic: topic, h: handler}
	h.mu.Lock()
	h.topics[topic] = append(h.topics[topic], s)
	h.mu.Unlock()
	if handler.OnStatus != nil {
		handler.OnStatus(StatusConnected)
	}
	return s, nil
}

// Publish implements Transport. Delivery is synchronous and in
// subscription order.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.mu.Lock()
	if h.failN > 0 {
		h.failN--
		h.mu.Unlock()
		return fmt.Errorf("hub: injected publish failure")
	}
	subs := append([]*hubSub(nil), h.topics[topic]...)
	h.mu.Unlock()

	for _, s := range subs {
		if s.h.OnMessage != nil {
			s.h.OnMessage(payload)
		}
	}
	return nil
}

// FailPublishes makes the next n calls to Publish fail.
func (h *Hub) FailPublishes(n int) {
	h.mu.Lock()
	h.failN = n
	h.mu.Unlock()
}

// BreakTopic delivers StatusError to every subscriber of the topic,
// simulating a dropped connection. Subscriptions stay registered; the
// subscriber decides whether to tear down and resubscribe.
func (h *Hub) BreakTopic(topic string) {
	h.mu.Lock()
	subs := append([]*hubSub(nil), h.topics[topic]...)
	h.mu.Unlock()
	for _, s := range subs {
		if s.h.OnStatus != nil {
			s.h.OnStatus(StatusError)
		}
	}
}

// Peers returns the tracked peers on a topic, in tracking order.
func (h *Hub) Peers(topic string) []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peersLocked(topic)
}

func (h *Hub) peersLocked(topic string) []PeerInfo {
	var peers []PeerInfo
	for _, s := range h.topics[topic] {
		if s.peer != nil {
			peers = append(peers, *s.peer)
		}
	}
	return peers
}

// TrackPresence implements Subscription. The new peer receives a
// PresenceSync with the full set; everyone else receives a PresenceJoin.
func (s *hubSub) TrackPresence(_ context.Context, peer PeerInfo) error {
	s.hub.mu.Lock()
	if s.removed {
		s.hub.mu.Unlock()
		return fmt.Errorf("hub: presence track on unsubscribed topic %q", s.topic)
	}
	p := peer
	s.peer = &p
	peers := s.hub.peersLocked(s.topic)
	subs := append([]*hubSub(nil), s.hub.topics[s.topic]...)
	s.hub.mu.Unlock()

	for _, other := range subs {
		if other.h.OnPresence == nil {
			continue
		}
		if other == s {
			other.h.OnPresence(PresenceEvent{Kind: PresenceSync, Peers: peers})
		} else {
			other.h.OnPresence(PresenceEvent{Kind: PresenceJoin, Peer: peer, Peers: peers})
		}
	}
	return nil
}

// Unsubscribe implements Subscription.
func (s *hubSub) Unsubscribe() error {
	s.hub.mu.Lock()
	if s.removed {
		s.hub.mu.Unlock()
		return nil
	}
	s.removed = true
	left := s.peer
	s.peer = nil
	subs := s.hub.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.hub.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	peers := s.hub.peersLocked(s.topic)
	remaining := append([]*hubSub(nil), s.hub.topics[s.topic]...)
	s.hub.mu.Unlock()

	if left != nil {
		for _, other := range remaining {
			if other.h.OnPresence != nil {
				other.h.OnPresence(PresenceEvent{Kind: PresenceLeave, Peer: *left, Peers: peers})
			}
		}
	}
	if s.h.OnStatus != nil {
		s.h.OnStatus(StatusClosed)
	}
	return nil
}
