// Package transport defines the narrow pub/sub abstraction the sync
// channel is built on, plus adapters: an in-memory hub for tests and the
// harness, a websocket client, and a redis pub/sub client.
//
// The engine assumes nothing about the wire beyond ordered, at-least-once
// delivery of opaque payloads scoped by topic (one topic per note).
// Presence is a side channel for "who is viewing" UI and never feeds
// conflict resolution.
package transport

import "context"

// Status reports connection-level transitions of a subscription.
type Status int

const (
	// StatusConnected means the subscription is live.
	StatusConnected Status = iota + 1
	// StatusError means delivery is currently failing; the subscriber
	// should treat the connection as broken.
	StatusError
	// StatusClosed means the subscription was shut down and will not
	// recover on its own.
	StatusClosed
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerInfo announces a participant on a topic.
type PeerInfo struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	JoinedAt     int64  `json:"joinedAt"` // wall-clock ms
}

// PresenceKind distinguishes presence notifications.
type PresenceKind int

const (
	// PresenceJoin announces a newly tracked peer.
	PresenceJoin PresenceKind = iota + 1
	// PresenceLeave announces a departed peer.
	PresenceLeave
	// PresenceSync carries the full current peer set, delivered on
	// subscribe and whenever the set must be re-synchronized.
	PresenceSync
)

// PresenceEvent notifies a subscriber about peer membership changes.
// Peer is set for join/leave; Peers always carries the full set after the
// change.
type PresenceEvent struct {
	Kind  PresenceKind
	Peer  PeerInfo
	Peers []PeerInfo
}

// Handler receives everything a subscription can deliver. Nil callbacks
// are skipped. Callbacks must not block; they are invoked from the
// transport's delivery goroutine.
type Handler struct {
	OnMessage  func(payload []byte)
	OnStatus   func(Status)
	OnPresence func(PresenceEvent)
}

// Subscription is a live attachment to one topic.
type Subscription interface {
	// TrackPresence announces this subscriber on the topic's presence
	// side channel.
	TrackPresence(ctx context.Context, peer PeerInfo) error

	// Unsubscribe detaches from the topic and releases resources.
	// Idempotent.
	Unsubscribe() error
}

// Transport is the pub/sub collaborator interface.
type Transport interface {
	// Subscribe attaches to a topic. Delivery starts before Subscribe
	// returns.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Publish sends an opaque payload to every subscriber of the topic,
	// including the publisher's own subscription.
	Publish(ctx context.Context, topic string, payload []byte) error
}
