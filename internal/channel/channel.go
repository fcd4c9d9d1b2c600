// Package channel maintains the logical connection for one document: the
// connection state machine, periodic heartbeats with latency sampling,
// presence tracking, and reconnection with exponential backoff.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/slatedraw/slate/internal/clock"
	"github.com/slatedraw/slate/internal/config"
	"github.com/slatedraw/slate/internal/syncerr"
	"github.com/slatedraw/slate/internal/transport"
	"github.com/slatedraw/slate/internal/wire"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is transient: the channel keeps attempting reconnection
	// until attempts run out.
	StateError
	// StateFailed is terminal until the caller invokes Connect again.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event notifies watchers of state transitions.
type Event struct {
	State State
	Err   error
}

// latency smoothing weights. Weighted moving average keeps the displayed
// latency from flickering on every heartbeat.
const (
	latencyOldWeight    = 0.7
	latencySampleWeight = 0.3
)

// Channel is the per-note logical connection over a pub/sub transport.
//
// State machine: disconnected -> connecting -> connected -> (error |
// disconnected). From error the channel reconnects with exponential
// backoff until the attempt budget is spent, then parks in failed until an
// explicit Connect.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Channel struct {
	mu  sync.Mutex
	cfg config.ChannelConfig
	tr  transport.Transport
	clk clock.Clock
	log *slog.Logger

	noteID string
	userID string
	topic  string

	state           State
	connID          string
	attempts        int // consecutive failed connection attempts
	lastHeartbeatAt time.Time
	latencyMS       float64
	hasLatency      bool

	peers     mapset.Set[string]
	peerInfos map[string]transport.PeerInfo

	sub            transport.Subscription
	heartbeatTimer clock.Timer
	reconnectTimer clock.Timer

	onPayload func(wire.SyncPayload)
	onEvents  func([]wire.SyncEvent)
	watchers  []chan Event
}

// Option configures a Channel.
type Option func(*Channel)

// WithPayloadHandler registers the receiver for remote batch payloads.
func WithPayloadHandler(fn func(wire.SyncPayload)) Option {
	return func(c *Channel) { c.onPayload = fn }
}

// WithEventHandler registers the receiver for remote event batches.
func WithEventHandler(fn func([]wire.SyncEvent)) Option {
	return func(c *Channel) { c.onEvents = fn }
}

// New creates a channel for one note. Call Connect to go live.
func New(cfg config.ChannelConfig, tr transport.Transport, clk clock.Clock, log *slog.Logger, userID, noteID string, opts ...Option) *Channel {
	c := &Channel{
		cfg:       cfg,
		tr:        tr,
		clk:       clk,
		log:       log.With("note_id", noteID, "user_id", userID),
		noteID:    noteID,
		userID:    userID,
		topic:     "note." + noteID,
		state:     StateDisconnected,
		peers:     mapset.NewSet[string](),
		peerInfos: make(map[string]transport.PeerInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the connection attempt cycle. Explicitly calling Connect
// always resets the attempt budget, which is the only way out of the
// failed state.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.mu.Unlock()
	c.dial(ctx)
}

// Disconnect tears the connection down and cancels any pending
// reconnection. The channel returns to disconnected, not failed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopTimersLocked()
	sub := c.sub
	c.sub = nil
	c.attempts = 0
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("unsubscribe failed during disconnect", "error", err)
		}
	}
}

// Broadcast publishes a batch payload to the note topic. Implements the
// sync queue's Broadcaster.
func (c *Channel) Broadcast(payload wire.SyncPayload) error {
	body, err := wire.EncodePayload(payload)
	if err != nil {
		return err
	}
	return c.publish("payload", body)
}

// SendEvents publishes a batch of sync events to the note topic.
func (c *Channel) SendEvents(events []wire.SyncEvent) error {
	body, err := wire.EncodeEvents(events)
	if err != nil {
		return err
	}
	return c.publish("events", body)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the current connection's id, empty when not
// connected.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// ReconnectAttempts returns the consecutive failed attempt count.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Peers returns the user ids of other participants currently on the note.
func (c *Channel) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := c.peers.ToSlice()
	return peers
}

// Latency returns the smoothed heartbeat round-trip estimate in
// milliseconds, zero before the first sample.
func (c *Channel) Latency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latencyMS
}

// Watch returns a buffered channel of state transitions. Slow watchers
// miss events rather than block the channel.
func (c *Channel) Watch() <-chan Event {
	ch := make(chan Event, 16)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	return ch
}

// dial performs one connection attempt.
func (c *Channel) dial(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting, nil)
	connID := uuid.NewString()
	c.connID = connID
	c.mu.Unlock()

	handler := transport.Handler{
		OnMessage:  c.handleMessage,
		OnStatus:   c.handleStatus,
		OnPresence: c.handlePresence,
	}
	sub, err := c.tr.Subscribe(ctx, c.topic, handler)
	if err != nil {
		c.connectionError(syncerr.NewTransport(c.noteID, err))
		return
	}

	peer := transport.PeerInfo{
		UserID:       c.userID,
		ConnectionID: connID,
		JoinedAt:     c.clk.Now().UnixMilli(),
	}
	if err := sub.TrackPresence(ctx, peer); err != nil {
		sub.Unsubscribe()
		c.connectionError(syncerr.NewTransport(c.noteID, err))
		return
	}

	c.mu.Lock()
	c.sub = sub
	c.attempts = 0
	c.lastHeartbeatAt = c.clk.Now()
	c.setStateLocked(StateConnected, nil)
	c.armHeartbeatLocked()
	c.mu.Unlock()
	c.log.Info("channel connected", "connection_id", connID)
}

// heartbeatTick sends a heartbeat and runs the local health check on the
// same cadence.
func (c *Channel) heartbeatTick() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()
	silent := now.Sub(c.lastHeartbeatAt)
	c.mu.Unlock()

	if silent >= 2*c.cfg.HeartbeatInterval() {
		c.connectionError(syncerr.NewSyncTimeout(c.noteID))
		return
	}

	if err := c.publish("heartbeat", nil); err != nil {
		c.connectionError(syncerr.NewTransport(c.noteID, err))
		return
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.lastHeartbeatAt = c.clk.Now()
		c.armHeartbeatLocked()
	}
	c.mu.Unlock()
}

func (c *Channel) armHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.heartbeatTimer = c.clk.AfterFunc(c.cfg.HeartbeatInterval(), c.heartbeatTick)
}

// connectionError transitions to error and schedules a reconnect, or to
// failed once the attempt budget is spent.
func (c *Channel) connectionError(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		// Already torn down by an explicit Disconnect or a prior
		// exhausted-budget failure.
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	sub := c.sub
	c.sub = nil
	c.attempts++
	attempts := c.attempts

	if attempts-1 >= c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StateFailed, syncerr.NewRetryExhausted(c.noteID, c.cfg.MaxReconnectAttempts, err))
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		c.log.Error("channel failed, reconnect budget exhausted", "attempts", attempts-1, "error", err)
		return
	}

	c.setStateLocked(StateError, err)
	// Delay before the next attempt doubles with each consecutive
	// failure: reconnectInterval * 2^failures.
	delay := c.cfg.ReconnectInterval() * (1 << attempts)
	c.reconnectTimer = c.clk.AfterFunc(delay, func() {
		c.dial(context.Background())
	})
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.log.Warn("channel error, reconnecting",
		"attempt", attempts,
		"retry_in", delay,
		"error", err)
}

func (c *Channel) stopTimersLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) setStateLocked(s State, err error) {
	if c.state == s {
		return
	}
	c.state = s
	ev := Event{State: s, Err: err}
	for _, w := range c.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

// publish wraps a body in the topic envelope and sends it.
func (c *Channel) publish(kind string, body []byte) error {
	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()

	env := wire.Envelope{
		Kind:   kind,
		Sender: connID,
		Body:   body,
		SentAt: c.clk.Now().UnixMilli(),
	}
	data, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.tr.Publish(context.Background(), c.topic, data); err != nil {
		return syncerr.NewTransport(c.noteID, err)
	}
	return nil
}

// handleMessage routes inbound envelopes. Own messages only matter for
// heartbeat round-trip sampling; payloads and events from ourselves are
// dropped to avoid re-applying local edits.
func (c *Channel) handleMessage(payload []byte) {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		c.log.Warn("dropping malformed envelope", "error", err)
		return
	}

	c.mu.Lock()
	own := env.Sender == c.connID
	c.lastHeartbeatAt = c.clk.Now()
	c.mu.Unlock()

	switch env.Kind {
	case "heartbeat":
		if own {
			c.recordLatency(float64(c.clk.Now().UnixMilli() - env.SentAt))
		}
	case "payload":
		if own || c.onPayload == nil {
			return
		}
		p, err := wire.DecodePayload(env.Body)
		if err != nil {
			c.log.Warn("dropping malformed payload", "error", err)
			return
		}
		c.onPayload(p)
	case "events":
		if own || c.onEvents == nil {
			return
		}
		events, err := wire.DecodeEvents(env.Body)
		if err != nil {
			c.log.Warn("dropping malformed event batch", "error", err)
			return
		}
		c.onEvents(events)
	default:
		c.log.Warn("dropping envelope of unknown kind", "kind", env.Kind)
	}
}

// recordLatency folds a round-trip sample into the weighted moving
// average.
func (c *Channel) recordLatency(sampleMS float64) {
	if sampleMS < 0 {
		return
	}
	c.mu.Lock()
	if !c.hasLatency {
		c.latencyMS = sampleMS
		c.hasLatency = true
	} else {
		c.latencyMS = latencyOldWeight*c.latencyMS + latencySampleWeight*sampleMS
	}
	c.mu.Unlock()
}

func (c *Channel) handleStatus(s transport.Status) {
	switch s {
	case transport.StatusError:
		c.connectionError(syncerr.NewTransport(c.noteID, nil))
	case transport.StatusClosed:
		// Expected during Disconnect; anything else already surfaced as
		// an error status first.
	}
}

// handlePresence maintains the observable peer set. Presence is a side
// channel for the UI; it never participates in conflict resolution.
func (c *Channel) handlePresence(ev transport.PresenceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case transport.PresenceJoin:
		if ev.Peer.UserID != c.userID {
			c.peers.Add(ev.Peer.UserID)
			c.peerInfos[ev.Peer.ConnectionID] = ev.Peer
		}
	case transport.PresenceLeave:
		delete(c.peerInfos, ev.Peer.ConnectionID)
		if ev.Peer.UserID != c.userID && !c.anotherConnectionLocked(ev.Peer) {
			c.peers.Remove(ev.Peer.UserID)
		}
	case transport.PresenceSync:
		c.peers.Clear()
		c.peerInfos = make(map[string]transport.PeerInfo, len(ev.Peers))
		for _, p := range ev.Peers {
			c.peerInfos[p.ConnectionID] = p
			if p.UserID != c.userID {
				c.peers.Add(p.UserID)
			}
		}
	}
}

// anotherConnectionLocked reports whether the user still has a different
// live connection (same user, second tab).
func (c *Channel) anotherConnectionLocked(left transport.PeerInfo) bool {
	for _, p := range c.peerInfos {
		if p.UserID == left.UserID && p.ConnectionID != left.ConnectionID {
			return true
		}
	}
	return false
}
