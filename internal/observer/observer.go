// Package observer keeps a local, read-only copy of the relay's state by
// reconciling the relay's event stream.
//
// Delivery from the relay is at-least-once: snapshots replay state that was
// also delivered as events, and reconnects replay everything. The client
// turns that into exactly-once effects for handlers by validating each
// frame, deduplicating by identifier, dropping stale events and ignoring the
// echoes that follow a snapshot. Echoes are recognized by the sequence
// number the relay stamps on every envelope it applies: an event sequenced
// at or below the last snapshot's is already part of that snapshot.
package observer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/state"
)

// Defaults.
const (
	DefaultStaleAfter     = 3 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultSeenSize       = 4096
	DefaultSeenTTL        = 5 * time.Minute
)

// Outcome is what Handle did with a frame.
type Outcome int

const (
	Applied Outcome = iota
	Replaced
	Rejected
	Duplicate
	Stale
	Echo
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Replaced:
		return "replaced"
	case Rejected:
		return "rejected"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Echo:
		return "echo"
	}
	return "unknown"
}

// Handler is invoked for every applied event. payload is the validated,
// typed payload of env.
type Handler func(env *envelope.Envelope, payload any)

// Client reconciles the relay's event stream into a local state.
type Client struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	staleAfter     time.Duration
	reconnectDelay time.Duration

	mu          sync.Mutex
	state       state.State
	seen        *expirable.LRU[string, struct{}]
	snapshotSeq uint64 // Seq of the last applied snapshot
	lastSeq     uint64 // highest Seq reflected in state

	handlersMu sync.RWMutex
	byAgent    map[string][]Handler
	any        []Handler
	onSnapshot []func(state.State)

	connMu sync.Mutex
	conn   *websocket.Conn

	timerMu sync.Mutex
	timer   *time.Timer
	wake    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithToken sets the bearer token presented to the relay.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithClock replaces the wall clock used for staleness and echo checks.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithStaleAfter sets the age beyond which events are discarded.
func WithStaleAfter(d time.Duration) Option { return func(c *Client) { c.staleAfter = d } }


// WithReconnectDelay sets the fixed delay before reconnecting.
func WithReconnectDelay(d time.Duration) Option { return func(c *Client) { c.reconnectDelay = d } }

// WithSeenCache sets the capacity and lifetime of remembered identifiers.
func WithSeenCache(size int, ttl time.Duration) Option {
	return func(c *Client) { c.seen = expirable.NewLRU[string, struct{}](size, nil, ttl) }
}

// New creates a client for the relay socket at url (ws:// or wss://).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		dialer:         websocket.DefaultDialer,
		now:            time.Now,
		staleAfter:     DefaultStaleAfter,
		reconnectDelay: DefaultReconnectDelay,
		state:          state.New(),
		byAgent:        make(map[string][]Handler),
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.seen == nil {
		c.seen = expirable.NewLRU[string, struct{}](DefaultSeenSize, nil, DefaultSeenTTL)
	}
	return c
}

// OnAgent registers h for events about agentID.
func (c *Client) OnAgent(agentID string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.byAgent[agentID] = append(c.byAgent[agentID], h)
}

// OnAny registers h for every applied event.
func (c *Client) OnAny(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.any = append(c.any, h)
}

// OnSnapshot registers f to receive the state after every snapshot.
func (c *Client) OnSnapshot(f func(state.State)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onSnapshot = append(c.onSnapshot, f)
}

// State returns a copy of the local state.
func (c *Client) State() state.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Identifier returns the dedupe key of env, if it has one: the taskId of a
// task assignment, or timestamp+agentId+text of a chat message sent as a
// task.
func Identifier(env *envelope.Envelope, payload any) (string, bool) {
	switch p := payload.(type) {
	case *envelope.TaskAssignPayload:
		return "task:" + p.TaskID, true
	case *envelope.MessagePayload:
		if p.Channel == envelope.ChannelTask {
			return "chat:" + env.Timestamp + env.AgentID + p.Text, true
		}
	}
	return "", false
}

// Handle processes one frame from the relay. Each frame is handled in
// isolation; a rejected frame never affects later ones.
func (c *Client) Handle(raw []byte) (Outcome, error) {
	if isErrorFrame(raw) {
		c.logger.Warn("relay rejected a frame", "frame", string(raw))
		return Rejected, nil
	}

	env, payload, err := envelope.Decode(raw)
	if err != nil {
		c.logger.Warn("invalid envelope", "error", err)
		return Rejected, err
	}

	if snap, ok := payload.(*envelope.SnapshotPayload); ok {
		return c.applySnapshot(env, snap), nil
	}

	c.mu.Lock()
	now := c.now()
	id, hasID := Identifier(env, payload)
	if hasID && c.seen.Contains(id) {
		c.mu.Unlock()
		c.logger.Debug("duplicate event", "id", id)
		return Duplicate, nil
	}
	if ts, ok := env.Time(); ok && now.Sub(ts) > c.staleAfter {
		c.mu.Unlock()
		c.logger.Debug("stale event", "type", env.Type, "agent", env.AgentID, "age", now.Sub(ts))
		return Stale, nil
	}
	// Unsequenced envelopes did not come through a relay and cannot be
	// part of a snapshot.
	if env.Seq != 0 && env.Seq <= c.snapshotSeq {
		c.mu.Unlock()
		c.logger.Debug("snapshot echo", "type", env.Type, "agent", env.AgentID, "seq", env.Seq, "snapshot_seq", c.snapshotSeq)
		return Echo, nil
	}
	if hasID {
		c.seen.Add(id, struct{}{})
	}
	c.state, _ = state.Apply(c.state, env, payload)
	c.lastSeq = max(c.lastSeq, env.Seq)
	c.mu.Unlock()

	c.dispatch(env, payload)
	return Applied, nil
}

// applySnapshot replaces the local state with snap unless the state already
// reflects later changes, which happens when the relay's broadcasts for
// different agents interleave.
func (c *Client) applySnapshot(env *envelope.Envelope, snap *envelope.SnapshotPayload) Outcome {
	c.mu.Lock()
	if env.Seq != 0 && env.Seq < c.lastSeq {
		last := c.lastSeq
		c.mu.Unlock()
		c.logger.Debug("outdated snapshot", "seq", env.Seq, "last_seq", last)
		return Stale
	}
	c.state = state.FromSnapshot(*snap)
	c.snapshotSeq = env.Seq
	c.lastSeq = env.Seq
	for _, t := range snap.Tasks {
		c.seen.Add("task:"+t.TaskID, struct{}{})
	}
	st := c.state.Clone()
	c.mu.Unlock()

	c.handlersMu.RLock()
	fns := make([]func(state.State), len(c.onSnapshot))
	copy(fns, c.onSnapshot)
	c.handlersMu.RUnlock()
	for _, f := range fns {
		f(st)
	}
	c.logger.Debug("snapshot applied", "agents", len(snap.Agents), "tasks", len(snap.Tasks), "seq", env.Seq)
	return Replaced
}

// resetSequence forgets sequence numbers from a previous connection; a
// restarted relay numbers its changes from zero again.
func (c *Client) resetSequence() {
	c.mu.Lock()
	c.snapshotSeq, c.lastSeq = 0, 0
	c.mu.Unlock()
}

func (c *Client) dispatch(env *envelope.Envelope, payload any) {
	c.handlersMu.RLock()
	hs := append([]Handler(nil), c.byAgent[env.AgentID]...)
	hs = append(hs, c.any...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(env, payload)
	}
}

func isErrorFrame(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Type == "error"
}

// ErrNotConnected is returned by Publish while no socket is open.
var ErrNotConnected = errors.New("observer not connected")
