// Package relay is the single authoritative store of agent and task state.
// It accepts envelopes from producers, applies them, persists them and fans
// them out to every connected observer.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/state"
)

// ErrUnknownAgent is returned for operations on an agent the relay has
// never seen.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrEventsUnsupported is returned by RecentEvents when the store cannot list
// envelopes.
var ErrEventsUnsupported = errors.New("store does not support listing events")

// Store persists the envelope log and the materialized collections.
type Store interface {
	Append(env *envelope.Envelope) error
	SaveAgents(agents []envelope.AgentRecord) error
	SaveTasks(tasks []envelope.TaskRecord) error
	Load() ([]envelope.AgentRecord, []envelope.TaskRecord, error)
	Close() error
}

// EventReader is implemented by stores that can list recent envelopes.
type EventReader interface {
	RecentEvents(limit int) ([]envelope.Envelope, error)
}

// Relay owns the agent and task collections.
type Relay struct {
	store     Store
	hub       *Hub
	queueSize int
	logger    *slog.Logger
	locks     *keyedMutex

	mu    sync.RWMutex // guards state and seq
	state state.State
	seq   uint64 // bumped on every state change

	persistMu sync.Mutex // serializes log appends and document rewrites
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithQueueSize sets the per-observer outbound queue length.
func WithQueueSize(n int) Option {
	return func(r *Relay) { r.queueSize = n }
}

// New creates a relay backed by store, loading any previously materialized
// state.
func New(store Store, opts ...Option) (*Relay, error) {
	r := &Relay{
		store:  store,
		logger: slog.Default(),
		locks:  newKeyedMutex(),
		state:  state.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.hub = NewHub(r.queueSize, r.logger)

	agents, tasks, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	r.state = state.FromSnapshot(envelope.SnapshotPayload{Agents: agents, Tasks: tasks})
	r.logger.Info("relay state loaded", "agents", len(agents), "tasks", len(tasks))
	return r, nil
}

// Hub returns the relay's broadcaster.
func (r *Relay) Hub() *Hub { return r.hub }

// Store returns the relay's persistence backend.
func (r *Relay) Store() Store { return r.store }

// Submit validates env, applies it to state, persists it and broadcasts it,
// in that order. Envelopes for the same agent are processed one at a time
// in arrival order; envelopes for different agents proceed independently.
// The broadcast copy carries the sequence number assigned when it was
// applied.
//
// A rejected envelope leaves state untouched and returns the
// *envelope.ValidationError.
func (r *Relay) Submit(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := env.Check()
	if err != nil {
		return err
	}
	if env.Type == envelope.KindSnapshot {
		return &envelope.ValidationError{
			Kind:   env.Type,
			Field:  "type",
			Reason: "snapshots are only produced by the relay",
			Err:    envelope.ErrInvalidPayload,
		}
	}

	accepted := *env
	if accepted.Timestamp == "" {
		accepted.Timestamp = envelope.Now()
	}

	unlock := r.locks.Lock(accepted.AgentID)
	defer unlock()

	r.mu.Lock()
	next, change := state.Apply(r.state, &accepted, payload)
	r.state = next
	r.seq++
	accepted.Seq = r.seq
	r.mu.Unlock()

	r.persist(&accepted, change)

	if frame, err := json.Marshal(&accepted); err == nil {
		r.hub.Broadcast(frame)
	}
	if change.Structural {
		r.broadcastSnapshot()
	}

	r.logger.Debug("envelope accepted", "type", accepted.Type, "agent", accepted.AgentID)
	return nil
}

// Publish is Submit under the name bridges use for their event sink.
func (r *Relay) Publish(ctx context.Context, env *envelope.Envelope) error {
	return r.Submit(ctx, env)
}

// persist appends env to the log and rewrites the materialized documents.
// The collections are copied inside the persist lock so a slower writer can
// never overwrite a newer document with an older copy. Failures are logged:
// the in-memory state stays authoritative and the event is still broadcast.
func (r *Relay) persist(env *envelope.Envelope, change state.Change) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if env != nil {
		if err := r.store.Append(env); err != nil {
			r.logger.Error("append event log", "error", err, "agent", env.AgentID)
		}
	}

	r.mu.RLock()
	agents := r.state.AgentList()
	tasks := r.state.TaskList()
	r.mu.RUnlock()

	if err := r.store.SaveAgents(agents); err != nil {
		r.logger.Error("save agents", "error", err)
	}
	if !touchesTasks(env, change) {
		return
	}
	if err := r.store.SaveTasks(tasks); err != nil {
		r.logger.Error("save tasks", "error", err)
	}
}

// touchesTasks reports whether applying env can have changed the task
// collection.
func touchesTasks(env *envelope.Envelope, change state.Change) bool {
	if env == nil {
		return false
	}
	if change.Removed {
		return true
	}
	return env.Type == envelope.KindTaskAssign || env.Type == envelope.KindStatus
}

// RegisterRequest describes an agent registration.
type RegisterRequest struct {
	ID   string          `json:"agentId"`
	Name string          `json:"name,omitempty"`
	Desk *envelope.Point `json:"desk,omitempty"`
	CLI  string          `json:"cli,omitempty"`
}

// Register creates the agent if it does not exist, or updates its display
// name, desk and CLI identifier. Observers always receive a fresh snapshot.
func (r *Relay) Register(ctx context.Context, req RegisterRequest) (envelope.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return envelope.AgentRecord{}, err
	}
	if strings.TrimSpace(req.ID) == "" {
		return envelope.AgentRecord{}, &envelope.ValidationError{Field: "agentId", Reason: "required", Err: envelope.ErrInvalidPayload}
	}

	unlock := r.locks.Lock(req.ID)
	defer unlock()

	r.mu.Lock()
	next := r.state.Clone()
	rec, ok := next.Agents[req.ID]
	if !ok {
		rec = envelope.AgentRecord{
			ID:       req.ID,
			Status:   envelope.StatusIdle,
			Messages: []envelope.Message{},
		}
	}
	if req.Name != "" {
		rec.Name = req.Name
	}
	if req.Desk != nil {
		d := *req.Desk
		rec.Desk = &d
	}
	if req.CLI != "" {
		rec.CLI = req.CLI
	}
	rec.LastSeen = envelope.Now()
	next.Agents[req.ID] = rec
	r.state = next
	r.seq++
	r.mu.Unlock()

	r.persist(nil, state.Change{Created: !ok, Structural: true})
	r.broadcastSnapshot()

	if !ok {
		r.logger.Info("agent registered", "agent", req.ID, "name", req.Name, "cli", req.CLI)
	}
	return rec, nil
}

// Agent returns one agent record.
func (r *Relay) Agent(id string) (envelope.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.state.Agents[id]; !ok {
		return envelope.AgentRecord{}, false
	}
	return r.state.Clone().Agents[id], true
}

// Agents returns every agent record sorted by ID.
func (r *Relay) Agents() []envelope.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.AgentList()
}

// Tasks returns every task record.
func (r *Relay) Tasks() []envelope.TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.TaskList()
}

// CreateTask assigns a new task to an existing agent by synthesizing a
// task.assign envelope.
func (r *Relay) CreateTask(ctx context.Context, agentID, title, details string) (envelope.TaskRecord, error) {
	if _, ok := r.Agent(agentID); !ok {
		return envelope.TaskRecord{}, fmt.Errorf("create task: %w: %s", ErrUnknownAgent, agentID)
	}
	taskID := uuid.NewString()
	env, err := envelope.New(envelope.KindTaskAssign, agentID, envelope.TaskAssignPayload{
		TaskID:  taskID,
		Title:   title,
		Details: details,
	})
	if err != nil {
		return envelope.TaskRecord{}, err
	}
	if err := r.Submit(ctx, env); err != nil {
		return envelope.TaskRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Tasks[taskID], nil
}

// DeleteAgent removes an agent. Bridges observing the relay terminate any
// subprocess attached to it when the control envelope reaches them.
func (r *Relay) DeleteAgent(ctx context.Context, agentID string) error {
	return r.control(ctx, agentID, envelope.CommandDelete)
}

// ResetAgent clears an agent's conversation.
func (r *Relay) ResetAgent(ctx context.Context, agentID string) error {
	return r.control(ctx, agentID, envelope.CommandReset)
}

func (r *Relay) control(ctx context.Context, agentID, command string) error {
	if _, ok := r.Agent(agentID); !ok {
		return fmt.Errorf("%s agent: %w: %s", command, ErrUnknownAgent, agentID)
	}
	env, err := envelope.New(envelope.KindControl, agentID, envelope.ControlPayload{Command: command})
	if err != nil {
		return err
	}
	return r.Submit(ctx, env)
}

// Snapshot returns a snapshot envelope of the entire current state. Its Seq
// is that of the last change the snapshot reflects.
func (r *Relay) Snapshot() *envelope.Envelope {
	r.mu.RLock()
	payload := r.state.Snapshot()
	seq := r.seq
	r.mu.RUnlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		// Records are plain data; marshaling cannot fail.
		panic(fmt.Sprintf("marshal snapshot: %v", err))
	}
	return &envelope.Envelope{
		Type:      envelope.KindSnapshot,
		Timestamp: envelope.Now(),
		Payload:   raw,
		Seq:       seq,
	}
}

func (r *Relay) snapshotFrame() []byte {
	frame, err := json.Marshal(r.Snapshot())
	if err != nil {
		r.logger.Error("marshal snapshot", "error", err)
		return nil
	}
	return frame
}

func (r *Relay) broadcastSnapshot() {
	if frame := r.snapshotFrame(); frame != nil {
		r.hub.Broadcast(frame)
	}
}

// Subscribe registers a new observer. Its first frame is always a snapshot
// of the current state.
func (r *Relay) Subscribe() *Subscriber {
	return r.hub.subscribe(r.snapshotFrame)
}

// RecentEvents lists recent envelopes when the store supports it.
func (r *Relay) RecentEvents(limit int) ([]envelope.Envelope, error) {
	reader, ok := r.store.(EventReader)
	if !ok {
		return nil, ErrEventsUnsupported
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return reader.RecentEvents(limit)
}

// Close closes the store.
func (r *Relay) Close() error {
	return r.store.Close()
}
