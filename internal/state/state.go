// Package state holds the agent/task reducer shared by the relay, which owns
// the authoritative copy, and observers, which reconcile derived copies.
package state

import (
	"sort"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// State is the collection of agent and task records. Values returned by
// Apply share no mutable memory with the input state.
type State struct {
	Agents map[string]envelope.AgentRecord
	Tasks  map[string]envelope.TaskRecord
}

// Change describes the effect an envelope had on the registry.
type Change struct {
	// Created is set when the envelope referenced an unknown agent.
	Created bool
	// Removed is set when an agent was deleted.
	Removed bool
	// Structural is set for changes observers should resynchronize on with
	// a full snapshot rather than the incremental event.
	Structural bool
}

// New returns an empty state.
func New() State {
	return State{
		Agents: make(map[string]envelope.AgentRecord),
		Tasks:  make(map[string]envelope.TaskRecord),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Agents: make(map[string]envelope.AgentRecord, len(s.Agents)),
		Tasks:  make(map[string]envelope.TaskRecord, len(s.Tasks)),
	}
	for id, a := range s.Agents {
		out.Agents[id] = cloneAgent(a)
	}
	for id, t := range s.Tasks {
		out.Tasks[id] = t
	}
	return out
}

// AgentList returns the agents sorted by ID.
func (s State) AgentList() []envelope.AgentRecord {
	list := make([]envelope.AgentRecord, 0, len(s.Agents))
	for _, a := range s.Agents {
		list = append(list, cloneAgent(a))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// TaskList returns the tasks sorted by creation time, then ID.
func (s State) TaskList() []envelope.TaskRecord {
	list := make([]envelope.TaskRecord, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].TaskID < list[j].TaskID
	})
	return list
}

// Snapshot encodes s as a snapshot payload.
func (s State) Snapshot() envelope.SnapshotPayload {
	return envelope.SnapshotPayload{
		Agents: s.AgentList(),
		Tasks:  s.TaskList(),
	}
}

// FromSnapshot rebuilds a state from a snapshot payload.
func FromSnapshot(p envelope.SnapshotPayload) State {
	s := New()
	for _, a := range p.Agents {
		s.Agents[a.ID] = normalize(cloneAgent(a))
	}
	for _, t := range p.Tasks {
		s.Tasks[t.TaskID] = t
	}
	return s
}

func cloneAgent(a envelope.AgentRecord) envelope.AgentRecord {
	if a.Messages != nil {
		msgs := make([]envelope.Message, len(a.Messages))
		copy(msgs, a.Messages)
		a.Messages = msgs
	}
	if a.Desk != nil {
		d := *a.Desk
		a.Desk = &d
	}
	if a.Position != nil {
		p := *a.Position
		a.Position = &p
	}
	return a
}

func normalize(a envelope.AgentRecord) envelope.AgentRecord {
	if a.Messages == nil {
		a.Messages = []envelope.Message{}
	}
	if a.Status == "" {
		a.Status = envelope.StatusIdle
	}
	return a
}
