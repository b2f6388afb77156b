package state

import (
	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// Apply returns the state that results from applying env, whose payload has
// already been validated into payload, to s. s itself is not modified.
//
// Transitions are driven only by the envelopes; there are no timers.
func Apply(s State, env *envelope.Envelope, payload any) (State, Change) {
	if p, ok := payload.(*envelope.SnapshotPayload); ok {
		return FromSnapshot(*p), Change{Structural: true}
	}

	next := State{Agents: s.Agents, Tasks: s.Tasks}
	var change Change

	if ctl, ok := payload.(*envelope.ControlPayload); ok && ctl.Command == envelope.CommandDelete {
		if _, exists := s.Agents[env.AgentID]; !exists {
			return s, change
		}
		next.Agents = copyAgents(s.Agents)
		delete(next.Agents, env.AgentID)
		next.Tasks = make(map[string]envelope.TaskRecord, len(s.Tasks))
		for id, t := range s.Tasks {
			if t.AgentID != env.AgentID {
				next.Tasks[id] = t
			}
		}
		change.Removed = true
		change.Structural = true
		return next, change
	}

	rec, exists := s.Agents[env.AgentID]
	if exists {
		rec = cloneAgent(rec)
	} else {
		rec = envelope.AgentRecord{ID: env.AgentID, Status: envelope.StatusIdle}
		change.Created = true
		change.Structural = true
	}
	rec = normalize(rec)

	ts := env.Timestamp
	if ts == "" {
		ts = envelope.Now()
	}
	rec.LastSeen = ts

	switch p := payload.(type) {
	case *envelope.StatusPayload:
		rec.Status = p.Status
		rec.Summary = p.Summary
		if p.Status == envelope.StatusReplied || p.Status == envelope.StatusFinished {
			next.Tasks = completeTasks(s.Tasks, env.AgentID)
		}

	case *envelope.MessagePayload:
		rec.Messages = appendMessage(rec.Messages, envelope.Message{
			Text:        p.Text,
			Channel:     p.Channel,
			Timestamp:   ts,
			Collapsible: p.Collapsible != nil && *p.Collapsible,
		})

	case *envelope.PositionPayload:
		rec.Position = &envelope.Point{X: *p.X, Y: *p.Y}

	case *envelope.TaskAssignPayload:
		next.Tasks = copyTasks(s.Tasks)
		task, existed := s.Tasks[p.TaskID]
		if !existed {
			task = envelope.TaskRecord{
				TaskID:    p.TaskID,
				CreatedAt: ts,
				Status:    envelope.TaskAssigned,
			}
		}
		task.AgentID = env.AgentID
		task.Title = p.Title
		task.Details = p.Details
		next.Tasks[p.TaskID] = task

	case *envelope.ControlPayload:
		// Only reset reaches here.
		rec.Messages = []envelope.Message{}
		rec.Status = envelope.StatusIdle
		rec.Summary = "Conversation reset"
		change.Structural = true
	}

	next.Agents = copyAgents(s.Agents)
	next.Agents[env.AgentID] = rec
	return next, change
}

// appendMessage appends m to the ring, dropping the oldest entries beyond
// envelope.MaxMessages.
func appendMessage(ring []envelope.Message, m envelope.Message) []envelope.Message {
	ring = append(ring, m)
	if over := len(ring) - envelope.MaxMessages; over > 0 {
		trimmed := make([]envelope.Message, envelope.MaxMessages)
		copy(trimmed, ring[over:])
		ring = trimmed
	}
	return ring
}

func completeTasks(tasks map[string]envelope.TaskRecord, agentID string) map[string]envelope.TaskRecord {
	var out map[string]envelope.TaskRecord
	for id, t := range tasks {
		if t.AgentID != agentID || t.Status != envelope.TaskAssigned {
			continue
		}
		if out == nil {
			out = copyTasks(tasks)
		}
		t.Status = envelope.TaskDone
		out[id] = t
	}
	if out == nil {
		return tasks
	}
	return out
}

func copyAgents(m map[string]envelope.AgentRecord) map[string]envelope.AgentRecord {
	out := make(map[string]envelope.AgentRecord, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTasks(m map[string]envelope.TaskRecord) map[string]envelope.TaskRecord {
	out := make(map[string]envelope.TaskRecord, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
