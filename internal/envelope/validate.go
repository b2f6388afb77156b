package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownKind is wrapped by every rejection of an unrecognized type.
	ErrUnknownKind = errors.New("unknown envelope type")
	// ErrInvalidPayload is wrapped by every rejection of a malformed payload
	// or envelope field.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ValidationError describes why an envelope or payload was rejected.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Kind != "" {
		b.WriteString(string(e.Kind))
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(kind Kind, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason, Err: ErrInvalidPayload}
}

// Validate checks raw against the schema for kind and returns the typed
// payload: *StatusPayload, *MessagePayload, *PositionPayload,
// *TaskAssignPayload, *ControlPayload or *SnapshotPayload. It has no side
// effects and never returns a partially populated payload.
func Validate(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindStatus, KindMessage, KindPosition, KindTaskAssign, KindControl, KindSnapshot:
	default:
		return nil, &ValidationError{Kind: kind, Err: ErrUnknownKind}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid(kind, "payload", "must be a JSON object")
	}

	switch kind {
	case KindStatus:
		var p StatusPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if !validStatuses[p.Status] {
			return nil, invalid(kind, "status", fmt.Sprintf("unknown status %q", p.Status))
		}
		if strings.TrimSpace(p.Summary) == "" {
			return nil, invalid(kind, "summary", "required")
		}
		return &p, nil

	case KindMessage:
		var p MessagePayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, invalid(kind, "text", "required")
		}
		if !validChannels[p.Channel] {
			return nil, invalid(kind, "channel", fmt.Sprintf("unknown channel %q", p.Channel))
		}
		return &p, nil

	case KindPosition:
		var p PositionPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if p.X == nil {
			return nil, invalid(kind, "x", "required")
		}
		if p.Y == nil {
			return nil, invalid(kind, "y", "required")
		}
		return &p, nil

	case KindTaskAssign:
		var p TaskAssignPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if strings.TrimSpace(p.TaskID) == "" {
			return nil, invalid(kind, "taskId", "required")
		}
		if strings.TrimSpace(p.Title) == "" {
			return nil, invalid(kind, "title", "required")
		}
		return &p, nil

	case KindControl:
		var p ControlPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, invalid(kind, "payload", err.Error())
		}
		if !validCommands[p.Command] {
			return nil, invalid(kind, "command", fmt.Sprintf("unknown command %q", p.Command))
		}
		return &p, nil
	}

	return validateSnapshot(trimmed)
}

func validateSnapshot(raw []byte) (any, error) {
	var fields struct {
		Agents json.RawMessage `json:"agents"`
		Tasks  json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, invalid(KindSnapshot, "payload", err.Error())
	}
	if isNull(fields.Agents) {
		return nil, invalid(KindSnapshot, "agents", "required")
	}
	if isNull(fields.Tasks) {
		return nil, invalid(KindSnapshot, "tasks", "required")
	}

	p := SnapshotPayload{}
	if err := json.Unmarshal(fields.Agents, &p.Agents); err != nil {
		return nil, invalid(KindSnapshot, "agents", err.Error())
	}
	if err := json.Unmarshal(fields.Tasks, &p.Tasks); err != nil {
		return nil, invalid(KindSnapshot, "tasks", err.Error())
	}
	for i, a := range p.Agents {
		if a.ID == "" {
			return nil, invalid(KindSnapshot, fmt.Sprintf("agents[%d].id", i), "required")
		}
		if a.Status != "" && !validStatuses[a.Status] {
			return nil, invalid(KindSnapshot, fmt.Sprintf("agents[%d].status", i), fmt.Sprintf("unknown status %q", a.Status))
		}
	}
	for i, t := range p.Tasks {
		if t.TaskID == "" {
			return nil, invalid(KindSnapshot, fmt.Sprintf("tasks[%d].taskId", i), "required")
		}
		if t.AgentID == "" {
			return nil, invalid(KindSnapshot, fmt.Sprintf("tasks[%d].agentId", i), "required")
		}
		if t.Status != "" && !validTaskStatuses[t.Status] {
			return nil, invalid(KindSnapshot, fmt.Sprintf("tasks[%d].status", i), fmt.Sprintf("unknown status %q", t.Status))
		}
	}
	return &p, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
