// Package envelope defines the wire format shared by every producer and
// consumer of agent events, and the validation every received envelope must
// pass before it is used.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the unit of exchange between bridges, the relay and observers.
type Envelope struct {
	Type      Kind            `json:"type"`
	AgentID   string          `json:"agentId"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// Seq is assigned by the relay when it applies the envelope; a snapshot
	// carries the sequence of the last envelope it reflects. Producers
	// leave it zero and the relay overwrites whatever they send.
	Seq uint64 `json:"seq,omitempty"`
}

// Now formats t the way envelope timestamps are written.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t as an ISO-8601 timestamp in UTC with millisecond
// precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTime parses an ISO-8601 timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Time returns the parsed envelope timestamp. ok is false when the envelope
// carries no timestamp.
func (e *Envelope) Time() (t time.Time, ok bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := ParseTime(e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Check validates the envelope's own fields and its payload, returning the
// typed payload on success.
func (e *Envelope) Check() (any, error) {
	payload, err := Validate(e.Type, e.Payload)
	if err != nil {
		return nil, err
	}
	if e.Type != KindSnapshot && strings.TrimSpace(e.AgentID) == "" {
		return nil, invalid(e.Type, "agentId", "required")
	}
	if e.Timestamp != "" {
		if _, err := ParseTime(e.Timestamp); err != nil {
			return nil, invalid(e.Type, "timestamp", "not an ISO-8601 timestamp")
		}
	}
	return payload, nil
}

// Decode parses and validates a serialized envelope. Malformed input yields
// a *ValidationError carrying the original decoder detail.
func Decode(data []byte) (*Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, &ValidationError{Field: "envelope", Reason: err.Error(), Err: ErrInvalidPayload}
	}
	payload, err := env.Check()
	if err != nil {
		return nil, nil, err
	}
	return &env, payload, nil
}

// New builds a timestamped envelope for payload and validates it, so a
// producer can never emit something consumers would reject.
func New(kind Kind, agentID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := &Envelope{
		Type:      kind,
		AgentID:   agentID,
		Timestamp: Now(),
		Payload:   raw,
	}
	if _, err := env.Check(); err != nil {
		return nil, err
	}
	return env, nil
}

// Status builds an agent.status envelope.
func Status(agentID, status, summary string) (*Envelope, error) {
	return New(KindStatus, agentID, StatusPayload{Status: status, Summary: summary})
}

// Text builds an agent.message envelope.
func Text(agentID, channel, text string, collapsible bool) (*Envelope, error) {
	p := MessagePayload{Text: text, Channel: channel}
	if collapsible {
		p.Collapsible = &collapsible
	}
	return New(KindMessage, agentID, p)
}
