// Package client is the HTTP producer side of the relay API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// TransportError reports a failed exchange with the relay: the request never
// got a response, or the relay answered with an error status.
type TransportError struct {
	Op     string
	Status int    // zero when no response was received
	Detail string // relay's error message, if any
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: relay returned %d: %s", e.Op, e.Status, e.Detail)
	default:
		return fmt.Sprintf("%s: relay returned %d", e.Op, e.Status)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to a relay's HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for the relay at baseURL (for example
// http://127.0.0.1:8750).
func New(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SocketURL returns the relay's WebSocket endpoint.
func (c *Client) SocketURL() string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Publish posts one envelope.
func (c *Client) Publish(ctx context.Context, env *envelope.Envelope) error {
	return c.do(ctx, "publish "+string(env.Type), http.MethodPost, "/api/events", env, nil)
}

// Health returns the relay's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, "health", http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// RegisterRequest mirrors the relay's registration body.
type RegisterRequest struct {
	ID   string          `json:"agentId"`
	Name string          `json:"name,omitempty"`
	Desk *envelope.Point `json:"desk,omitempty"`
	CLI  string          `json:"cli,omitempty"`
}

// Register creates or updates an agent.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (envelope.AgentRecord, error) {
	var out envelope.AgentRecord
	err := c.do(ctx, "register "+req.ID, http.MethodPost, "/api/agents", req, &out)
	return out, err
}

// Agents lists every agent.
func (c *Client) Agents(ctx context.Context) ([]envelope.AgentRecord, error) {
	var out []envelope.AgentRecord
	err := c.do(ctx, "list agents", http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// Tasks lists tasks, optionally only those of agentID.
func (c *Client) Tasks(ctx context.Context, agentID string) ([]envelope.TaskRecord, error) {
	path := "/api/tasks"
	if agentID != "" {
		path += "?agentId=" + url.QueryEscape(agentID)
	}
	var out []envelope.TaskRecord
	err := c.do(ctx, "list tasks", http.MethodGet, path, nil, &out)
	return out, err
}

// CreateTask assigns a new task to agentID.
func (c *Client) CreateTask(ctx context.Context, agentID, title, details string) (envelope.TaskRecord, error) {
	body := map[string]string{"agentId": agentID, "title": title, "details": details}
	var out envelope.TaskRecord
	err := c.do(ctx, "create task", http.MethodPost, "/api/tasks", body, &out)
	return out, err
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, "delete "+agentID, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID), nil, nil)
}

// ResetAgent clears an agent's conversation.
func (c *Client) ResetAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, "reset "+agentID, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/reset", nil, nil)
}

// Events lists up to limit recent envelopes.
func (c *Client) Events(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	var out []envelope.Envelope
	err := c.do(ctx, "list events", http.MethodGet, "/api/events?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &TransportError{Op: op, Status: resp.StatusCode, Detail: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
