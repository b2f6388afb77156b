package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/relay"
	"github.com/ssd-technologies/agentrelay/internal/storage"
)

// setupTestRelay starts a relay behind an httptest server.
func setupTestRelay(t *testing.T, token string) *httptest.Server {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r, err := relay.New(fs, relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ts := httptest.NewServer(relay.NewServer(r, relay.ServerConfig{Token: token}))
	t.Cleanup(func() {
		ts.Close()
		r.Close()
	})
	return ts
}

func TestClient_RoundTrip(t *testing.T) {
	ts := setupTestRelay(t, "tok")
	c := New(ts.URL, "tok")
	ctx := context.Background()

	if _, err := c.Register(ctx, RegisterRequest{ID: "a1", Name: "Ada", CLI: "codex"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env, _ := envelope.Text("a1", envelope.ChannelReply, "hello", false)
	if err := c.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	task, err := c.CreateTask(ctx, "a1", "Review", "the diff")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	agents, err := c.Agents(ctx)
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	if len(agents) != 1 || agents[0].CLI != "codex" || len(agents[0].Messages) != 1 {
		t.Fatalf("agents = %+v", agents)
	}
	tasks, err := c.Tasks(ctx, "a1")
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != task.TaskID {
		t.Fatalf("tasks = %+v", tasks)
	}
	events, err := c.Events(ctx, 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}

	if err := c.ResetAgent(ctx, "a1"); err != nil {
		t.Fatalf("ResetAgent: %v", err)
	}
	if err := c.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if agents, _ := c.Agents(ctx); len(agents) != 0 {
		t.Errorf("agents after delete = %+v", agents)
	}
}

func TestClient_ErrorsCarryStatus(t *testing.T) {
	ts := setupTestRelay(t, "tok")
	ctx := context.Background()

	err := New(ts.URL, "wrong").DeleteAgent(ctx, "a1")
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 TransportError", err)
	}

	err = New(ts.URL, "tok").DeleteAgent(ctx, "ghost")
	if !errors.As(err, &terr) || terr.Status != http.StatusNotFound || terr.Detail == "" {
		t.Fatalf("err = %v, want 404 with detail", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", "")
	env, err := envelope.Status("a1", envelope.StatusIdle, "ready")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	err = c.Publish(context.Background(), env)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Status != 0 || terr.Err == nil {
		t.Fatalf("err = %v, want TransportError without status", err)
	}
}

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8750":  "ws://localhost:8750/ws",
		"https://relay.example/": "wss://relay.example/ws",
	}
	for in, want := range cases {
		if got := New(in, "").SocketURL(); got != want {
			t.Errorf("SocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
