package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/relay"
	"github.com/ssd-technologies/agentrelay/internal/storage"
)

func startRelay(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r, err := relay.New(fs, relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ts := httptest.NewServer(relay.NewServer(r, relay.ServerConfig{}))
	t.Cleanup(func() {
		ts.Close()
		r.Close()
	})
	return r, ts.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("AGENTRELAY_CONFIG", "")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRegisterAndListAgents(t *testing.T) {
	_, url := startRelay(t)

	out, err := execute(t, "--url", url, "register", "a1", "--name", "Alpha", "--cli", "claude")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "registered a1") {
		t.Errorf("register output = %q", out)
	}

	out, err = execute(t, "--url", url, "-o", "json", "agents")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	var agents []envelope.AgentRecord
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(agents) != 1 || agents[0].Name != "Alpha" || agents[0].CLI != "claude" {
		t.Errorf("agents = %+v", agents)
	}
}

func TestAssignCreatesTask(t *testing.T) {
	r, url := startRelay(t)
	if _, err := execute(t, "--url", url, "register", "a1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := execute(t, "--url", url, "assign", "a1", "fix", "the", "build", "--details", "ci is red")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !strings.Contains(out, "to a1") {
		t.Errorf("assign output = %q", out)
	}
	tasks := r.Tasks()
	if len(tasks) != 1 || tasks[0].Title != "fix the build" || tasks[0].Details != "ci is red" {
		t.Errorf("tasks = %+v", tasks)
	}

	out, err = execute(t, "--url", url, "-o", "plain", "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, "fix the build") || !strings.Contains(out, envelope.TaskAssigned) {
		t.Errorf("tasks output = %q", out)
	}
}

func TestSendPublishesTaskMessage(t *testing.T) {
	r, url := startRelay(t)
	if _, err := execute(t, "--url", url, "send", "a1", "hello", "there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	a, ok := r.Agent("a1")
	if !ok {
		t.Fatal("agent a1 not created")
	}
	if len(a.Messages) != 1 || a.Messages[0].Text != "hello there" || a.Messages[0].Channel != envelope.ChannelTask {
		t.Errorf("messages = %+v", a.Messages)
	}
}

func TestDeleteUnknownAgent(t *testing.T) {
	_, url := startRelay(t)
	_, err := execute(t, "--url", url, "delete", "ghost")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestEventsCommand(t *testing.T) {
	r, url := startRelay(t)
	env, _ := envelope.Status("a1", envelope.StatusThinking, "planning")
	if err := r.Submit(context.Background(), env); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out, err := execute(t, "--url", url, "-o", "plain", "events", "-n", "5")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "agent.status") || !strings.Contains(out, "thinking planning") {
		t.Errorf("events output = %q", out)
	}
}

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchStreamsEvents(t *testing.T) {
	r, url := startRelay(t)
	t.Setenv("AGENTRELAY_CONFIG", "")
	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"--url", url, "-o", "plain", "watch"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.Hub().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env, err := envelope.Status("a1", envelope.StatusWorking, "Compiling")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := r.Submit(context.Background(), env); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for !strings.Contains(out.String(), "working Compiling") {
		if time.Now().After(deadline) {
			t.Fatalf("watch output = %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWriteAgentsTable(t *testing.T) {
	var buf bytes.Buffer
	agents := []envelope.AgentRecord{{ID: "a1", Name: "Alpha", Status: envelope.StatusReplied, Summary: "line one\nline two"}}
	if err := writeAgents(&buf, agents, "table", false); err != nil {
		t.Fatalf("writeAgents: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"ID", "Alpha", "replied", `line one\nline two`} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestWriteAgentsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAgents(&buf, nil, "table", false); err != nil {
		t.Fatalf("writeAgents: %v", err)
	}
	if !strings.Contains(buf.String(), "(no agents)") {
		t.Errorf("empty table = %q", buf.String())
	}
}

func TestWriteAgentsUnsupportedFormat(t *testing.T) {
	if err := writeAgents(io.Discard, nil, "xml", false); err == nil {
		t.Fatal("expected error")
	}
}

func TestPaintStatus(t *testing.T) {
	if got := paintStatus(envelope.StatusError, false); got != "error" {
		t.Errorf("uncolored = %q", got)
	}
	if got := paintStatus(envelope.StatusError, true); got == "error" || !strings.Contains(got, "error") {
		t.Errorf("colored = %q", got)
	}
	if got := paintStatus(envelope.StatusIdle, true); got != "idle" {
		t.Errorf("idle = %q", got)
	}
}

func TestShouldUseColorAutoNonFile(t *testing.T) {
	if shouldUseColorAuto(&bytes.Buffer{}) {
		t.Error("buffer should not be colored")
	}
	t.Setenv("NO_COLOR", "1")
	if shouldUseColorAuto(&bytes.Buffer{}) {
		t.Error("NO_COLOR should disable color")
	}
}

func TestDescribe(t *testing.T) {
	env, _ := envelope.Text("a1", envelope.ChannelReply, "done", false)
	if got := describe(env, false); got != "[reply] done" {
		t.Errorf("describe = %q", got)
	}
	bad := &envelope.Envelope{Type: "nope", AgentID: "a1"}
	if got := describe(bad, false); !strings.HasPrefix(got, "(invalid") {
		t.Errorf("describe invalid = %q", got)
	}
}
