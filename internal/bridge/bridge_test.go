package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// recordingSink collects published envelopes.
type recordingSink struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (s *recordingSink) Publish(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSink) all() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*envelope.Envelope(nil), s.envs...)
}

func newTestBridge(t *testing.T, opts ...Option) (*Bridge, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(sink, append([]Option{WithLogger(logger), WithPollInterval(50 * time.Millisecond)}, opts...)...)
	return b, sink
}

func shell(script string) Launch {
	return Launch{Tool: "shell", Command: "sh", Args: []string{"-c", script}}
}

func status(t *testing.T, env *envelope.Envelope) envelope.StatusPayload {
	t.Helper()
	var p envelope.StatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	return p
}

func message(t *testing.T, env *envelope.Envelope) envelope.MessagePayload {
	t.Helper()
	var p envelope.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return p
}

// terminal returns the reply message and final status, failing unless the
// sequence is thinking, [log...], reply, status.
func terminal(t *testing.T, envs []*envelope.Envelope) (envelope.MessagePayload, envelope.StatusPayload) {
	t.Helper()
	if len(envs) < 3 {
		t.Fatalf("got %d envelopes, want at least 3", len(envs))
	}
	if envs[0].Type != envelope.KindStatus || status(t, envs[0]).Status != envelope.StatusThinking {
		t.Fatalf("first envelope should be thinking status, got %s %s", envs[0].Type, envs[0].Payload)
	}
	replies := 0
	for _, env := range envs {
		if env.Type == envelope.KindMessage && message(t, env).Channel == envelope.ChannelReply {
			replies++
		}
	}
	if replies != 1 {
		t.Fatalf("got %d reply messages, want exactly 1", replies)
	}
	reply, last := envs[len(envs)-2], envs[len(envs)-1]
	if reply.Type != envelope.KindMessage || last.Type != envelope.KindStatus {
		t.Fatalf("tail = %s, %s; want message, status", reply.Type, last.Type)
	}
	return message(t, reply), status(t, last)
}

func TestRun_ProcessExitSummarizes(t *testing.T) {
	b, sink := newTestBridge(t)
	req := Request{AgentID: "a1", Title: "Say hi"}
	if err := b.Run(context.Background(), req, shell(`echo "first line"; echo "all good"`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, st := terminal(t, sink.all())
	if reply.Text != "first line all good" {
		t.Errorf("reply = %q", reply.Text)
	}
	if st.Status != envelope.StatusReplied || st.Summary != "New message" {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_PromptPassedAsArgument(t *testing.T) {
	b, sink := newTestBridge(t)
	req := Request{AgentID: "a1", Title: "Title", Details: "body"}
	// With sh -c the appended prompt becomes $0.
	if err := b.Run(context.Background(), req, shell(`printf '%s' "$0" | tr '\n' '|'; echo`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, _ := terminal(t, sink.all())
	if reply.Text != "Title||body" {
		t.Errorf("reply = %q, want prompt echoed", reply.Text)
	}
}

func TestRun_PromptOnStdin(t *testing.T) {
	b, sink := newTestBridge(t)
	l := shell(`read line; echo "got $line"`)
	l.PromptMode = PromptStdin
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "hello"}, l); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, _ := terminal(t, sink.all())
	if reply.Text != "got hello" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestRun_MarkerCompletesWhileProcessRuns(t *testing.T) {
	b, sink := newTestBridge(t)
	started := time.Now()
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(`echo "patched the parser"; echo Done.; sleep 30`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(started) > 10*time.Second {
		t.Fatal("completion marker did not end the invocation")
	}
	reply, st := terminal(t, sink.all())
	if reply.Text != "patched the parser" || st.Status != envelope.StatusReplied {
		t.Errorf("reply = %q status = %+v", reply.Text, st)
	}
}

func TestRun_ErrorBeatsSuccess(t *testing.T) {
	b, sink := newTestBridge(t)
	script := `echo "error: could not open config"; echo "but carried on"; echo Done.; sleep 30`
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(script)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, st := terminal(t, sink.all())
	if st.Status != envelope.StatusError {
		t.Fatalf("status = %+v, want error", st)
	}
	if reply.Text != "error: could not open config" || st.Summary != reply.Text {
		t.Errorf("reply = %q summary = %q", reply.Text, st.Summary)
	}
}

func TestRun_NonZeroExitIsError(t *testing.T) {
	b, sink := newTestBridge(t)
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(`exit 3`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, st := terminal(t, sink.all())
	if st.Status != envelope.StatusError || !strings.Contains(st.Summary, "exit status 3") {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_Timeout(t *testing.T) {
	b, sink := newTestBridge(t, WithTimeout(300*time.Millisecond))
	started := time.Now()
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(`sleep 30`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(started) > 10*time.Second {
		t.Fatal("timeout did not kill the process")
	}
	reply, st := terminal(t, sink.all())
	if st.Status != envelope.StatusError || st.Summary != "Timed out after 300ms" {
		t.Errorf("status = %+v", st)
	}
	if reply.Text != st.Summary {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestRun_StartFailureIsReported(t *testing.T) {
	b, sink := newTestBridge(t)
	l := Launch{Tool: "shell", Command: "/nonexistent/agent-cli"}
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, l); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, st := terminal(t, sink.all())
	if st.Status != envelope.StatusError {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_EmitsProgress(t *testing.T) {
	b, sink := newTestBridge(t, WithEmitProgress(true))
	script := `echo "Created: main.go"; echo "[1/3] compiling"; echo "plain words"`
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(script)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var logs []envelope.MessagePayload
	for _, env := range sink.all() {
		if env.Type == envelope.KindMessage {
			if m := message(t, env); m.Channel == envelope.ChannelLog {
				logs = append(logs, m)
			}
		}
	}
	if len(logs) != 2 {
		t.Fatalf("got %d log messages, want 2: %+v", len(logs), logs)
	}
	if logs[0].Text != "create main.go" {
		t.Errorf("file change = %q", logs[0].Text)
	}
	for _, m := range logs {
		if m.Collapsible == nil || !*m.Collapsible {
			t.Errorf("log message %q should be collapsible", m.Text)
		}
	}
}

func TestDispatch_OneInvocationPerAgent(t *testing.T) {
	b, sink := newTestBridge(t)
	ctx := context.Background()

	if !b.Dispatch(ctx, Request{AgentID: "a1", Title: "x"}, shell(`sleep 30`)) {
		t.Fatal("first dispatch should start")
	}
	if b.Dispatch(ctx, Request{AgentID: "a1", Title: "y"}, shell(`echo hi`)) {
		t.Fatal("second dispatch for a busy agent should be dropped")
	}
	if err := b.Run(ctx, Request{AgentID: "a1", Title: "z"}, shell(`echo hi`)); !errors.Is(err, ErrBusy) {
		t.Fatalf("Run err = %v, want ErrBusy", err)
	}
	if !b.Busy("a1") {
		t.Fatal("a1 should be busy")
	}

	// Another agent is independent.
	if err := b.Run(ctx, Request{AgentID: "a2", Title: "x"}, shell(`echo other`)); err != nil {
		t.Fatalf("Run a2: %v", err)
	}

	if !b.Cancel("a1") {
		t.Fatal("Cancel should find the invocation")
	}
	b.Wait()
	if b.Busy("a1") {
		t.Fatal("a1 should be idle after cancel")
	}

	var a1 []*envelope.Envelope
	for _, env := range sink.all() {
		if env.AgentID == "a1" {
			a1 = append(a1, env)
		}
	}
	if len(a1) != 1 || status(t, a1[0]).Status != envelope.StatusThinking {
		t.Fatalf("cancelled invocation published %d envelopes, want only thinking", len(a1))
	}
	if b.Cancel("a1") {
		t.Error("second Cancel should report nothing to cancel")
	}
}

// holdingSink records envelopes but holds the first reply message until
// release is closed.
type holdingSink struct {
	recordingSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *holdingSink) Publish(ctx context.Context, env *envelope.Envelope) error {
	if env.Type == envelope.KindMessage && strings.Contains(string(env.Payload), `"channel":"reply"`) {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.recordingSink.Publish(ctx, env)
}

func TestCancel_WhileFinishingPublishesNoStatus(t *testing.T) {
	sink := &holdingSink{entered: make(chan struct{}), release: make(chan struct{})}
	b := New(sink, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithPollInterval(50*time.Millisecond))

	if !b.Dispatch(context.Background(), Request{AgentID: "a1", Title: "x"}, shell(`echo done`)) {
		t.Fatal("dispatch should start")
	}
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("invocation never reached its reply")
	}

	result := make(chan bool, 1)
	go func() { result <- b.Cancel("a1") }()
	// Let Cancel record its cause before the held reply is released.
	time.Sleep(50 * time.Millisecond)
	close(sink.release)

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("Cancel should find the finishing invocation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return")
	}
	b.Wait()

	for _, env := range sink.all()[1:] {
		if env.Type == envelope.KindStatus {
			t.Fatalf("status %s published after Cancel", env.Payload)
		}
	}
}

func TestDispatch_ShutdownReportsStopped(t *testing.T) {
	b, sink := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())

	if !b.Dispatch(ctx, Request{AgentID: "a1", Title: "x"}, shell(`sleep 30`)) {
		t.Fatal("dispatch should start")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(sink.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no thinking status")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	b.Wait()

	reply, st := terminal(t, sink.all())
	if st.Status != envelope.StatusError || st.Summary != "Bridge stopped" {
		t.Errorf("status = %s %q, want error \"Bridge stopped\"", st.Status, st.Summary)
	}
	if reply.Text != "Bridge stopped" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestRun_PTY(t *testing.T) {
	b, sink := newTestBridge(t)
	l := shell(`echo "from the terminal"`)
	l.PTY = true
	if err := b.Run(context.Background(), Request{AgentID: "a1", Title: "x"}, l); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, st := terminal(t, sink.all())
	if st.Status == envelope.StatusError && strings.Contains(st.Summary, "pty start") {
		t.Skipf("no pseudo-terminal available: %s", st.Summary)
	}
	if reply.Text != "from the terminal" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestOutputBuffer(t *testing.T) {
	buf := newOutputBuffer(16)
	if lines := buf.write([]byte("abc\nde")); len(lines) != 1 || lines[0] != "abc" {
		t.Fatalf("lines = %q", lines)
	}
	if lines := buf.write([]byte("f\n")); len(lines) != 1 || lines[0] != "def" {
		t.Fatalf("lines = %q", lines)
	}
	buf.write([]byte("0123456789\nxyz\n"))
	if buf.Len() > 16 {
		t.Fatalf("buffer grew to %d bytes", buf.Len())
	}
	if !strings.HasSuffix(buf.String(), "xyz\n") {
		t.Errorf("buffer lost newest bytes: %q", buf.String())
	}
	buf.write([]byte("tail"))
	if got := buf.flush(); got != "tail" {
		t.Errorf("flush = %q", got)
	}
}

func TestRequestPrompt(t *testing.T) {
	cases := []struct {
		req  Request
		want string
	}{
		{Request{Title: "t"}, "t"},
		{Request{Details: "d"}, "d"},
		{Request{Title: "t", Details: "d"}, "t\n\nd"},
	}
	for _, c := range cases {
		if got := c.req.Prompt(); got != c.want {
			t.Errorf("Prompt(%+v) = %q, want %q", c.req, got, c.want)
		}
	}
}
