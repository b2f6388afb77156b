// Package bridge runs CLI coding tools on behalf of agents and turns their
// terminal output into envelopes.
//
// Every invocation emits one "thinking" status when it starts, optional
// progress messages while it runs, and exactly one reply message followed by
// one "replied" or "error" status when it ends. An invocation stopped with
// Cancel emits nothing further, not even a reply already being sent; one
// stopped because its caller's context ended reports an error status.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/interpret"
)

// Defaults.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	publishTimeout      = 10 * time.Second
)

// ErrBusy is returned when an agent already has an invocation in flight.
var ErrBusy = errors.New("agent busy")

// errCancelled is the cancellation cause used by Cancel.
var errCancelled = errors.New("invocation cancelled")

// stoppedMessage is reported for invocations cut short by shutdown.
const stoppedMessage = "Bridge stopped"

// Sink receives the envelopes a bridge produces.
type Sink interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// Request is one unit of work for an agent.
type Request struct {
	AgentID string
	TaskID  string
	Title   string
	Details string
}

// Prompt returns the text handed to the tool.
func (r Request) Prompt() string {
	if r.Details == "" {
		return r.Title
	}
	if r.Title == "" {
		return r.Details
	}
	return r.Title + "\n\n" + r.Details
}

type invocation struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Bridge runs at most one tool invocation per agent at a time.
type Bridge struct {
	sink         Sink
	logger       *slog.Logger
	timeout      time.Duration
	pollInterval time.Duration
	bufferLimit  int
	emitProgress bool

	mu      sync.Mutex
	running map[string]*invocation
	wg      sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithTimeout sets the wall-clock limit of one invocation.
func WithTimeout(d time.Duration) Option { return func(b *Bridge) { b.timeout = d } }

// WithPollInterval sets how often completion is re-checked while the tool
// is silent.
func WithPollInterval(d time.Duration) Option { return func(b *Bridge) { b.pollInterval = d } }

// WithBufferLimit bounds the output kept per invocation.
func WithBufferLimit(n int) Option { return func(b *Bridge) { b.bufferLimit = n } }

// WithEmitProgress makes the bridge publish progress, file-change and error
// lines as collapsible log messages while the tool runs.
func WithEmitProgress(on bool) Option { return func(b *Bridge) { b.emitProgress = on } }

// New creates a bridge publishing to sink.
func New(sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		sink:         sink,
		logger:       slog.Default(),
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		bufferLimit:  DefaultBufferLimit,
		running:      make(map[string]*invocation),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Busy reports whether agentID has an invocation in flight.
func (b *Bridge) Busy(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.running[agentID]
	return ok
}

func (b *Bridge) acquire(ctx context.Context, agentID string) (context.Context, *invocation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.running[agentID]; ok {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(ctx)
	inv := &invocation{cancel: cancel, done: make(chan struct{})}
	b.running[agentID] = inv
	return ctx, inv, true
}

func (b *Bridge) release(agentID string, inv *invocation) {
	b.mu.Lock()
	if b.running[agentID] == inv {
		delete(b.running, agentID)
	}
	b.mu.Unlock()
	inv.cancel(nil)
	close(inv.done)
}

// Dispatch starts req in the background. It returns false, dropping the
// request, if the agent is already busy.
func (b *Bridge) Dispatch(ctx context.Context, req Request, l Launch) bool {
	ictx, inv, ok := b.acquire(ctx, req.AgentID)
	if !ok {
		b.logger.Info("request dropped, agent busy", "agent", req.AgentID, "task", req.TaskID)
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.release(req.AgentID, inv)
		if err := b.run(ictx, req, l); err != nil {
			b.logger.Error("invocation failed", "agent", req.AgentID, "error", err)
		}
	}()
	return true
}

// Run executes req synchronously. It returns ErrBusy if the agent already
// has an invocation in flight.
func (b *Bridge) Run(ctx context.Context, req Request, l Launch) error {
	ictx, inv, ok := b.acquire(ctx, req.AgentID)
	if !ok {
		return fmt.Errorf("run %s: %w", req.AgentID, ErrBusy)
	}
	defer b.release(req.AgentID, inv)
	return b.run(ictx, req, l)
}

// Cancel terminates the agent's in-flight invocation, if any, and waits for
// it to wind down. No further envelopes are published for it.
func (b *Bridge) Cancel(agentID string) bool {
	b.mu.Lock()
	inv, ok := b.running[agentID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	inv.cancel(errCancelled)
	<-inv.done
	b.logger.Info("invocation cancelled", "agent", agentID)
	return true
}

// Wait blocks until every dispatched invocation has returned.
func (b *Bridge) Wait() { b.wg.Wait() }

func (b *Bridge) run(ctx context.Context, req Request, l Launch) error {
	log := b.logger.With("agent", req.AgentID, "tool", l.Tool)
	in := interpret.Lookup(l.Tool)

	summary := req.Title
	if strings.TrimSpace(summary) == "" {
		summary = "Working"
	}
	if err := b.publishStatus(ctx, req.AgentID, envelope.StatusThinking, summary); err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	proc, err := start(tctx, l, req.Prompt())
	if err != nil {
		return b.finish(ctx, req.AgentID, interpret.CompletionResult{Done: true, Error: err.Error()})
	}
	log.Info("invocation started", "pid", proc.cmd.Process.Pid, "task", req.TaskID)

	chunks := make(chan []byte, 16)
	go readChunks(proc.out, chunks)

	buf := newOutputBuffer(b.bufferLimit)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				if tail := buf.flush(); tail != "" {
					b.handleLine(ctx, log, in, req.AgentID, tail)
				}
				waitErr := proc.cmd.Wait()
				proc.out.Close()
				if stopped(ctx, tctx) {
					return b.interrupted(ctx, log, req.AgentID)
				}
				return b.finish(ctx, req.AgentID, in.Conclude(buf.String(), waitErr))
			}
			for _, line := range buf.write(chunk) {
				b.handleLine(ctx, log, in, req.AgentID, line)
			}
			if res := in.DetectCompletion(string(chunk), buf.String()); res.Done {
				stop(proc, chunks)
				return b.finish(ctx, req.AgentID, res)
			}

		case <-ticker.C:
			if buf.Len() == 0 {
				continue
			}
			if res := in.DetectCompletion("", buf.String()); res.Done {
				stop(proc, chunks)
				return b.finish(ctx, req.AgentID, res)
			}

		case <-tctx.Done():
			stop(proc, chunks)
			return b.interrupted(ctx, log, req.AgentID)
		}
	}
}

// stop terminates proc and drains whatever the reader still had queued.
func stop(proc *process, chunks <-chan []byte) {
	proc.stop()
	for range chunks {
	}
}

// cancelled reports whether ctx was ended by Cancel.
func cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errCancelled)
}

// stopped reports whether the invocation ended because it was cancelled or
// timed out rather than by the process exiting on its own.
func stopped(ctx, tctx context.Context) bool {
	return ctx.Err() != nil || errors.Is(tctx.Err(), context.DeadlineExceeded)
}

// interrupted publishes the outcome of a cancelled or timed-out invocation.
func (b *Bridge) interrupted(ctx context.Context, log *slog.Logger, agentID string) error {
	if cancelled(ctx) {
		log.Info("invocation stopped", "cause", context.Cause(ctx))
		return nil
	}
	if ctx.Err() != nil {
		log.Info("invocation stopped by shutdown", "cause", context.Cause(ctx))
		return b.finish(ctx, agentID, interpret.CompletionResult{Done: true, Error: stoppedMessage})
	}
	log.Warn("invocation timed out", "timeout", b.timeout)
	return b.finish(ctx, agentID, interpret.CompletionResult{
		Done:  true,
		Error: fmt.Sprintf("Timed out after %s", b.timeout),
	})
}

// handleLine classifies one complete line and publishes it when progress
// reporting is on.
func (b *Bridge) handleLine(ctx context.Context, log *slog.Logger, in *interpret.Interpreter, agentID, line string) {
	out := in.ClassifyLine(line)
	switch out.Type {
	case interpret.TypeText:
		if out.Content != "" {
			log.Debug("unrecognized output", "line", out.Content)
		}
		return
	case interpret.TypeProgress, interpret.TypeFileChange, interpret.TypeError:
	default:
		return
	}
	if !b.emitProgress {
		return
	}
	text := out.Content
	if out.Type == interpret.TypeFileChange {
		text = fmt.Sprintf("%s %s", out.Metadata["action"], out.Metadata["file"])
	}
	env, err := envelope.Text(agentID, envelope.ChannelLog, text, true)
	if err != nil {
		log.Warn("build progress message", "error", err)
		return
	}
	if err := b.publish(ctx, env); err != nil {
		log.Info("progress message not delivered", "error", err)
	}
}

// finish publishes the terminal reply message and status. Nothing is
// published once the invocation has been cancelled, so a deleted agent is
// not recreated by its own late reply.
func (b *Bridge) finish(ctx context.Context, agentID string, res interpret.CompletionResult) error {
	text := res.Summary
	status, summary := envelope.StatusReplied, "New message"
	if res.Error != "" {
		text = res.Error
		status, summary = envelope.StatusError, res.Error
	}
	if strings.TrimSpace(text) == "" {
		text = "Completed"
	}

	// Terminal events go out even when the caller's context has ended.
	ictx := ctx
	ctx = context.WithoutCancel(ctx)

	reply, err := envelope.Text(agentID, envelope.ChannelReply, text, false)
	if err != nil {
		return err
	}
	if cancelled(ictx) {
		return nil
	}
	if err := b.publish(ctx, reply); err != nil {
		return err
	}
	if cancelled(ictx) {
		return nil
	}
	return b.publishStatus(ctx, agentID, status, summary)
}

func (b *Bridge) publishStatus(ctx context.Context, agentID, status, summary string) error {
	env, err := envelope.Status(agentID, status, summary)
	if err != nil {
		return err
	}
	return b.publish(ctx, env)
}

func (b *Bridge) publish(ctx context.Context, env *envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.sink.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// readChunks copies r into out until r fails, then closes out. A PTY reports
// EIO rather than EOF once the child exits; both end the stream.
func readChunks(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}
