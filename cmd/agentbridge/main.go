// agentbridge runs CLI coding tools for the agents listed in its
// configuration. It registers those agents with the relay, watches the
// relay for task assignments and chat messages addressed to them, runs the
// configured tool for each, and publishes the tool's progress and result.
//
// Usage:
//
//	agentbridge [--config agentrelay.yaml] [--url http://127.0.0.1:8750] [--emit-progress]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/agentrelay/internal/bridge"
	"github.com/ssd-technologies/agentrelay/internal/client"
	"github.com/ssd-technologies/agentrelay/internal/config"
	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/observer"
	"github.com/ssd-technologies/agentrelay/internal/state"
)

const registerRetry = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("agentbridge", pflag.ExitOnError)
	configPath := flags.String("config", "", "configuration file (default $AGENTRELAY_CONFIG)")
	url := flags.String("url", "", "relay base URL")
	token := flags.String("token", "", "relay bearer token")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	emitProgress := flags.Bool("emit-progress", false, "publish progress lines as collapsible log messages")
	flags.Parse(os.Args[1:])

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	if *url != "" {
		cfg.Bridge.URL = *url
	}
	if *token != "" {
		cfg.Bridge.Token = *token
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("emit-progress") {
		cfg.Bridge.EmitProgress = *emitProgress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Bridge.Agents) == 0 {
		return errors.New("no agents configured under bridge.agents")
	}

	logger, err := config.NewLogger(os.Stderr, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	timeout, _ := cfg.Bridge.TimeoutDuration()
	relayClient := client.New(cfg.Bridge.URL, cfg.Bridge.Token)
	b := bridge.New(relayClient,
		bridge.WithLogger(logger),
		bridge.WithTimeout(timeout),
		bridge.WithEmitProgress(cfg.Bridge.EmitProgress),
	)
	obs := observer.New(relayClient.SocketURL(),
		observer.WithLogger(logger),
		observer.WithToken(cfg.Bridge.Token),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, agent := range cfg.Bridge.Agents {
		obs.OnAgent(agent.ID, route(ctx, logger, b, agent))
	}
	obs.OnSnapshot(func(st state.State) {
		for _, agent := range cfg.Bridge.Agents {
			if _, ok := st.Agents[agent.ID]; !ok {
				logger.Warn("configured agent missing from relay", "agent", agent.ID)
			}
		}
	})

	g.Go(func() error {
		return registerAll(ctx, logger, relayClient, cfg.Bridge.Agents)
	})
	g.Go(func() error {
		return obs.Run(ctx)
	})

	logger.Info("bridge started", "relay", cfg.Bridge.URL, "agents", len(cfg.Bridge.Agents), "timeout", timeout)
	err = g.Wait()
	b.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// route returns the observer handler for one configured agent.
func route(ctx context.Context, logger *slog.Logger, b *bridge.Bridge, agent config.AgentConfig) observer.Handler {
	launch := agent.Launch()
	return func(env *envelope.Envelope, payload any) {
		switch p := payload.(type) {
		case *envelope.TaskAssignPayload:
			b.Dispatch(ctx, bridge.Request{
				AgentID: env.AgentID,
				TaskID:  p.TaskID,
				Title:   p.Title,
				Details: p.Details,
			}, launch)

		case *envelope.MessagePayload:
			if p.Channel != envelope.ChannelTask {
				return
			}
			b.Dispatch(ctx, bridge.Request{AgentID: env.AgentID, Title: p.Text}, launch)

		case *envelope.ControlPayload:
			// Cancel waits for the invocation to wind down; keep the
			// observer's read loop moving.
			go func() {
				if b.Cancel(env.AgentID) {
					logger.Info("terminated in-flight invocation", "agent", env.AgentID, "command", p.Command)
				}
			}()
		}
	}
}

// registerAll registers every configured agent, retrying while the relay is
// unreachable.
func registerAll(ctx context.Context, logger *slog.Logger, c *client.Client, agents []config.AgentConfig) error {
	for _, agent := range agents {
		req := client.RegisterRequest{
			ID:   agent.ID,
			Name: agent.Name,
			Desk: agent.Desk,
			CLI:  agent.Launch().Tool,
		}
		for {
			_, err := c.Register(ctx, req)
			if err == nil {
				logger.Info("agent registered", "agent", agent.ID, "cli", req.CLI)
				break
			}
			var terr *client.TransportError
			if errors.As(err, &terr) && terr.Status != 0 {
				return fmt.Errorf("register %s: %w", agent.ID, err)
			}
			logger.Info("relay unreachable, retrying", "agent", agent.ID, "error", err, "retry_in", registerRetry)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(registerRetry):
			}
		}
	}
	return nil
}
