// agentctl is the operator CLI for a relay: list agents and tasks, assign
// work, reset or delete agents, and watch the live event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/agentrelay/internal/client"
	"github.com/ssd-technologies/agentrelay/internal/config"
	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/observer"
)

var (
	configPath  string
	relayURL    string
	relayToken  string
	formatFlag  string
	noColor     bool
	httpTimeout = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:           "agentctl",
	Short:         "Inspect and steer agents through an agentrelay relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "configuration file (default $AGENTRELAY_CONFIG)")
	pf.StringVar(&relayURL, "url", "", "relay base URL (default from config)")
	pf.StringVar(&relayToken, "token", "", "relay bearer token (default from config)")
	pf.StringVarP(&formatFlag, "format", "o", "table", "output format: table, plain, json")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newAgentsCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newAssignCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newWatchCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

// relayClient builds a client from flags over the configuration file.
func relayClient() (*client.Client, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	url, token := cfg.Bridge.URL, cfg.Bridge.Token
	if relayURL != "" {
		url = relayURL
	}
	if relayToken != "" {
		token = relayToken
	}
	if url == "" {
		return nil, errors.New("relay URL not set; use --url or bridge.url in the config")
	}
	return client.New(url, token), nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), httpTimeout)
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls"},
		Short:   "List agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			agents, err := c.Agents(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return writeAgents(out, agents, formatFlag, useColor(out))
		},
	}
}

func newTasksCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			tasks, err := c.Tasks(ctx, agentID)
			if err != nil {
				return err
			}
			return writeTasks(cmd.OutOrStdout(), tasks, formatFlag)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only tasks assigned to this agent")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var name, cli string
	var deskX, deskY float64
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Create or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			req := client.RegisterRequest{ID: args[0], Name: name, CLI: cli}
			if cmd.Flags().Changed("desk-x") || cmd.Flags().Changed("desk-y") {
				req.Desk = &envelope.Point{X: deskX, Y: deskY}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := c.Register(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", rec.ID, rec.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&cli, "cli", "", "CLI tool serving the agent")
	cmd.Flags().Float64Var(&deskX, "desk-x", 0, "desk x coordinate")
	cmd.Flags().Float64Var(&deskY, "desk-y", 0, "desk y coordinate")
	return cmd
}

func newAssignCmd() *cobra.Command {
	var details string
	cmd := &cobra.Command{
		Use:   "assign <agent-id> <title>",
		Short: "Assign a task to an agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			task, err := c.CreateTask(ctx, args[0], strings.Join(args[1:], " "), details)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to %s\n", task.TaskID, task.AgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&details, "details", "", "task details")
	return cmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <agent-id> <text>",
		Short: "Send a chat message to an agent as a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			env, err := envelope.Text(args[0], envelope.ChannelTask, strings.Join(args[1:], " "), false)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return c.Publish(ctx, env)
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <agent-id>",
		Short: "Clear an agent's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return c.ResetAgent(ctx, args[0])
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent, terminating any work in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return c.DeleteAgent(ctx, args[0])
		},
	}
}

func newEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent envelopes from the relay's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			events, err := c.Events(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range events {
				printEvent(out, &events[i], useColor(out))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of envelopes")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			token := relayToken
			if token == "" {
				if cfg, err := config.Resolve(configPath); err == nil {
					token = cfg.Bridge.Token
				}
			}
			logger, _ := config.NewLogger(cmd.ErrOrStderr(), "warn")
			obs := observer.New(c.SocketURL(), observer.WithToken(token), observer.WithLogger(logger))

			out := cmd.OutOrStdout()
			color := useColor(out)
			show := func(env *envelope.Envelope, _ any) { printEvent(out, env, color) }
			if agentID != "" {
				obs.OnAgent(agentID, show)
			} else {
				obs.OnAny(show)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only events for this agent")
	return cmd
}

