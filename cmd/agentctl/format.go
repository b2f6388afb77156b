package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

func useColor(out io.Writer) bool {
	if noColor {
		return false
	}
	return shouldUseColorAuto(out)
}

func shouldUseColorAuto(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func statusColor(status string) text.Colors {
	switch status {
	case envelope.StatusThinking, envelope.StatusWorking:
		return text.Colors{text.FgYellow}
	case envelope.StatusReplied, envelope.StatusFinished, envelope.StatusReviewed:
		return text.Colors{text.FgGreen}
	case envelope.StatusError, envelope.StatusBlocked:
		return text.Colors{text.FgRed}
	default:
		return nil
	}
}

func paintStatus(status string, color bool) string {
	if c := statusColor(status); color && c != nil {
		return c.Sprint(status)
	}
	return status
}

func writeAgents(w io.Writer, agents []envelope.AgentRecord, format string, color bool) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeAgentsTable(w, agents, color)
	case "plain":
		for _, a := range agents {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, a.CLI, escapeNewlines(a.Summary)); err != nil {
				return err
			}
		}
		return nil
	case "json":
		return writeJSON(w, agents)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeAgentsTable(w io.Writer, agents []envelope.AgentRecord, color bool) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 6, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 60},
	})
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "CLI", "Messages", "Summary"})
	for _, a := range agents {
		tw.AppendRow(table.Row{a.ID, a.Name, paintStatus(a.Status, color), a.CLI, len(a.Messages), escapeNewlines(a.Summary)})
	}
	if len(agents) == 0 {
		tw.AppendRow(table.Row{"-", "(no agents)", "-", "-", 0, "-"})
	}
	tw.Render()
	return nil
}

func writeTasks(w io.Writer, tasks []envelope.TaskRecord, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.SetStyle(table.StyleRounded)
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 4, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
			{Number: 5, WidthMax: 60},
		})
		tw.AppendHeader(table.Row{"Task", "Agent", "Created", "Status", "Title"})
		for _, t := range tasks {
			tw.AppendRow(table.Row{t.TaskID, t.AgentID, t.CreatedAt, t.Status, escapeNewlines(t.Title)})
		}
		if len(tasks) == 0 {
			tw.AppendRow(table.Row{"-", "-", "-", "-", "(no tasks)"})
		}
		tw.Render()
		return nil
	case "plain":
		for _, t := range tasks {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.TaskID, t.AgentID, t.Status, escapeNewlines(t.Title)); err != nil {
				return err
			}
		}
		return nil
	case "json":
		return writeJSON(w, tasks)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// printEvent writes one envelope as a single human-readable line.
func printEvent(w io.Writer, env *envelope.Envelope, color bool) {
	if strings.EqualFold(formatFlag, "json") {
		data, _ := json.Marshal(env)
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "%s %-14s %-12s %s\n", env.Timestamp, env.Type, env.AgentID, describe(env, color))
}

func describe(env *envelope.Envelope, color bool) string {
	payload, err := env.Check()
	if err != nil {
		return "(invalid: " + err.Error() + ")"
	}
	switch p := payload.(type) {
	case *envelope.StatusPayload:
		if p.Summary == "" {
			return paintStatus(p.Status, color)
		}
		return paintStatus(p.Status, color) + " " + escapeNewlines(p.Summary)
	case *envelope.MessagePayload:
		return "[" + p.Channel + "] " + escapeNewlines(p.Text)
	case *envelope.PositionPayload:
		return fmt.Sprintf("(%g, %g)", *p.X, *p.Y)
	case *envelope.TaskAssignPayload:
		return p.TaskID + " " + escapeNewlines(p.Title)
	case *envelope.ControlPayload:
		return p.Command
	case *envelope.SnapshotPayload:
		return fmt.Sprintf("%d agents, %d tasks", len(p.Agents), len(p.Tasks))
	default:
		return ""
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
