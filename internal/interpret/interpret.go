// Package interpret turns unstructured terminal output from CLI coding tools
// into classified signals. It is a best-effort heuristic layer: unmatched
// lines are plain text and nothing in it ever fails on unrecognized input.
package interpret

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// OutputType classifies one line of output.
type OutputType string

// Output types, in classification priority order (completion is only
// produced by completion detection).
const (
	TypeError      OutputType = "error"
	TypeFileChange OutputType = "file-change"
	TypeProgress   OutputType = "progress"
	TypeText       OutputType = "text"
	TypeCompletion OutputType = "completion"
)

// ParsedOutput is the classification of a single line.
type ParsedOutput struct {
	Type     OutputType        `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CompletionResult reports whether an invocation has finished.
type CompletionResult struct {
	Done    bool   `json:"done"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Classifier recognizes one family of lines. Classify receives an already
// cleaned line.
type Classifier interface {
	Classify(line string) (ParsedOutput, bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(line string) (ParsedOutput, bool)

// Classify calls f.
func (f ClassifierFunc) Classify(line string) (ParsedOutput, bool) { return f(line) }

// Clean strips terminal escape sequences and other control characters from
// s. Every pattern in this package matches against cleaned text only.
func Clean(s string) string {
	// A carriage return redraws the line; keep what was drawn last.
	s = strings.TrimRight(s, "\r")
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	s = ansi.Strip(s)
	s = strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Lines splits output into cleaned lines, dropping empty ones.
func Lines(s string) []string {
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if c := Clean(l); c != "" {
			out = append(out, c)
		}
	}
	return out
}
