package interpret

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// tailLines is how many trailing lines are searched for an idle marker.
	tailLines = 5
	// summaryLines is how many trailing lines make up a summary.
	summaryLines = 3
	// MaxSummary bounds the length of a completion summary in runes.
	MaxSummary = 200
)

// Variant is the tool-specific part of an interpreter. Its classifiers are
// consulted before the shared ones of the same stage; stages always run in
// the order error, file-change, progress.
type Variant struct {
	Name        string
	Errors      []Classifier
	FileChanges []Classifier
	Progress    []Classifier

	// Prompts match a line showing the tool has returned to idle.
	Prompts []*regexp.Regexp
	// Markers match the tool's own "finished" line.
	Markers []*regexp.Regexp
}

// Interpreter classifies lines and detects completion for one tool family.
// It is stateless and safe for concurrent use.
type Interpreter struct {
	name    string
	stages  [3][]Classifier
	prompts []*regexp.Regexp
	markers []*regexp.Regexp
}

// New builds an interpreter from v layered over the shared base chain.
func New(v Variant) *Interpreter {
	join := func(own, shared []Classifier) []Classifier {
		out := make([]Classifier, 0, len(own)+len(shared))
		out = append(out, own...)
		return append(out, shared...)
	}
	return &Interpreter{
		name: v.Name,
		stages: [3][]Classifier{
			join(v.Errors, base.Errors),
			join(v.FileChanges, base.FileChanges),
			join(v.Progress, base.Progress),
		},
		prompts: v.Prompts,
		markers: v.Markers,
	}
}

// Name returns the tool family name.
func (in *Interpreter) Name() string { return in.name }

// ClassifyLine cleans line and classifies it. Lines nothing recognizes are
// returned as text.
func (in *Interpreter) ClassifyLine(line string) ParsedOutput {
	clean := Clean(line)
	if clean == "" {
		return ParsedOutput{Type: TypeText, Content: ""}
	}
	for _, stage := range in.stages {
		for _, c := range stage {
			if out, ok := c.Classify(clean); ok {
				return out
			}
		}
	}
	return ParsedOutput{Type: TypeText, Content: clean}
}

// IsPrompt reports whether a cleaned line is an idle prompt.
func (in *Interpreter) IsPrompt(line string) bool {
	return matchAny(in.prompts, line)
}

func (in *Interpreter) isMarker(line string) bool {
	return matchAny(in.markers, line)
}

func (in *Interpreter) isError(line string) bool {
	for _, c := range in.stages[0] {
		if _, ok := c.Classify(line); ok {
			return true
		}
	}
	return false
}

// DetectCompletion reports whether the output accumulated so far shows the
// tool has finished. buffer is the whole output of the invocation and is
// expected to already include chunk; when buffer is empty chunk is examined
// on its own.
//
// Only the last few lines are searched for an idle prompt or a completion
// marker. Once one is found the whole buffer is searched for errors, and any
// error wins over an apparent success. A prompt with no output before it is
// not a completion.
func (in *Interpreter) DetectCompletion(chunk, buffer string) CompletionResult {
	if buffer == "" {
		buffer = chunk
	}
	lines := Lines(buffer)
	if len(lines) == 0 {
		return CompletionResult{}
	}

	tail := lines[max(0, len(lines)-tailLines):]
	hit := false
	for _, l := range tail {
		if in.IsPrompt(l) || in.isMarker(l) {
			hit = true
			break
		}
	}
	if !hit {
		return CompletionResult{}
	}

	body := in.content(lines)
	if len(body) == 0 && !in.hasMarker(lines) {
		return CompletionResult{}
	}
	return in.result(lines, body)
}

// Conclude produces the result for a process that exited without printing
// an idle marker. exitErr is the error from waiting on the process, if any.
func (in *Interpreter) Conclude(buffer string, exitErr error) CompletionResult {
	lines := Lines(buffer)
	if msg, ok := in.firstError(lines); ok {
		return CompletionResult{Done: true, Error: msg}
	}
	if exitErr != nil {
		return CompletionResult{Done: true, Error: fmt.Sprintf("process exited: %v", exitErr)}
	}
	return CompletionResult{Done: true, Summary: Summarize(in.content(lines))}
}

func (in *Interpreter) result(lines, body []string) CompletionResult {
	if msg, ok := in.firstError(lines); ok {
		return CompletionResult{Done: true, Error: msg}
	}
	if len(body) == 0 {
		body = lines
	}
	return CompletionResult{Done: true, Summary: Summarize(body)}
}

func (in *Interpreter) firstError(lines []string) (string, bool) {
	for _, l := range lines {
		if in.isError(l) {
			return truncate(l, MaxSummary), true
		}
	}
	return "", false
}

func (in *Interpreter) hasMarker(lines []string) bool {
	for _, l := range lines {
		if in.isMarker(l) {
			return true
		}
	}
	return false
}

// content returns the lines that are neither prompts nor completion markers.
func (in *Interpreter) content(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if in.IsPrompt(l) || in.isMarker(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Summarize joins the last few lines and bounds the result to MaxSummary
// runes.
func Summarize(lines []string) string {
	if len(lines) > summaryLines {
		lines = lines[len(lines)-summaryLines:]
	}
	return truncate(strings.Join(lines, " "), MaxSummary)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
