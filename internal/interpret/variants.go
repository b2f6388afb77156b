package interpret

import (
	"regexp"
	"sort"
	"strings"
)

// shellPrompt matches common interactive shell prompts: a lone prompt
// character, user@host:path$ forms, or a path followed by a prompt character.
var shellPrompt = regexp.MustCompile(`^(?:[$#%>❯]|[\w.-]+@[\w.-]+(?::\S*)?\s?[$#%]|[~/]\S*\s?[$#%❯])$`)

var doneMarker = regexp.MustCompile(`(?i)^(?:done\.?|task completed\b.*)$`)

// Shell is the generic variant for tools with no dedicated vocabulary.
var Shell = Variant{
	Name:    "shell",
	Prompts: []*regexp.Regexp{shellPrompt},
	Markers: []*regexp.Regexp{doneMarker},
}

var claudeToolLine = regexp.MustCompile(`^(?:⏺\s*)?(Write|Edit|MultiEdit|Update|Create)\((.+)\)$`)

// Claude interprets Claude Code terminal output.
var Claude = Variant{
	Name: "claude",
	Errors: []Classifier{
		errorLine(regexp.MustCompile(`^(?:⏺\s*)?API Error\b`)),
	},
	FileChanges: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			m := claudeToolLine.FindStringSubmatch(line)
			if m == nil {
				return ParsedOutput{}, false
			}
			action := map[string]string{
				"Write":     "write",
				"Create":    "create",
				"Edit":      "modify",
				"MultiEdit": "modify",
				"Update":    "modify",
			}[m[1]]
			return fileChange(line, action, trimQuotes(m[2])), true
		}),
	},
	Progress: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			if strings.HasPrefix(line, "✻") || strings.HasPrefix(line, "✽") || strings.Contains(line, "esc to interrupt") {
				return ParsedOutput{Type: TypeProgress, Content: line}, true
			}
			return ParsedOutput{}, false
		}),
	},
	Prompts: []*regexp.Regexp{
		regexp.MustCompile(`^>$`),
		regexp.MustCompile(`^│\s*>\s*│$`),
	},
	Markers: []*regexp.Regexp{doneMarker},
}

var codexPatchLine = regexp.MustCompile(`^([AMD])\s+(\S+\.\S+)$`)

// Codex interprets OpenAI Codex CLI output.
var Codex = Variant{
	Name: "codex",
	Errors: []Classifier{
		errorLine(regexp.MustCompile(`^ERROR\b`), regexp.MustCompile(`(?i)^stream error\b`)),
	},
	FileChanges: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			m := codexPatchLine.FindStringSubmatch(line)
			if m == nil {
				return ParsedOutput{}, false
			}
			action := map[string]string{"A": "create", "M": "modify", "D": "delete"}[m[1]]
			return fileChange(line, action, m[2]), true
		}),
	},
	Prompts: []*regexp.Regexp{regexp.MustCompile(`^[▌›]$`)},
	Markers: []*regexp.Regexp{regexp.MustCompile(`(?i)^tokens used:?\s*[\d,]+$`), doneMarker},
}

var geminiToolLine = regexp.MustCompile(`^[✔✓]?\s*(WriteFile|Edit|ReplaceFile)\s+(?:Writing to\s+)?(\S+)`)

// Gemini interprets Gemini CLI output.
var Gemini = Variant{
	Name: "gemini",
	FileChanges: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			m := geminiToolLine.FindStringSubmatch(line)
			if m == nil {
				return ParsedOutput{}, false
			}
			action := "modify"
			if m[1] == "WriteFile" {
				action = "write"
			}
			return fileChange(line, action, m[2]), true
		}),
	},
	Prompts: []*regexp.Regexp{regexp.MustCompile(`^>\s*Type your message.*$`), regexp.MustCompile(`^>$`)},
	Markers: []*regexp.Regexp{doneMarker},
}

var aiderApplied = regexp.MustCompile(`^Applied edit to (\S+)$`)

// Aider interprets aider output.
var Aider = Variant{
	Name: "aider",
	Errors: []Classifier{
		errorLine(regexp.MustCompile(`^Unable to\b`), regexp.MustCompile(`(?i)^litellm\.\w*error`)),
	},
	FileChanges: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			m := aiderApplied.FindStringSubmatch(line)
			if m == nil {
				return ParsedOutput{}, false
			}
			return fileChange(line, "modify", m[1]), true
		}),
	},
	Progress: []Classifier{
		ClassifierFunc(func(line string) (ParsedOutput, bool) {
			if strings.HasPrefix(line, "Tokens:") {
				return ParsedOutput{Type: TypeProgress, Content: line}, true
			}
			return ParsedOutput{}, false
		}),
	},
	Prompts: []*regexp.Regexp{regexp.MustCompile(`^(?:[a-z-]+)?>$`)},
	Markers: []*regexp.Regexp{doneMarker},
}

var registry = map[string]*Interpreter{}

var aliases = map[string]string{
	"claude-code": "claude",
	"openai":      "codex",
	"gemini-cli":  "gemini",
	"sh":          "shell",
	"bash":        "shell",
}

func init() {
	for _, v := range []Variant{Shell, Claude, Codex, Gemini, Aider} {
		registry[v.Name] = New(v)
	}
}

// Lookup returns the interpreter for a tool name, falling back to the
// generic shell interpreter for unknown tools.
func Lookup(tool string) *Interpreter {
	name := strings.ToLower(strings.TrimSpace(tool))
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	if in, ok := registry[name]; ok {
		return in
	}
	return registry[Shell.Name]
}

// Tools lists the tool families with a dedicated interpreter.
func Tools() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
