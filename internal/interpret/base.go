package interpret

import (
	"regexp"
	"strings"
)

var baseErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:error|fatal|panic)(?:\[[\w-]+\])?\s*[:!]`),
	regexp.MustCompile(`(?i)\b(?:error|fatal):\s`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)no such file or directory`),
	regexp.MustCompile(`(?i)^traceback \(most recent call last\)`),
	regexp.MustCompile(`(?i)\bexception:\s`),
	regexp.MustCompile(`(?i)^segmentation fault`),
	regexp.MustCompile(`(?i)^npm err!`),
}

var (
	fileVerbPattern = regexp.MustCompile(`(?i)^(?:[✓✔]\s*)?(created|creating|wrote|writing|modified|updated|edited|deleted|removed|renamed)(?:\s+file)?\s*:?\s+(.+)$`)
	renamePattern   = regexp.MustCompile(`^(\S+)\s*(?:->|→|\bto\b)\s*(\S+)$`)
	diffNewPattern  = regexp.MustCompile(`^\+\+\+ (?:b/)?(\S+)`)
	diffOldPattern  = regexp.MustCompile(`^--- (?:a/)?(\S+)`)
)

var verbActions = map[string]string{
	"created":  "create",
	"creating": "create",
	"wrote":    "write",
	"writing":  "write",
	"modified": "modify",
	"updated":  "modify",
	"edited":   "modify",
	"deleted":  "delete",
	"removed":  "delete",
	"renamed":  "rename",
}

var (
	percentPattern = regexp.MustCompile(`(?:^|[\s(\[])(\d{1,3}(?:\.\d+)?)\s?%`)
	ratioPattern   = regexp.MustCompile(`^\[\s*(\d+)\s*/\s*(\d+)\s*\]|\(\s*(\d+)\s*/\s*(\d+)\s*\)|^(\d+)\s*/\s*(\d+)\b`)
	spinnerPattern = regexp.MustCompile(`^[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏⣾⣽⣻⢿⡿⣟⣯⣷◐◓◑◒]`)
	progressVerbs  = regexp.MustCompile(`(?i)^(?:analy[sz]ing|loading|processing|reading|searching|scanning|compiling|building|installing|downloading|fetching|indexing|running|thinking|working)\b`)
)

// errorLine builds a classifier that reports any line matching one of
// patterns as an error.
func errorLine(patterns ...*regexp.Regexp) Classifier {
	return ClassifierFunc(func(line string) (ParsedOutput, bool) {
		for _, p := range patterns {
			if p.MatchString(line) {
				return ParsedOutput{Type: TypeError, Content: line}, true
			}
		}
		return ParsedOutput{}, false
	})
}

// fileChange builds a file-change output for action on file.
func fileChange(line, action, file string) ParsedOutput {
	return ParsedOutput{
		Type:     TypeFileChange,
		Content:  line,
		Metadata: map[string]string{"action": action, "file": file},
	}
}

// pathToken picks the path out of the text following a file verb. A single
// token is taken as-is; otherwise the last token that looks like a path wins.
func pathToken(rest string) (string, bool) {
	rest = strings.TrimSpace(rest)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	if len(fields) == 1 {
		return trimQuotes(fields[0]), true
	}
	for i := len(fields) - 1; i >= 0; i-- {
		f := trimQuotes(fields[i])
		if strings.ContainsAny(f, "./") {
			return f, true
		}
	}
	return "", false
}

func trimQuotes(s string) string {
	return strings.Trim(s, "`'\"")
}

var baseFileVerbs = ClassifierFunc(func(line string) (ParsedOutput, bool) {
	m := fileVerbPattern.FindStringSubmatch(line)
	if m == nil {
		return ParsedOutput{}, false
	}
	action := verbActions[strings.ToLower(m[1])]
	if action == "rename" {
		if r := renamePattern.FindStringSubmatch(strings.TrimSpace(m[2])); r != nil {
			out := fileChange(line, action, trimQuotes(r[1]))
			out.Metadata["to"] = trimQuotes(r[2])
			return out, true
		}
	}
	file, ok := pathToken(m[2])
	if !ok {
		return ParsedOutput{}, false
	}
	return fileChange(line, action, file), true
})

var baseDiffHeaders = ClassifierFunc(func(line string) (ParsedOutput, bool) {
	for _, p := range []*regexp.Regexp{diffNewPattern, diffOldPattern} {
		if m := p.FindStringSubmatch(line); m != nil && m[1] != "/dev/null" {
			return fileChange(line, "modify", m[1]), true
		}
	}
	return ParsedOutput{}, false
})

var baseProgress = ClassifierFunc(func(line string) (ParsedOutput, bool) {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		return ParsedOutput{
			Type:     TypeProgress,
			Content:  line,
			Metadata: map[string]string{"percent": m[1]},
		}, true
	}
	if m := ratioPattern.FindStringSubmatch(line); m != nil {
		current, total := firstPair(m[1:])
		return ParsedOutput{
			Type:     TypeProgress,
			Content:  line,
			Metadata: map[string]string{"current": current, "total": total},
		}, true
	}
	if spinnerPattern.MatchString(line) || progressVerbs.MatchString(line) {
		return ParsedOutput{Type: TypeProgress, Content: line}, true
	}
	return ParsedOutput{}, false
})

// firstPair returns the first non-empty pair of submatches.
func firstPair(groups []string) (string, string) {
	for i := 0; i+1 < len(groups); i += 2 {
		if groups[i] != "" {
			return groups[i], groups[i+1]
		}
	}
	return "", ""
}

// base is the shared chain every tool variant falls back to.
var base = Variant{
	Errors:      []Classifier{errorLine(baseErrorPatterns...)},
	FileChanges: []Classifier{baseFileVerbs, baseDiffHeaders},
	Progress:    []Classifier{baseProgress},
}
