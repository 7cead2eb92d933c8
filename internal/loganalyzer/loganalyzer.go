// Package loganalyzer extracts errors, warnings, and the first stack trace
// out of a job's captured stdout/stderr. It is a fixed registry of small
// per-language StackTraceMatchers rather than one monolithic regex pile, so
// a new language can be added without touching JobRunner.
package loganalyzer

import (
	"regexp"
	"strings"
)

// StackTraceMatcher recognizes one language's stack/traceback shape and
// extracts the first complete one found in text, if any.
type StackTraceMatcher interface {
	// Name identifies the language/runtime this matcher targets, e.g. "python".
	Name() string
	// Match returns the first stack trace found in text and true, or
	// ("", false) if none is present.
	Match(text string) (string, bool)
}

var defaultRegistry = []StackTraceMatcher{
	pythonMatcher{},
	nodeMatcher{},
	goMatcher{},
	javaMatcher{},
}

var (
	errorLineRe   = regexp.MustCompile(`(?i)\b(error|fatal|exception)\b`)
	warningLineRe = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
)

// Result is the structured extract of one job's combined output.
type Result struct {
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	StackTrace  string   `json:"stack_trace,omitempty"`
	StackLang   string   `json:"stack_language,omitempty"`
}

// Analyzer scans captured stdout/stderr using a fixed registry of language
// matchers. Its zero value has no matchers: it extracts error and warning
// lines but never a stack trace; New returns one with the built-in registry.
type Analyzer struct {
	matchers []StackTraceMatcher
}

// New returns an Analyzer using the default built-in matcher registry
// (Python, Node, Go, Java).
func New() *Analyzer {
	return &Analyzer{matchers: defaultRegistry}
}

// NewWithMatchers returns an Analyzer restricted to the supplied matchers,
// useful for tests or operators who want to disable a language.
func NewWithMatchers(matchers []StackTraceMatcher) *Analyzer {
	return &Analyzer{matchers: matchers}
}

// Analyze scans the combined stdout+stderr of a job's steps and extracts
// error lines, warning lines, and the first stack trace any matcher finds.
func (a *Analyzer) Analyze(combined string) Result {
	var res Result
	for _, line := range strings.Split(combined, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch {
		case errorLineRe.MatchString(trimmed):
			res.Errors = append(res.Errors, trimmed)
		case warningLineRe.MatchString(trimmed):
			res.Warnings = append(res.Warnings, trimmed)
		}
	}

	for _, m := range a.matchers {
		if trace, ok := m.Match(combined); ok {
			res.StackTrace = trace
			res.StackLang = m.Name()
			break
		}
	}
	return res
}

// FirstError returns the first captured error line, or "" if none.
func (r Result) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}
