package loganalyzer

import (
	"regexp"
	"strings"
)

// pythonMatcher recognizes a CPython "Traceback (most recent call last):"
// block, ending at the final exception line.
type pythonMatcher struct{}

func (pythonMatcher) Name() string { return "python" }

var pythonTracebackRe = regexp.MustCompile(`(?m)^Traceback \(most recent call last\):\n(?:.*\n)*?\S+(?:Error|Exception):.*$`)

func (pythonMatcher) Match(text string) (string, bool) {
	if m := pythonTracebackRe.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

// nodeMatcher recognizes a Node.js uncaught exception stack:
//
//	Error: message
//	    at foo (file.js:1:2)
type nodeMatcher struct{}

func (nodeMatcher) Name() string { return "node" }

var (
	nodeHeaderRe = regexp.MustCompile(`(?m)^(?:Uncaught )?\S*(?:Error|Exception): .*$`)
	nodeFrameRe  = regexp.MustCompile(`^\s+at .*\(.*:\d+:\d+\)`)
)

func (nodeMatcher) Match(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !nodeHeaderRe.MatchString(line) {
			continue
		}
		j := i + 1
		for j < len(lines) && nodeFrameRe.MatchString(lines[j]) {
			j++
		}
		if j > i+1 {
			return strings.Join(lines[i:j], "\n"), true
		}
	}
	return "", false
}

// goMatcher recognizes a Go runtime panic and its goroutine stack.
type goMatcher struct{}

func (goMatcher) Name() string { return "go" }

var goPanicRe = regexp.MustCompile(`(?ms)^panic: .*?\n\ngoroutine \d+ \[[^\]]*\]:\n(?-s:.+\n?)*`)

func (goMatcher) Match(text string) (string, bool) {
	if m := goPanicRe.FindString(text); m != "" {
		return strings.TrimRight(m, "\n"), true
	}
	return "", false
}

// javaMatcher recognizes a JVM "Exception in thread" trace ending at the
// last "at ..." frame.
type javaMatcher struct{}

func (javaMatcher) Name() string { return "java" }

var (
	javaHeaderRe = regexp.MustCompile(`(?m)^Exception in thread "[^"]*" .*$`)
	javaFrameRe  = regexp.MustCompile(`^\s+at .*\(.*\)`)
)

func (javaMatcher) Match(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !javaHeaderRe.MatchString(line) {
			continue
		}
		j := i + 1
		for j < len(lines) && (javaFrameRe.MatchString(lines[j]) || strings.HasPrefix(strings.TrimSpace(lines[j]), "Caused by:")) {
			j++
		}
		if j > i+1 {
			return strings.Join(lines[i:j], "\n"), true
		}
	}
	return "", false
}
