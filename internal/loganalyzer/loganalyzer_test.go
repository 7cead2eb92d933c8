package loganalyzer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeExtractsErrorsAndWarnings(t *testing.T) {
	a := New()
	res := a.Analyze("starting up\nWARNING: low disk space\nError: could not connect\nall done")
	require.Equal(t, []string{"Error: could not connect"}, res.Errors)
	require.Equal(t, []string{"WARNING: low disk space"}, res.Warnings)
	require.Equal(t, "Error: could not connect", res.FirstError())
}

func TestAnalyzePythonTraceback(t *testing.T) {
	a := New()
	text := "before\nTraceback (most recent call last):\n  File \"a.py\", line 1, in <module>\n    raise ValueError(\"bad\")\nValueError: bad\nafter"
	res := a.Analyze(text)
	require.Equal(t, "python", res.StackLang)
	require.Contains(t, res.StackTrace, "ValueError: bad")
}

func TestAnalyzeNodeStack(t *testing.T) {
	a := New()
	text := "TypeError: x is not a function\n    at Object.<anonymous> (/app/index.js:3:1)\n    at Module._compile (node:internal/modules/cjs/loader:1105:14)\nnext line"
	res := a.Analyze(text)
	require.Equal(t, "node", res.StackLang)
	require.Contains(t, res.StackTrace, "at Object.<anonymous>")
}

func TestAnalyzeGoPanic(t *testing.T) {
	a := New()
	text := "panic: runtime error: index out of range\n\ngoroutine 1 [running]:\nmain.main()\n\t/app/main.go:10 +0x1a\n"
	res := a.Analyze(text)
	require.Equal(t, "go", res.StackLang)
	require.Contains(t, res.StackTrace, "goroutine 1")
}

func TestAnalyzeJavaException(t *testing.T) {
	a := New()
	text := "Exception in thread \"main\" java.lang.NullPointerException\n\tat com.example.Main.main(Main.java:5)\ndone"
	res := a.Analyze(text)
	require.Equal(t, "java", res.StackLang)
	require.Contains(t, res.StackTrace, "NullPointerException")
}

func TestAnalyzeNoStackTrace(t *testing.T) {
	a := New()
	res := a.Analyze("all good\nnothing to see here\n")
	require.Empty(t, res.StackTrace)
	require.Empty(t, res.Errors)
}
