package docker

import (
	"encoding/json"
	"io"
	"strings"
)

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// shellQuoteGlob escapes every shell-significant character in glob *except*
// the glob wildcards themselves (* ? [ ] ! ^), so the pattern still expands
// inside the container's shell but cannot be used to inject additional
// commands (e.g. via a ';' or a backtick smuggled into spec.artifacts).
func shellQuoteGlob(glob string) string {
	const globWildcards = "*?[]!^"
	var b strings.Builder
	for _, r := range glob {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '/' || r == '.' || r == '_' || r == '-':
		case strings.ContainsRune(globWildcards, r):
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
