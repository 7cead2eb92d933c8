// Package fingerprint computes the stable identity hash used to key
// baselines across runs: identical (image, commands) pairs always produce
// the same fingerprint, regardless of process or machine.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// Of computes sha256(canonical(image) || 0x00 || join(commands, 0x00)).
func Of(image string, commands []string) string {
	h := sha256.New()
	h.Write([]byte(canonicalImage(image)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(commands, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalImage normalizes an image reference so that equivalent references
// (e.g. with or without an explicit "latest" tag) fingerprint identically.
func canonicalImage(image string) string {
	image = strings.TrimSpace(image)
	if !strings.Contains(image, ":") && !strings.Contains(image, "@") {
		image += ":latest"
	}
	return image
}

// MatrixVariant extends a base fingerprint with a matrix axis assignment, so
// that each expanded variant of a WorkflowJob is tracked as a distinct
// baseline identity while still deriving from the job's underlying
// (image, commands) fingerprint.
func MatrixVariant(base string, axisValues map[string]string) (string, error) {
	keys := make([]string, 0, len(axisValues))
	for k := range axisValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := struct {
		Base string
		Axes []string
	}{Base: base}
	for _, k := range keys {
		ordered.Axes = append(ordered.Axes, fmt.Sprintf("%s=%s", k, axisValues[k]))
	}

	hash, err := hashstructure.Hash(ordered, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("error hashing matrix variant: %w", err)
	}
	return fmt.Sprintf("%s-%x", base, hash), nil
}
