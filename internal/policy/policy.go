// Package policy implements admission-time validation of job specs against a
// global security policy and per-workspace overrides: image allow/deny
// lists, blocked commands, and the container hardening options every
// sandbox is started with.
package policy

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v2"

	"github.com/treksavvysky/orcaops/internal/models"
)

// SecurityPolicy is the operator-configured, process-wide baseline that
// every workspace's settings are merged against.
type SecurityPolicy struct {
	AllowedImages   []string
	BlockedImages   []string
	BlockedCommands []string
	BlockedCommandPatterns []*regexp.Regexp
	RequireDigest   bool
}

// Violation describes one reason a job was denied.
type Violation struct {
	Rule    string
	Subject string
	Reason  string
}

// Decision is the outcome of validating a job spec.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

// Engine validates job specs against a SecurityPolicy merged with a
// workspace's own settings: allow-lists are workspace-wins (a non-empty
// workspace allow-list replaces the global one), deny-lists union.
type Engine struct {
	global SecurityPolicy
}

func NewEngine(global SecurityPolicy) *Engine {
	return &Engine{global: global}
}

func (e *Engine) merge(ws models.Settings) SecurityPolicy {
	merged := e.global
	if len(ws.AllowedImages) > 0 {
		merged.AllowedImages = ws.AllowedImages
	}
	if len(ws.BlockedImages) > 0 {
		merged.BlockedImages = append(append([]string{}, e.global.BlockedImages...), ws.BlockedImages...)
	}
	return merged
}

// ValidateImage denies if any blocked glob matches the image reference; if
// an allow-list is non-empty, requires a match; if RequireDigest is set,
// requires an "@sha256:" suffix.
func (e *Engine) ValidateImage(ws models.Settings, image string) []Violation {
	p := e.merge(ws)
	var violations []Violation

	for _, glob := range p.BlockedImages {
		if globMatch(glob, image) {
			violations = append(violations, Violation{Rule: "blocked_image", Subject: image, Reason: "matches blocked glob " + glob})
		}
	}

	if len(p.AllowedImages) > 0 {
		allowed := false
		for _, glob := range p.AllowedImages {
			if globMatch(glob, image) {
				allowed = true
				break
			}
		}
		if !allowed {
			violations = append(violations, Violation{Rule: "allowed_image", Subject: image, Reason: "does not match any allowed glob"})
		}
	}

	if p.RequireDigest && !strings.Contains(image, "@sha256:") {
		violations = append(violations, Violation{Rule: "require_digest", Subject: image, Reason: "image reference is not pinned by digest"})
	}

	return violations
}

// ValidateCommand denies on an exact blocked-command match or a match
// against any blocked regex.
func (e *Engine) ValidateCommand(ws models.Settings, command string) []Violation {
	p := e.merge(ws)
	var violations []Violation

	for _, blocked := range p.BlockedCommands {
		if command == blocked {
			violations = append(violations, Violation{Rule: "blocked_command", Subject: command, Reason: "exact match of blocked command"})
		}
	}
	for _, re := range p.BlockedCommandPatterns {
		if re.MatchString(command) {
			violations = append(violations, Violation{Rule: "blocked_command_pattern", Subject: command, Reason: "matches blocked pattern " + re.String()})
		}
	}

	return violations
}

// ValidateJob runs image and command validation, short-circuiting on the
// first violation so a job is never partially admitted.
func (e *Engine) ValidateJob(ws models.Settings, spec models.JobSpec) Decision {
	if v := e.ValidateImage(ws, spec.Image); len(v) > 0 {
		return Decision{Allowed: false, Violations: v}
	}
	for _, cmd := range spec.Commands {
		if v := e.ValidateCommand(ws, cmd); len(v) > 0 {
			return Decision{Allowed: false, Violations: v}
		}
	}
	return Decision{Allowed: true}
}

// SecurityOpts is the container hardening vector every sandbox is created
// with, scaled by whether the owning workspace opted into a read-only root
// filesystem.
type SecurityOpts struct {
	DropAllCapabilities bool
	NoNewPrivileges     bool
	ReadOnlyRootFS      bool
}

// ContainerSecurityOpts returns the hardening vector to apply when creating
// a sandbox for the given workspace.
func (e *Engine) ContainerSecurityOpts(readOnlyRootFSOptIn bool) SecurityOpts {
	return SecurityOpts{
		DropAllCapabilities: true,
		NoNewPrivileges:     true,
		ReadOnlyRootFS:      readOnlyRootFSOptIn,
	}
}

func globMatch(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
