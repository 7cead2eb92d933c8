package policy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

func TestValidateImageBlockedGlob(t *testing.T) {
	e := NewEngine(SecurityPolicy{BlockedImages: []string{"*/evil-*"}})
	v := e.ValidateImage(models.Settings{}, "docker.io/evil-miner:latest")
	require.NotEmpty(t, v)
}

func TestValidateImageAllowListRequiresMatch(t *testing.T) {
	e := NewEngine(SecurityPolicy{AllowedImages: []string{"alpine:*", "golang:*"}})
	require.Empty(t, e.ValidateImage(models.Settings{}, "alpine:3.18"))
	require.NotEmpty(t, e.ValidateImage(models.Settings{}, "debian:bookworm"))
}

func TestValidateImageWorkspaceAllowListWins(t *testing.T) {
	e := NewEngine(SecurityPolicy{AllowedImages: []string{"alpine:*"}})
	v := e.ValidateImage(models.Settings{AllowedImages: []string{"debian:*"}}, "debian:bookworm")
	require.Empty(t, v)
}

func TestValidateImageBlockedListsUnion(t *testing.T) {
	e := NewEngine(SecurityPolicy{BlockedImages: []string{"*/global-bad*"}})
	v := e.ValidateImage(models.Settings{BlockedImages: []string{"*/ws-bad*"}}, "docker.io/ws-bad:latest")
	require.NotEmpty(t, v)
}

func TestValidateImageRequireDigest(t *testing.T) {
	e := NewEngine(SecurityPolicy{RequireDigest: true})
	require.NotEmpty(t, e.ValidateImage(models.Settings{}, "alpine:3.18"))
	require.Empty(t, e.ValidateImage(models.Settings{}, "alpine@sha256:deadbeef"))
}

func TestValidateCommandBlockedPattern(t *testing.T) {
	e := NewEngine(SecurityPolicy{BlockedCommandPatterns: []*regexp.Regexp{regexp.MustCompile(`rm\s+-rf\s+/`)}})
	v := e.ValidateCommand(models.Settings{}, "rm -rf /")
	require.NotEmpty(t, v)
}

func TestValidateJobShortCircuitsOnImage(t *testing.T) {
	e := NewEngine(SecurityPolicy{BlockedImages: []string{"evil:*"}})
	d := e.ValidateJob(models.Settings{}, models.JobSpec{Image: "evil:latest", Commands: []string{"echo ok"}})
	require.False(t, d.Allowed)
	require.Len(t, d.Violations, 1)
}

func TestContainerSecurityOptsReadOnlyOptIn(t *testing.T) {
	e := NewEngine(SecurityPolicy{})
	opts := e.ContainerSecurityOpts(true)
	require.True(t, opts.DropAllCapabilities)
	require.True(t, opts.NoNewPrivileges)
	require.True(t, opts.ReadOnlyRootFS)

	opts = e.ContainerSecurityOpts(false)
	require.False(t, opts.ReadOnlyRootFS)
}
