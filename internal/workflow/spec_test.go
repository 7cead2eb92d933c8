package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

const sampleSpecYAML = `
name: ci
description: build then test
env:
  GOFLAGS: -mod=readonly
timeout_seconds: 600
jobs:
  build:
    image: golang:1.21
    commands:
      - go build ./...
  test:
    image: golang:1.21
    requires: [build]
    on_complete: success
    commands:
      - go test ./...
    matrix:
      axes:
        go: ["1.20", "1.21"]
`

func TestParseSpecDecodesJobsAndMatrix(t *testing.T) {
	spec, err := ParseSpec(strings.NewReader(sampleSpecYAML))
	require.NoError(t, err)

	require.Equal(t, "ci", spec.Name)
	require.Equal(t, "-mod=readonly", spec.Env["GOFLAGS"])
	require.Equal(t, 600, spec.TimeoutSeconds)

	build, ok := spec.Jobs["build"]
	require.True(t, ok)
	require.Equal(t, "golang:1.21", build.Image)
	require.Equal(t, []string{"go build ./..."}, build.Commands)

	test, ok := spec.Jobs["test"]
	require.True(t, ok)
	require.Equal(t, []string{"build"}, test.Requires)
	require.Equal(t, models.OnCompleteSuccess, test.OnComplete)
	require.NotNil(t, test.Matrix)
	require.Equal(t, []string{"1.20", "1.21"}, test.Matrix.Axes["go"])
}

func TestParseSpecRejectsMissingName(t *testing.T) {
	_, err := ParseSpec(strings.NewReader("jobs:\n  build:\n    image: x\n    commands: [echo hi]\n"))
	require.Error(t, err)
}

func TestParseSpecRejectsNoJobs(t *testing.T) {
	_, err := ParseSpec(strings.NewReader("name: empty\n"))
	require.Error(t, err)
}
