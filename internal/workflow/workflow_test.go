package workflow

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/baseline"
	"github.com/treksavvysky/orcaops/internal/condition"
	execbackend "github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/jobmanager"
	"github.com/treksavvysky/orcaops/internal/jobrunner"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/quota"
	"github.com/treksavvysky/orcaops/internal/runstore"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	base := t.TempDir()
	store := runstore.New(base)
	bl, err := baseline.New(base)
	require.NoError(t, err)

	runner := jobrunner.New(jobrunner.Deps{
		Backend:   execbackend.New(t.TempDir()),
		Store:     store,
		Baselines: bl,
		Anomalies: baseline.NewAnomalyLog(base),
		Policy:    policy.NewEngine(policy.SecurityPolicy{}),
		Clock:     clock.New(),
	})
	mgr := jobmanager.New(jobmanager.Deps{
		Runner: runner,
		Store:  store,
		Policy: policy.NewEngine(policy.SecurityPolicy{}),
		Quota:  quota.NewTracker(),
		Audit:  audit.NewLogger(base),
	})

	return New(Deps{
		Jobs:         mgr,
		Store:        store,
		Backend:      execbackend.New(t.TempDir()),
		PollInterval: 5_000_000, // 5ms, in nanoseconds, to keep tests fast
	})
}

func defaultWorkspace() models.Workspace {
	return models.Workspace{
		ID:       models.DefaultWorkspaceID,
		Settings: models.DefaultSettings(),
		Limits:   models.DefaultLimits(),
	}
}

func TestRunExecutesLinearDAGInOrder(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "linear",
		Jobs: map[string]models.WorkflowJob{
			"build": {Image: "alpine:3.19", Commands: []string{"echo building"}},
			"test":  {Image: "alpine:3.19", Commands: []string{"echo testing"}, Requires: []string{"build"}},
		},
	}

	record, err := r.Run(context.Background(), "wf-1", spec, defaultWorkspace(), nil)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowSuccess, record.Status)
	require.Equal(t, models.WorkflowJobSuccess, record.JobStatuses["build"])
	require.Equal(t, models.WorkflowJobSuccess, record.JobStatuses["test"])
}

func TestRunDetectsDependencyCycle(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "cyclic",
		Jobs: map[string]models.WorkflowJob{
			"a": {Image: "alpine:3.19", Commands: []string{"echo a"}, Requires: []string{"b"}},
			"b": {Image: "alpine:3.19", Commands: []string{"echo b"}, Requires: []string{"a"}},
		},
	}

	record, err := r.Run(context.Background(), "wf-cycle", spec, defaultWorkspace(), nil)
	require.Error(t, err)
	require.Equal(t, models.WorkflowFailed, record.Status)
}

func TestRunSkipsJobWhenIfConditionFails(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "gated",
		Jobs: map[string]models.WorkflowJob{
			"build": {Image: "alpine:3.19", Commands: []string{"echo building"}},
			"deploy": {
				Image: "alpine:3.19", Commands: []string{"echo deploying"},
				Requires:    []string{"build"},
				IfCondition: `env.STAGE == "prod"`,
			},
		},
	}

	record, err := r.Run(context.Background(), "wf-gated", spec, defaultWorkspace(), nil)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowJobSkipped, record.JobStatuses["deploy"])
}

func TestRunExpandsMatrixIntoVariants(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "matrixed",
		Jobs: map[string]models.WorkflowJob{
			"test": {
				Image:    "alpine:3.19",
				Commands: []string{"echo go ${{ matrix.go }}"},
				Matrix:   &models.MatrixConfig{Axes: map[string][]string{"go": {"1.20", "1.21"}}},
			},
		},
	}

	record, err := r.Run(context.Background(), "wf-matrix", spec, defaultWorkspace(), nil)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowSuccess, record.Status)
	require.Len(t, record.JobStatuses, 2)
	for name, status := range record.JobStatuses {
		require.Contains(t, name, "test[go=")
		require.Equal(t, models.WorkflowJobSuccess, status)
	}
}

func TestExpandMatrixWithEmptyAxesYieldsOneIdentityVariant(t *testing.T) {
	variants, err := expandMatrix(&models.MatrixConfig{})
	require.NoError(t, err)
	require.Len(t, variants, 1)
	require.Empty(t, variants[0])
}

func TestOnCompleteSatisfiedTreatsSkippedRequirementAsSuccess(t *testing.T) {
	env := condition.Env{JobStatus: map[string]string{"build": string(models.WorkflowJobSkipped)}}
	require.True(t, onCompleteSatisfied(models.OnCompleteSuccess, []string{"build"}, env))
	require.False(t, onCompleteSatisfied(models.OnCompleteFailure, []string{"build"}, env))
}

func TestRunDoesNotCascadeSkipThroughDefaultOnComplete(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "skip-cascade",
		Jobs: map[string]models.WorkflowJob{
			"build": {
				Image: "alpine:3.19", Commands: []string{"echo building"},
				IfCondition: `env.STAGE == "prod"`,
			},
			"deploy": {
				Image: "alpine:3.19", Commands: []string{"echo deploying"},
				Requires: []string{"build"},
			},
		},
	}

	record, err := r.Run(context.Background(), "wf-skipcascade", spec, defaultWorkspace(), nil)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowJobSkipped, record.JobStatuses["build"])
	require.Equal(t, models.WorkflowJobSuccess, record.JobStatuses["deploy"])
}

func TestRunPropagatesFailureToPartialStatus(t *testing.T) {
	r := newTestRunner(t)
	spec := models.WorkflowSpec{
		Name: "partial",
		Jobs: map[string]models.WorkflowJob{
			"a": {Image: "alpine:3.19", Commands: []string{"true"}},
			"b": {Image: "alpine:3.19", Commands: []string{"false"}},
		},
	}

	record, err := r.Run(context.Background(), "wf-partial", spec, defaultWorkspace(), nil)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowPartial, record.Status)
}
