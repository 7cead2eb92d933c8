package workflowmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/baseline"
	execbackend "github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/jobmanager"
	"github.com/treksavvysky/orcaops/internal/jobrunner"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/quota"
	"github.com/treksavvysky/orcaops/internal/runstore"
	"github.com/treksavvysky/orcaops/internal/workflow"
)

func newTestManager(t *testing.T) *Manager {
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
	})
	jobMgr := jobmanager.New(jobmanager.Deps{
		Runner: runner,
		Store:  store,
		Policy: policy.NewEngine(policy.SecurityPolicy{}),
		Quota:  quota.NewTracker(),
		Audit:  audit.NewLogger(base),
	})
	wfRunner := workflow.New(workflow.Deps{
		Jobs:         jobMgr,
		Store:        store,
		Backend:      execbackend.New(t.TempDir()),
		PollInterval: 5 * time.Millisecond,
	})

	return New(Deps{Runner: wfRunner, Store: store, Audit: audit.NewLogger(base)})
}

func defaultWorkspace() models.Workspace {
	return models.Workspace{
		ID:       models.DefaultWorkspaceID,
		Settings: models.DefaultSettings(),
		Limits:   models.DefaultLimits(),
	}
}

func waitTerminal(t *testing.T, m *Manager, workflowID string) *models.WorkflowRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := m.Get(workflowID)
		require.NoError(t, err)
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state in time", workflowID)
	return nil
}

func TestSubmitRunsWorkflowToCompletion(t *testing.T) {
	m := newTestManager(t)
	spec := models.WorkflowSpec{
		Name: "ci",
		Jobs: map[string]models.WorkflowJob{
			"build": {Image: "alpine:3.19", Commands: []string{"echo building"}},
		},
	}

	initial, err := m.Submit(context.Background(), spec, defaultWorkspace())
	require.NoError(t, err)
	require.Equal(t, models.WorkflowPending, initial.Status)

	record := waitTerminal(t, m, initial.WorkflowID)
	require.Equal(t, models.WorkflowSuccess, record.Status)
}

func TestCancelUnknownWorkflowReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Cancel("does-not-exist")
	require.Error(t, err)
}

func TestCancelPropagatesToWorkflow(t *testing.T) {
	m := newTestManager(t)
	spec := models.WorkflowSpec{
		Name: "ci",
		Jobs: map[string]models.WorkflowJob{
			"build": {Image: "alpine:3.19", Commands: []string{"echo one", "echo two"}},
		},
	}

	initial, err := m.Submit(context.Background(), spec, defaultWorkspace())
	require.NoError(t, err)
	require.NoError(t, m.Cancel(initial.WorkflowID))

	record := waitTerminal(t, m, initial.WorkflowID)
	require.Contains(t, []models.WorkflowStatus{models.WorkflowCancelled, models.WorkflowSuccess}, record.Status)
}
