package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/baseline"
	execbackend "github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/jobrunner"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/quota"
	"github.com/treksavvysky/orcaops/internal/runstore"
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
		Clock:     clock.NewMock(),
	})

	return New(Deps{
		Runner: runner,
		Store:  store,
		Policy: policy.NewEngine(policy.SecurityPolicy{}),
		Quota:  quota.NewTracker(),
		Audit:  audit.NewLogger(base),
	})
}

func waitTerminal(t *testing.T, m *Manager, jobID string) *models.RunRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := m.Get(jobID)
		require.NoError(t, err)
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state in time", jobID)
	return nil
}

func defaultWorkspace() models.Workspace {
	return models.Workspace{
		ID:       models.DefaultWorkspaceID,
		Settings: models.DefaultSettings(),
		Limits:   models.DefaultLimits(),
	}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	m := newTestManager(t)
	spec := models.JobSpec{
		JobID:      "job-1",
		Image:      "alpine:3.19",
		Commands:   []string{"echo hi"},
		TTLSeconds: 60,
	}

	initial, err := m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, models.JobQueued, initial.Status)

	record := waitTerminal(t, m, spec.JobID)
	require.Equal(t, models.JobSuccess, record.Status)
}

func TestSubmitRejectsDuplicateJobID(t *testing.T) {
	m := newTestManager(t)
	spec := models.JobSpec{JobID: "job-dup", Image: "alpine:3.19", Commands: []string{"echo hi"}, TTLSeconds: 60}

	_, err := m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
	require.Error(t, err)
}

func TestSubmitRejectsConcurrentDuplicateJobID(t *testing.T) {
	m := newTestManager(t)
	spec := models.JobSpec{JobID: "job-concurrent-dup", Image: "alpine:3.19", Commands: []string{"echo hi"}, TTLSeconds: 60}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	m := newTestManager(t)
	m.deps.Policy = policy.NewEngine(policy.SecurityPolicy{BlockedImages: []string{"blocked/*"}})

	spec := models.JobSpec{JobID: "job-blocked", Image: "blocked/image", Commands: []string{"echo hi"}, TTLSeconds: 60}
	_, err := m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
	require.Error(t, err)

	_, getErr := m.Get(spec.JobID)
	require.Error(t, getErr)
}

func TestSubmitDeniedByQuota(t *testing.T) {
	m := newTestManager(t)
	ws := defaultWorkspace()
	ws.Limits.MaxConcurrentJobs = 1
	// occupy the only slot so the submit below finds the quota exhausted
	require.NoError(t, m.deps.Quota.CheckAndReserve(ws.ID, ws.Limits, quota.KindJob))

	spec := models.JobSpec{JobID: "job-quota", Image: "alpine:3.19", Commands: []string{"echo hi"}, TTLSeconds: 60}
	_, err := m.Submit(context.Background(), spec, ws, SubmitOptions{})
	require.Error(t, err)
}

func TestCancelStopsAResidentJob(t *testing.T) {
	m := newTestManager(t)
	spec := models.JobSpec{
		JobID:      "job-cancel",
		Image:      "alpine:3.19",
		Commands:   []string{"echo one", "echo two"},
		TTLSeconds: 60,
	}
	_, err := m.Submit(context.Background(), spec, defaultWorkspace(), SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(spec.JobID))

	record := waitTerminal(t, m, spec.JobID)
	require.Equal(t, models.JobCancelled, record.Status)
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Cancel("does-not-exist")
	require.Error(t, err)
}

func TestReconcileMarksOrphanedRunsFailed(t *testing.T) {
	m := newTestManager(t)
	orphan := &models.RunRecord{
		JobID:  "job-orphan",
		Spec:   models.JobSpec{JobID: "job-orphan", WorkspaceID: models.DefaultWorkspaceID},
		Status: models.JobRunning,
	}
	require.NoError(t, m.deps.Store.Put(orphan))

	count, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	record, err := m.deps.Store.Get("job-orphan")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, record.Status)
}
