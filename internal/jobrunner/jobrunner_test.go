package jobrunner

import (
	"context"
	"fmt"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/baseline"
	"github.com/treksavvysky/orcaops/internal/containerbackend"
	execbackend "github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/runstore"
)

// execErrorBackend wraps the exec backend but fails every Exec call with a
// plain (non-deadline) error, simulating a backend-fatal failure such as a
// container dying mid-command.
type execErrorBackend struct {
	*execbackend.Backend
}

func (b execErrorBackend) Exec(ctx context.Context, containerID string, command []string, env []string) (containerbackend.ExecResult, error) {
	return containerbackend.ExecResult{}, fmt.Errorf("connection refused")
}

func newTestRunner(t *testing.T) (*Runner, *runstore.Store) {
	t.Helper()
	base := t.TempDir()
	store := runstore.New(base)
	bl, err := baseline.New(base)
	require.NoError(t, err)

	deps := Deps{
		Backend:   execbackend.New(t.TempDir()),
		Store:     store,
		Baselines: bl,
		Anomalies: baseline.NewAnomalyLog(base),
		Policy:    policy.NewEngine(policy.SecurityPolicy{}),
		Clock:     clock.NewMock(),
	}
	return New(deps), store
}

func defaultWorkspace() models.Workspace {
	return models.Workspace{
		ID:       models.DefaultWorkspaceID,
		Settings: models.DefaultSettings(),
		Limits:   models.DefaultLimits(),
	}
}

func TestRunGoldenPathSucceeds(t *testing.T) {
	r, store := newTestRunner(t)
	spec := models.JobSpec{
		JobID:       "job-golden",
		WorkspaceID: models.DefaultWorkspaceID,
		Image:       "alpine:3.19",
		Commands:    []string{"echo hi"},
		TTLSeconds:  60,
	}

	record, err := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace()})
	require.NoError(t, err)
	require.Equal(t, models.JobSuccess, record.Status)
	require.Len(t, record.Steps, 1)
	require.Equal(t, 0, record.Steps[0].ExitCode)
	require.Contains(t, record.Steps[0].Stdout, "hi")
	require.True(t, record.Valid())

	loaded, err := store.Get(spec.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobSuccess, loaded.Status)

	b, ok := r.deps.Baselines.Get(record.Fingerprint)
	require.True(t, ok)
	require.Equal(t, int64(1), b.Samples)
}

func TestRunFailFastStopsAtFirstNonZeroExit(t *testing.T) {
	r, _ := newTestRunner(t)
	spec := models.JobSpec{
		JobID:      "job-failfast",
		Image:      "alpine:3.19",
		Commands:   []string{"true", "false", "echo never"},
		TTLSeconds: 60,
	}

	record, err := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace()})
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, record.Status)
	require.Len(t, record.Steps, 2)
	require.NotEqual(t, 0, record.Steps[1].ExitCode)
	for _, s := range record.Steps {
		require.NotEqual(t, "echo never", s.Command)
	}
}

func TestRunReportsBackendFatalExecErrorAsFailedNotTimedOut(t *testing.T) {
	base := t.TempDir()
	store := runstore.New(base)
	bl, err := baseline.New(base)
	require.NoError(t, err)

	r := New(Deps{
		Backend:   execErrorBackend{execbackend.New(t.TempDir())},
		Store:     store,
		Baselines: bl,
		Anomalies: baseline.NewAnomalyLog(base),
		Policy:    policy.NewEngine(policy.SecurityPolicy{}),
		Clock:     clock.NewMock(),
	})

	spec := models.JobSpec{
		JobID:      "job-exec-error",
		Image:      "alpine:3.19",
		Commands:   []string{"echo hi"},
		TTLSeconds: 60,
	}

	record, runErr := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace()})
	require.NoError(t, runErr)
	require.Equal(t, models.JobFailed, record.Status)
}

func TestRunRespectsCancellation(t *testing.T) {
	r, _ := newTestRunner(t)
	cancel := make(chan struct{})
	close(cancel)

	spec := models.JobSpec{
		JobID:      "job-cancel",
		Image:      "alpine:3.19",
		Commands:   []string{"echo one", "echo two"},
		TTLSeconds: 60,
	}

	record, err := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace(), Cancel: cancel})
	require.NoError(t, err)
	require.Equal(t, models.JobCancelled, record.Status)
}

func TestRunCollectsArtifacts(t *testing.T) {
	r, _ := newTestRunner(t)
	spec := models.JobSpec{
		JobID:      "job-artifacts",
		Image:      "alpine:3.19",
		Commands:   []string{"echo data > out.txt"},
		Artifacts:  []string{"*.txt"},
		TTLSeconds: 60,
	}

	record, err := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace()})
	require.NoError(t, err)
	require.Equal(t, models.JobSuccess, record.Status)
	require.Len(t, record.Artifacts, 1)
	require.NotEmpty(t, record.Artifacts[0].SHA256)
}

func TestRunAppliesCleanupPolicy(t *testing.T) {
	r, _ := newTestRunner(t)
	spec := models.JobSpec{
		JobID:         "job-cleanup",
		Image:         "alpine:3.19",
		Commands:      []string{"echo hi"},
		TTLSeconds:    60,
		CleanupPolicy: models.CleanupKeepOnCompletion,
	}

	record, err := r.Run(context.Background(), spec, Options{Workspace: defaultWorkspace()})
	require.NoError(t, err)
	require.Equal(t, "kept", record.CleanupStatus)
}
