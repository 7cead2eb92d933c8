package runstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

func newRecord(jobID string, status models.JobStatus, image string) *models.RunRecord {
	return &models.RunRecord{
		JobID:     jobID,
		Spec:      models.JobSpec{JobID: jobID, Image: image, Commands: []string{"echo hi"}},
		Status:    status,
		CreatedAt: models.Now(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	record := newRecord("job-1", models.JobSuccess, "alpine:3.18")
	require.NoError(t, s.Put(record))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, record.JobID, got.JobID)
	require.Equal(t, record.Status, got.Status)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Get("nope")
	require.Error(t, err)
}

func TestListFiltersByStatusAndImageGlob(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put(newRecord("a", models.JobSuccess, "alpine:3.18")))
	require.NoError(t, s.Put(newRecord("b", models.JobFailed, "alpine:3.19")))
	require.NoError(t, s.Put(newRecord("c", models.JobSuccess, "debian:bookworm")))

	records, err := s.List(Filter{Status: models.JobSuccess, ImageGlob: "alpine:*"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].JobID)
}

func TestDeleteRemovesRunDirectory(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put(newRecord("x", models.JobSuccess, "alpine")))
	require.NoError(t, s.Delete("x"))
	_, err := s.Get("x")
	require.Error(t, err)
}

func TestCleanupRemovesOldTerminalRuns(t *testing.T) {
	s := New(t.TempDir())
	old := newRecord("old", models.JobSuccess, "alpine")
	old.CreatedAt = models.NewTime(time.Now().Add(-48 * time.Hour))
	require.NoError(t, s.Put(old))

	recent := newRecord("recent", models.JobSuccess, "alpine")
	require.NoError(t, s.Put(recent))

	n, err := s.Cleanup(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get("old")
	require.Error(t, err)
	_, err = s.Get("recent")
	require.NoError(t, err)
}

func TestPutGetWorkflowRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	wf := &models.WorkflowRecord{WorkflowID: "wf-1", SpecName: "ci", Status: models.WorkflowRunning, CreatedAt: models.Now()}
	require.NoError(t, s.PutWorkflow(wf))

	got, err := s.GetWorkflow("wf-1")
	require.NoError(t, err)
	require.Equal(t, wf.SpecName, got.SpecName)
}
