package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

func TestAppendAndQueryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	ws := models.NewWorkspaceID()

	require.NoError(t, l.Append(models.AuditEvent{
		WorkspaceID: ws,
		ActorType:   "user",
		ActorID:     "alice",
		Action:      models.ActionJobCreated,
		Outcome:     models.OutcomeSuccess,
	}))
	require.NoError(t, l.Append(models.AuditEvent{
		WorkspaceID: ws,
		ActorType:   "user",
		ActorID:     "alice",
		Action:      models.ActionPolicyViolated,
		Outcome:     models.OutcomeDenied,
	}))

	events, err := l.Query(Filters{WorkspaceID: ws}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// reverse chronological: most recent append first
	require.Equal(t, models.ActionPolicyViolated, events[0].Action)
	require.Equal(t, models.ActionJobCreated, events[1].Action)
}

func TestQueryFiltersByOutcome(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	ws := models.NewWorkspaceID()

	require.NoError(t, l.Append(models.AuditEvent{WorkspaceID: ws, Action: models.ActionJobCreated, Outcome: models.OutcomeSuccess}))
	require.NoError(t, l.Append(models.AuditEvent{WorkspaceID: ws, Action: models.ActionJobDenied, Outcome: models.OutcomeDenied}))

	events, err := l.Query(Filters{WorkspaceID: ws, Outcome: models.OutcomeDenied}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionJobDenied, events[0].Action)
}

func TestQueryPartitionsByDayAndScansMostRecentFirst(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	day2 := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local)

	l1 := NewLoggerWithClock(dir, func() time.Time { return day1 })
	require.NoError(t, l1.Append(models.AuditEvent{Action: models.ActionJobCreated}))

	l2 := NewLoggerWithClock(dir, func() time.Time { return day2 })
	require.NoError(t, l2.Append(models.AuditEvent{Action: models.ActionJobCompleted}))

	events, err := l2.Query(Filters{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.ActionJobCompleted, events[0].Action)
}

func TestQueryEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	events, err := l.Query(Filters{}, 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}
