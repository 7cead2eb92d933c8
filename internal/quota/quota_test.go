package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

func TestCheckAndReserveEnforcesConcurrencyLimit(t *testing.T) {
	tr := NewTracker()
	ws := models.NewWorkspaceID()
	limits := models.Limits{MaxConcurrentJobs: 1}

	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
	err := tr.CheckAndReserve(ws, limits, KindJob)
	require.Error(t, err)
	require.True(t, gerror.IsQuotaExceeded(err))

	tr.Release(ws, KindJob)
	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
}

func TestCheckAndReserveEnforcesDailyLimit(t *testing.T) {
	tr := NewTracker()
	ws := models.NewWorkspaceID()
	limit := 2
	limits := models.Limits{MaxConcurrentJobs: 10, DailyJobLimit: &limit}

	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
	tr.Release(ws, KindJob)
	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
	tr.Release(ws, KindJob)

	err := tr.CheckAndReserve(ws, limits, KindJob)
	require.Error(t, err)
	require.True(t, gerror.IsQuotaExceeded(err))
}

func TestDailyLimitResetsAtMidnight(t *testing.T) {
	day1 := time.Date(2026, 1, 1, 23, 59, 0, 0, time.Local)
	current := day1
	tr := NewTrackerWithClock(func() time.Time { return current })

	ws := models.NewWorkspaceID()
	limit := 1
	limits := models.Limits{DailyJobLimit: &limit}

	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
	tr.Release(ws, KindJob)
	require.Error(t, tr.CheckAndReserve(ws, limits, KindJob))

	current = day1.Add(2 * time.Hour) // past midnight
	require.NoError(t, tr.CheckAndReserve(ws, limits, KindJob))
}

func TestReleaseDoesNotUnderflow(t *testing.T) {
	tr := NewTracker()
	ws := models.NewWorkspaceID()
	tr.Release(ws, KindJob)
	snap := tr.Snapshot(ws)
	require.Equal(t, 0, snap.RunningJobs)
}
