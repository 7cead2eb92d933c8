// Package quota tracks per-workspace concurrency and daily-count limits and
// enforces them with a single CAS-style check_and_reserve operation so that
// no caller can observe a stale count between check and increment.
package quota

import (
	"sync"
	"time"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

// Kind identifies which counter a reservation applies to.
type Kind string

const (
	KindJob      Kind = "job"
	KindSandbox  Kind = "sandbox"
)

type workspaceCounters struct {
	runningJobs      int
	runningSandboxes int
	jobsToday        int
	dayStamp         string
}

// Tracker is a process-wide, thread-safe quota enforcer. It is safe for
// concurrent use by any number of executor goroutines.
type Tracker struct {
	mu      sync.Mutex
	byWorkspace map[models.WorkspaceID]*workspaceCounters
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		byWorkspace: make(map[models.WorkspaceID]*workspaceCounters),
		now:         time.Now,
	}
}

// NewTrackerWithClock is used by tests to control the day-rollover boundary
// deterministically.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	t := NewTracker()
	t.now = now
	return t
}

func (t *Tracker) counters(ws models.WorkspaceID) *workspaceCounters {
	c, ok := t.byWorkspace[ws]
	if !ok {
		c = &workspaceCounters{}
		t.byWorkspace[ws] = c
	}
	day := t.now().Local().Format("2006-01-02")
	if c.dayStamp != day {
		c.dayStamp = day
		c.jobsToday = 0
	}
	return c
}

// CheckAndReserve atomically verifies limits and increments the relevant
// counter(s) in one critical section. It returns a gerror with
// ErrCodeQuotaExceeded if the reservation cannot be made.
func (t *Tracker) CheckAndReserve(ws models.WorkspaceID, limits models.Limits, kind Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(ws)

	switch kind {
	case KindJob:
		if limits.MaxConcurrentJobs > 0 && c.runningJobs >= limits.MaxConcurrentJobs {
			return gerror.NewErrQuotaExceeded("max_concurrent_jobs reached").EDetail("workspace_id", ws.String())
		}
		if limits.DailyJobLimit != nil && c.jobsToday >= *limits.DailyJobLimit {
			return gerror.NewErrQuotaExceeded("daily_job_limit reached").EDetail("workspace_id", ws.String())
		}
		c.runningJobs++
		c.jobsToday++
	case KindSandbox:
		if limits.MaxConcurrentSandboxes > 0 && c.runningSandboxes >= limits.MaxConcurrentSandboxes {
			return gerror.NewErrQuotaExceeded("max_concurrent_sandboxes reached").EDetail("workspace_id", ws.String())
		}
		c.runningSandboxes++
	}
	return nil
}

// Release decrements the relevant counter. It is a no-op below zero so a
// duplicate release (e.g. from both a watchdog and a normal completion path)
// never under-flows the counters.
func (t *Tracker) Release(ws models.WorkspaceID, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counters(ws)
	switch kind {
	case KindJob:
		if c.runningJobs > 0 {
			c.runningJobs--
		}
	case KindSandbox:
		if c.runningSandboxes > 0 {
			c.runningSandboxes--
		}
	}
}

// Snapshot returns the current counters for a workspace, for status/debug
// reporting.
type Snapshot struct {
	RunningJobs      int
	RunningSandboxes int
	JobsToday        int
}

func (t *Tracker) Snapshot(ws models.WorkspaceID) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(ws)
	return Snapshot{RunningJobs: c.runningJobs, RunningSandboxes: c.runningSandboxes, JobsToday: c.jobsToday}
}
