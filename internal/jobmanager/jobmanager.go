// Package jobmanager implements the JobManager of §4.7: admission control
// (policy then quota), an in-memory registry of in-flight jobs backed by
// RunStore for anything evicted or restarted, cooperative cancellation, and
// startup reconciliation of orphaned non-terminal runs.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/jobrunner"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/quota"
	"github.com/treksavvysky/orcaops/internal/runstore"
	"github.com/treksavvysky/orcaops/internal/util"
)

// maxResidentJobs bounds the in-memory registry; older terminal entries are
// evicted once the cap is reached, remaining reachable through RunStore.
const maxResidentJobs = 100

// entry is one job tracked by the manager. record is only ever mutated by
// the executor goroutine that owns it; every other reader takes mu.
type entry struct {
	mu     sync.RWMutex
	record *models.RunRecord
	cancel chan struct{}
}

func (e *entry) snapshot() *models.RunRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *e.record
	return &cp
}

func (e *entry) set(r *models.RunRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = r
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Runner     *jobrunner.Runner
	Store      *runstore.Store
	Policy     *policy.Engine
	Quota      *quota.Tracker
	Audit      *audit.Logger
	LogFactory logger.LogFactory
}

// Manager admits, tracks and cancels job executions for every workspace.
type Manager struct {
	deps Deps
	log  logger.Log

	mu       sync.Mutex
	order    []string // insertion order of jobIDs still resident, for eviction
	resident map[string]*entry

	reconciler *util.StatefulService
}

func New(deps Deps) *Manager {
	if deps.LogFactory == nil {
		deps.LogFactory = logger.NoOpLogFactory
	}
	return &Manager{
		deps:     deps,
		log:      deps.LogFactory("JobManager"),
		resident: make(map[string]*entry),
	}
}

// SubmitOptions carries per-submission inputs that come from a caller other
// than the JobSpec itself, such as a service network a WorkflowRunner wants
// the job's sandbox attached to.
type SubmitOptions struct {
	// NetworkID, when set, attaches the sandbox to a ServiceManager-created
	// network so it can reach sibling service containers.
	NetworkID string
}

// Submit admits spec against policy and quota, then starts executing it in
// the background. It returns the initial (QUEUED) RunRecord; callers poll
// Get for progress.
func (m *Manager) Submit(ctx context.Context, spec models.JobSpec, ws models.Workspace, opts SubmitOptions) (*models.RunRecord, error) {
	if !models.ValidCallerSuppliedID(spec.JobID) {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("invalid job_id %q", spec.JobID))
	}
	if ws.Status == models.WorkspaceDisabled {
		return nil, gerror.NewErrValidationFailed("workspace is disabled")
	}

	record := &models.RunRecord{
		JobID:  spec.JobID,
		Spec:   spec,
		Status: models.JobQueued,
	}
	e := &entry{record: record, cancel: make(chan struct{})}
	if !m.reserve(spec.JobID, e) {
		return nil, gerror.NewErrAlreadyExists(fmt.Sprintf("job %q already exists", spec.JobID))
	}

	if decision := m.deps.Policy.ValidateJob(ws.Settings, spec); !decision.Allowed {
		m.unreserve(spec.JobID)
		m.auditDenied(ws.ID, spec, decision)
		return nil, gerror.NewErrPolicyViolation(fmt.Sprintf("job denied: %s", decision.Violations[0].Reason))
	}

	if err := m.deps.Quota.CheckAndReserve(ws.ID, ws.Limits, quota.KindJob); err != nil {
		m.unreserve(spec.JobID)
		m.auditEvent(ws.ID, models.ActionJobDenied, spec.JobID, models.OutcomeDenied, map[string]interface{}{"reason": err.Error()})
		return nil, err
	}

	m.auditEvent(ws.ID, models.ActionJobCreated, spec.JobID, models.OutcomeSuccess, nil)

	go m.execute(e, spec, ws, opts)

	return record, nil
}

func (m *Manager) execute(e *entry, spec models.JobSpec, ws models.Workspace, opts SubmitOptions) {
	defer m.deps.Quota.Release(ws.ID, quota.KindJob)

	result, err := m.deps.Runner.Run(context.Background(), spec, jobrunner.Options{
		Workspace: ws,
		NetworkID: opts.NetworkID,
		Cancel:    e.cancel,
	})
	if err != nil {
		m.log.Errorf("job %s execution returned an error: %v", spec.JobID, err)
	}
	if result != nil {
		e.set(result)
	}

	outcome := models.OutcomeSuccess
	if result == nil || result.Status != models.JobSuccess {
		outcome = models.OutcomeError
	}
	m.auditEvent(ws.ID, models.ActionJobCompleted, spec.JobID, outcome, map[string]interface{}{"status": statusOf(result)})
}

func statusOf(r *models.RunRecord) models.JobStatus {
	if r == nil {
		return models.JobFailed
	}
	return r.Status
}

// reserve atomically checks for an existing resident job with this id and,
// if none exists, inserts e under the same lock acquisition — so two
// concurrent submits for the same fresh job_id can never both succeed.
// Evicted entries remain fully readable via RunStore.
func (m *Manager) reserve(jobID string, e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resident[jobID]; exists {
		return false
	}
	m.resident[jobID] = e
	m.order = append(m.order, jobID)
	for i := 0; len(m.order) > maxResidentJobs && i < len(m.order); {
		id := m.order[i]
		if !m.resident[id].snapshot().Status.Terminal() {
			i++
			continue
		}
		m.order = append(m.order[:i], m.order[i+1:]...)
		delete(m.resident, id)
	}
	return true
}

// unreserve removes a slot reserved by reserve when admission is denied
// after the reservation (policy or quota), so the job_id can be resubmitted.
func (m *Manager) unreserve(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resident, jobID)
	for i, id := range m.order {
		if id == jobID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the current state of a job: from the in-memory registry if it
// is still resident, otherwise falling back to RunStore.
func (m *Manager) Get(jobID string) (*models.RunRecord, error) {
	m.mu.Lock()
	e, ok := m.resident[jobID]
	m.mu.Unlock()
	if ok {
		return e.snapshot(), nil
	}
	return m.deps.Store.Get(jobID)
}

// Cancel requests cooperative cancellation of a running job. It returns a
// NotFound error if the job is not resident (e.g. already terminal and
// evicted); cancelling a resident job a second time is a no-op.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	e, ok := m.resident[jobID]
	m.mu.Unlock()
	if !ok {
		return gerror.NewErrNotFound(fmt.Sprintf("job %q is not running", jobID))
	}
	select {
	case <-e.cancel:
		// already cancelled
	default:
		close(e.cancel)
	}
	return nil
}

// List returns a RunStore-backed listing of run records matching filter.
func (m *Manager) List(filter runstore.Filter) ([]*models.RunRecord, error) {
	return m.deps.Store.List(filter)
}

// Reconcile scans RunStore at startup for runs left in a non-terminal state
// by a previous process that exited uncleanly, and marks them FAILED with
// reason "orphaned" so they do not block workspace quota forever.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	records, err := m.deps.Store.List(runstore.Filter{})
	if err != nil {
		return 0, fmt.Errorf("error listing runs for reconciliation: %w", err)
	}

	reconciled := 0
	for _, r := range records {
		if r.Status.Terminal() {
			continue
		}
		r.Status = models.JobFailed
		r.Error = "orphaned: process restarted while job was non-terminal"
		if r.FinishedAt == nil {
			now := models.Now()
			r.FinishedAt = &now
		}
		if err := m.deps.Store.Put(r); err != nil {
			m.log.Errorf("failed persisting reconciled run %s: %v", r.JobID, err)
			continue
		}
		m.auditEvent(r.Spec.WorkspaceID, models.ActionJobCompleted, r.JobID, models.OutcomeError, map[string]interface{}{"reason": "orphaned"})
		reconciled++
	}
	if reconciled > 0 {
		m.log.Infof("reconciled %d orphaned job(s) at startup", reconciled)
	}
	return reconciled, nil
}

// StartBackgroundReconciler runs Reconcile on a fixed interval until
// StopBackgroundReconciler is called, for long-running processes sharing a
// RunStore directory with other orcaops instances that may crash
// independently. It is a no-op if already started.
func (m *Manager) StartBackgroundReconciler(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.reconciler != nil {
		m.mu.Unlock()
		return
	}
	var svc *util.StatefulService
	svc = util.NewStatefulService(ctx, m.log, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Reconcile(svc.Ctx()); err != nil {
					m.log.Errorf("background reconciliation failed: %v", err)
				}
			case <-svc.Ctx().Done():
				return
			}
		}
	})
	m.reconciler = svc
	m.mu.Unlock()
	svc.Start()
}

// StopBackgroundReconciler stops a reconciler started with
// StartBackgroundReconciler, blocking until its loop has exited. It is a
// no-op if none is running.
func (m *Manager) StopBackgroundReconciler() {
	m.mu.Lock()
	svc := m.reconciler
	m.reconciler = nil
	m.mu.Unlock()
	if svc != nil {
		svc.Stop()
	}
}

func (m *Manager) auditDenied(ws models.WorkspaceID, spec models.JobSpec, decision policy.Decision) {
	details := map[string]interface{}{"reason": decision.Violations[0].Reason, "rule": decision.Violations[0].Rule}
	m.auditEvent(ws, models.ActionPolicyViolated, spec.JobID, models.OutcomeDenied, details)
}

func (m *Manager) auditEvent(ws models.WorkspaceID, action models.AuditAction, resourceID string, outcome models.AuditOutcome, details map[string]interface{}) {
	if m.deps.Audit == nil {
		return
	}
	event := models.AuditEvent{
		WorkspaceID:  ws,
		ActorType:    "system",
		ActorID:      "jobmanager",
		Action:       action,
		ResourceType: "job",
		ResourceID:   resourceID,
		Outcome:      outcome,
		Details:      details,
	}
	if err := m.deps.Audit.Append(event); err != nil {
		m.log.Warnf("failed appending audit event %s for %s: %v", action, resourceID, err)
	}
}
