// Package workflowmanager implements the WorkflowManager of §4.10: it
// mirrors JobManager's submit/get/cancel/list pattern for whole workflow
// executions, and propagates workflow-level cancellation down to every
// in-flight job the workflow has dispatched.
package workflowmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/runstore"
	"github.com/treksavvysky/orcaops/internal/workflow"
)

const maxResidentWorkflows = 100

type entry struct {
	mu     sync.RWMutex
	record *models.WorkflowRecord
	cancel chan struct{}
}

func (e *entry) snapshot() *models.WorkflowRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *e.record
	return &cp
}

func (e *entry) set(r *models.WorkflowRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = r
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Runner     *workflow.Runner
	Store      *runstore.Store
	Audit      *audit.Logger
	LogFactory logger.LogFactory
}

// Manager admits, tracks and cancels workflow executions.
type Manager struct {
	deps Deps
	log  logger.Log

	mu       sync.Mutex
	order    []string
	resident map[string]*entry
}

func New(deps Deps) *Manager {
	if deps.LogFactory == nil {
		deps.LogFactory = logger.NoOpLogFactory
	}
	return &Manager{
		deps:     deps,
		log:      deps.LogFactory("WorkflowManager"),
		resident: make(map[string]*entry),
	}
}

// Submit assigns a workflow id, registers it resident, and starts executing
// it in the background. It returns the initial PENDING record.
func (m *Manager) Submit(ctx context.Context, spec models.WorkflowSpec, ws models.Workspace) (*models.WorkflowRecord, error) {
	workflowID := models.NewWorkflowID().String()

	record := &models.WorkflowRecord{
		WorkflowID:  workflowID,
		SpecName:    spec.Name,
		Status:      models.WorkflowPending,
		JobStatuses: make(map[string]models.WorkflowJobStatus),
		JobRunIDs:   make(map[string]string),
	}
	e := &entry{record: record, cancel: make(chan struct{})}
	m.register(workflowID, e)
	m.auditEvent(ws.ID, models.ActionWorkflowCreated, workflowID, models.OutcomeSuccess)

	go m.execute(e, workflowID, spec, ws)

	return record, nil
}

func (m *Manager) execute(e *entry, workflowID string, spec models.WorkflowSpec, ws models.Workspace) {
	result, err := m.deps.Runner.Run(context.Background(), workflowID, spec, ws, e.cancel)
	if err != nil {
		m.log.Errorf("workflow %s execution returned an error: %v", workflowID, err)
	}
	if result != nil {
		e.set(result)
	}
}

func (m *Manager) register(workflowID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resident[workflowID] = e
	m.order = append(m.order, workflowID)
	for len(m.order) > maxResidentWorkflows {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.resident, oldest)
	}
}

// Get returns the current state of a workflow: from the in-memory registry
// if still resident, otherwise falling back to RunStore.
func (m *Manager) Get(workflowID string) (*models.WorkflowRecord, error) {
	m.mu.Lock()
	e, ok := m.resident[workflowID]
	m.mu.Unlock()
	if ok {
		return e.snapshot(), nil
	}
	return m.deps.Store.GetWorkflow(workflowID)
}

// Cancel requests cooperative cancellation of a running workflow by closing
// the channel the workflow runner watches; the runner then calls
// JobManager.Cancel for each job it is waiting on, so cancellation
// propagates to children.
func (m *Manager) Cancel(workflowID string) error {
	m.mu.Lock()
	e, ok := m.resident[workflowID]
	m.mu.Unlock()
	if !ok {
		return gerror.NewErrNotFound(fmt.Sprintf("workflow %q is not running", workflowID))
	}
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
	}
	return nil
}

func (m *Manager) auditEvent(ws models.WorkspaceID, action models.AuditAction, resourceID string, outcome models.AuditOutcome) {
	if m.deps.Audit == nil {
		return
	}
	event := models.AuditEvent{
		WorkspaceID:  ws,
		ActorType:    "system",
		ActorID:      "workflowmanager",
		Action:       action,
		ResourceType: "workflow",
		ResourceID:   resourceID,
		Outcome:      outcome,
	}
	if err := m.deps.Audit.Append(event); err != nil {
		m.log.Warnf("failed appending audit event %s for %s: %v", action, resourceID, err)
	}
}
