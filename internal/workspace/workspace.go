// Package workspace implements tenant workspace CRUD and the bootstrap
// invariant that "ws_default" always exists, following the directory-per-
// entity, atomic-write persistence pattern used throughout this module
// (runstore, audit, baseline) rather than buildbeaver's database-backed
// service layer, since this module has no database.
package workspace

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
)

// Store persists Workspaces under <base>/workspaces/<id>/workspace.json,
// serialized behind a single mutex since workspace mutation is rare and
// never on a hot path.
type Store struct {
	mu    sync.Mutex
	base  string
	audit *audit.Logger
	log   logger.Log
}

func New(base string, auditLogger *audit.Logger, logFactory logger.LogFactory) *Store {
	if logFactory == nil {
		logFactory = logger.NoOpLogFactory
	}
	return &Store{base: filepath.Join(base, "workspaces"), audit: auditLogger, log: logFactory("WorkspaceStore")}
}

func (s *Store) pathFor(id models.WorkspaceID) string {
	return filepath.Join(s.base, id.String(), "workspace.json")
}

// EnsureDefault creates the bootstrap "ws_default" workspace with
// conservative default settings and limits if it does not already exist.
// It is safe to call on every process start.
func (s *Store) EnsureDefault() error {
	_, err := s.Get(models.DefaultWorkspaceID)
	if err == nil {
		return nil
	}
	if !gerror.IsNotFound(err) {
		return err
	}
	_, err = s.create(models.Workspace{
		ID:       models.DefaultWorkspaceID,
		Name:     "Default",
		Status:   models.WorkspaceActive,
		Settings: models.DefaultSettings(),
		Limits:   models.DefaultLimits(),
	})
	return err
}

// Create persists a new workspace. Returns gerror.ErrCodeAlreadyExists if
// one with the same id is already present.
func (s *Store) Create(ws models.Workspace) (*models.Workspace, error) {
	record, err := s.create(ws)
	if err == nil {
		s.auditEvent(ws.ID, models.ActionWorkspaceCreated)
	}
	return record, err
}

func (s *Store) create(ws models.Workspace) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ws.ID.Valid() {
		ws.ID = models.NewWorkspaceID()
	}
	if ws.Status == "" {
		ws.Status = models.WorkspaceActive
	}
	path := s.pathFor(ws.ID)
	if _, err := os.Stat(path); err == nil {
		return nil, gerror.NewErrAlreadyExists("workspace " + ws.ID.String() + " already exists")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, gerror.NewErrPersistenceFailed("failed creating workspace directory", err)
	}
	if err := atomicWriteJSON(path, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Get loads a workspace by id.
func (s *Store) Get(id models.WorkspaceID) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ws models.Workspace
	if err := readJSON(s.pathFor(id), &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Update replaces a workspace's persisted state in full.
func (s *Store) Update(ws models.Workspace) (*models.Workspace, error) {
	s.mu.Lock()
	if _, err := os.Stat(s.pathFor(ws.ID)); err != nil {
		s.mu.Unlock()
		return nil, gerror.NewErrNotFound("workspace " + ws.ID.String() + " does not exist")
	}
	err := atomicWriteJSON(s.pathFor(ws.ID), &ws)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.auditEvent(ws.ID, models.ActionWorkspaceUpdated)
	return &ws, nil
}

// List returns every persisted workspace.
func (s *Store) List() ([]*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerror.NewErrPersistenceFailed("failed listing workspaces directory", err)
	}

	var out []*models.Workspace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var ws models.Workspace
		if err := readJSON(filepath.Join(s.base, e.Name(), "workspace.json"), &ws); err != nil {
			continue // best-effort: skip a missing/corrupt entry
		}
		out = append(out, &ws)
	}
	return out, nil
}

// Delete removes a workspace. The bootstrap "ws_default" workspace can
// never be deleted.
func (s *Store) Delete(id models.WorkspaceID) error {
	if id == models.DefaultWorkspaceID {
		return gerror.NewErrValidationFailed("the default workspace cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.base, id.String())); err != nil {
		return gerror.NewErrPersistenceFailed("failed deleting workspace directory", err)
	}
	return nil
}

func (s *Store) auditEvent(id models.WorkspaceID, action models.AuditAction) {
	if s.audit == nil {
		return
	}
	event := models.AuditEvent{
		WorkspaceID:  id,
		ActorType:    "system",
		ActorID:      "workspacestore",
		Action:       action,
		ResourceType: "workspace",
		ResourceID:   id.String(),
		Outcome:      models.OutcomeSuccess,
	}
	if err := s.audit.Append(event); err != nil {
		s.log.Warnf("failed appending audit event %s for %s: %v", action, id, err)
	}
}
