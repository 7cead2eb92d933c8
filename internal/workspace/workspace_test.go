package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

func TestEnsureDefaultCreatesBootstrapWorkspace(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	require.NoError(t, s.EnsureDefault())

	ws, err := s.Get(models.DefaultWorkspaceID)
	require.NoError(t, err)
	require.Equal(t, models.WorkspaceActive, ws.Status)
	require.Equal(t, models.DefaultSettings(), ws.Settings)
}

func TestEnsureDefaultIsIdempotent(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	require.NoError(t, s.EnsureDefault())
	require.NoError(t, s.EnsureDefault())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	ws := models.Workspace{ID: models.WorkspaceIDFromName("acme"), Name: "Acme"}

	_, err := s.Create(ws)
	require.NoError(t, err)

	_, err = s.Create(ws)
	require.Error(t, err)
}

func TestUpdateRequiresExistingWorkspace(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	ws := models.Workspace{ID: models.WorkspaceIDFromName("ghost"), Name: "Ghost"}
	_, err := s.Update(ws)
	require.Error(t, err)
}

func TestListReturnsAllWorkspaces(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	require.NoError(t, s.EnsureDefault())
	_, err := s.Create(models.Workspace{ID: models.WorkspaceIDFromName("acme"), Name: "Acme"})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestDeleteRefusesDefaultWorkspace(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	require.NoError(t, s.EnsureDefault())
	require.Error(t, s.Delete(models.DefaultWorkspaceID))
}
