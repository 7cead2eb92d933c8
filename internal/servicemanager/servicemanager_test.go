package servicemanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	execbackend "github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/models"
)

func TestStartAllReturnsNoNetworkWhenNoServicesDeclared(t *testing.T) {
	m := New(execbackend.New(t.TempDir()), nil)
	networkID, env, err := m.StartAll(context.Background(), "wf-1", "build", nil)
	require.NoError(t, err)
	require.Empty(t, networkID)
	require.Nil(t, env)
}

func TestStartAllStartsEachServiceAndInjectsEnv(t *testing.T) {
	m := New(execbackend.New(t.TempDir()), nil)
	services := map[string]models.ServiceDefinition{
		"db": {Image: "postgres:16", Port: 5432},
	}

	networkID, env, err := m.StartAll(context.Background(), "wf-1", "build", services)
	require.NoError(t, err)
	require.NotEmpty(t, networkID)
	require.Equal(t, "db", env["DB_HOST"])
	require.Equal(t, "5432", env["DB_PORT"])
	require.Len(t, m.started, 1)

	require.NoError(t, m.TeardownAll(context.Background()))
	require.Empty(t, m.started)
	require.Empty(t, m.networkID)
}
