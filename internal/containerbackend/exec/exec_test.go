package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/containerbackend"
)

func TestCreateStartExecRemove(t *testing.T) {
	ctx := context.Background()
	b := New(t.TempDir())

	id, err := b.Create(ctx, containerbackend.CreateSpec{Name: "test", Image: "alpine:3.18"})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, id))

	result, err := b.Exec(ctx, id, []string{"sh", "-c", "echo hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hello")

	require.NoError(t, b.Remove(ctx, id))
	_, err = b.Exec(ctx, id, []string{"true"}, nil)
	require.Error(t, err)
}

func TestExecCapturesNonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	b := New(t.TempDir())
	id, err := b.Create(ctx, containerbackend.CreateSpec{Name: "test", Image: "alpine:3.18"})
	require.NoError(t, err)

	result, err := b.Exec(ctx, id, []string{"sh", "-c", "exit 7"}, nil)
	require.NoError(t, err)
	require.Equal(t, 7, result.ExitCode)
}

func TestListMatchingFindsArtifacts(t *testing.T) {
	ctx := context.Background()
	b := New(t.TempDir())
	id, err := b.Create(ctx, containerbackend.CreateSpec{Name: "test", Image: "alpine:3.18"})
	require.NoError(t, err)

	_, err = b.Exec(ctx, id, []string{"sh", "-c", "echo data > out.txt"}, nil)
	require.NoError(t, err)

	matches, err := b.ListMatching(ctx, id, "*.txt")
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestCopyFromContainer(t *testing.T) {
	ctx := context.Background()
	b := New(t.TempDir())
	id, err := b.Create(ctx, containerbackend.CreateSpec{Name: "test", Image: "alpine:3.18"})
	require.NoError(t, err)

	_, err = b.Exec(ctx, id, []string{"sh", "-c", "echo data > out.txt"}, nil)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "collected", "out.txt")
	require.NoError(t, b.CopyFromContainer(ctx, id, "out.txt", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "data\n", string(data))
}

func TestWaitHealthyNoOp(t *testing.T) {
	ctx := context.Background()
	b := New(t.TempDir())
	id, err := b.Create(ctx, containerbackend.CreateSpec{Name: "test", Image: "alpine:3.18"})
	require.NoError(t, err)
	require.NoError(t, b.WaitHealthy(ctx, id, containerbackend.HealthCheck{}))
}
