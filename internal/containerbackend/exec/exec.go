// Package exec implements containerbackend.Backend without a container
// engine, by running commands directly on the host inside a per-job
// temporary directory. It exists so ORCAOPS_SKIP_BACKEND_INIT=1 test
// harnesses can exercise JobRunner/ServiceManager without a Docker daemon.
// It provides none of Docker's isolation and must never be used for
// untrusted workloads.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/bmatcuk/doublestar/v2"
	"github.com/google/uuid"

	"github.com/treksavvysky/orcaops/internal/containerbackend"
)

type sandbox struct {
	dir     string
	env     []string
	stopped bool
}

// Backend is an in-process, directory-backed stand-in for a real container
// engine, used by tests and by ORCAOPS_SKIP_BACKEND_INIT=1.
type Backend struct {
	mu       sync.Mutex
	sandboxes map[string]*sandbox
	rootDir  string
}

func New(rootDir string) *Backend {
	return &Backend{sandboxes: make(map[string]*sandbox), rootDir: rootDir}
}

func (b *Backend) Pull(ctx context.Context, image string) error {
	return nil // no registry to pull from; image is purely a label
}

func (b *Backend) Create(ctx context.Context, spec containerbackend.CreateSpec) (string, error) {
	id := uuid.New().String()
	dir := filepath.Join(b.rootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating sandbox directory: %w", err)
	}
	for _, m := range spec.Mounts {
		if err := copyTree(m.HostPath, filepath.Join(dir, filepath.Base(m.ContainerPath))); err != nil {
			return "", fmt.Errorf("error materializing mount: %w", err)
		}
	}

	b.mu.Lock()
	b.sandboxes[id] = &sandbox{dir: dir, env: spec.Env}
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) Start(ctx context.Context, containerID string) error {
	_, err := b.get(containerID)
	return err
}

func (b *Backend) get(containerID string) (*sandbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sandboxes[containerID]
	if !ok {
		return nil, fmt.Errorf("error unknown sandbox %q", containerID)
	}
	return s, nil
}

func (b *Backend) Exec(ctx context.Context, containerID string, command []string, env []string) (containerbackend.ExecResult, error) {
	s, err := b.get(containerID)
	if err != nil {
		return containerbackend.ExecResult{}, err
	}
	if len(command) == 0 {
		return containerbackend.ExecResult{}, fmt.Errorf("error empty command")
	}

	// The teacher's exec runtime writes a script and invokes it via a shell;
	// here the argv is executed directly (JobRunner passes each step as
	// "sh -c <command>"), and the shell-quoted form below is used only to
	// render the command in an error message.
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = shellescape.Quote(c)
	}

	cmd := osexec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = s.dir
	cmd.Env = append(append([]string{}, s.env...), env...)
	cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*osexec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return containerbackend.ExecResult{}, fmt.Errorf("error running %v: %w", quoted, runErr)
		}
	}

	return containerbackend.ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (b *Backend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	s, err := b.get(containerID)
	if err != nil {
		return nil // already gone
	}
	s.stopped = true
	return nil
}

func (b *Backend) Remove(ctx context.Context, containerID string) error {
	b.mu.Lock()
	s, ok := b.sandboxes[containerID]
	delete(b.sandboxes, containerID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(s.dir)
}

func (b *Backend) CopyFromContainer(ctx context.Context, containerID, containerPath, hostPath string) error {
	s, err := b.get(containerID)
	if err != nil {
		return err
	}
	src := filepath.Join(s.dir, containerPath)
	return copyFile(src, hostPath)
}

func (b *Backend) Stats(ctx context.Context, containerID string) (containerbackend.ResourceSnapshot, error) {
	if _, err := b.get(containerID); err != nil {
		return containerbackend.ResourceSnapshot{}, err
	}
	// The exec backend has no cgroup to sample; return a zero snapshot
	// rather than fabricating numbers.
	return containerbackend.ResourceSnapshot{}, nil
}

// ListMatching returns matches rooted at "/" within the sandbox, mirroring
// the in-container absolute paths a real Backend.ListMatching would report,
// so callers (and CopyFromContainer below) always work with sandbox-root-
// relative paths regardless of which Backend is in use.
func (b *Backend) ListMatching(ctx context.Context, containerID, glob string) ([]string, error) {
	s, err := b.get(containerID)
	if err != nil {
		return nil, err
	}
	absMatches, err := doublestar.Glob(filepath.Join(s.dir, glob))
	if err != nil {
		return nil, fmt.Errorf("error matching glob %q: %w", glob, err)
	}
	matches := make([]string, len(absMatches))
	for i, m := range absMatches {
		rel, err := filepath.Rel(s.dir, m)
		if err != nil {
			return nil, fmt.Errorf("error computing relative artifact path: %w", err)
		}
		matches[i] = "/" + rel
	}
	return matches, nil
}

func (b *Backend) CreateNetwork(ctx context.Context, name string) (string, error) {
	return "net-" + uuid.New().String(), nil // no real networking between sandboxes
}

func (b *Backend) RemoveNetwork(ctx context.Context, networkID string) error {
	return nil
}

func (b *Backend) Connect(ctx context.Context, containerID, networkID, alias string) error {
	return nil
}

func (b *Backend) WaitHealthy(ctx context.Context, containerID string, check containerbackend.HealthCheck) error {
	return nil // sandboxes start "healthy" immediately; there is nothing to probe
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
