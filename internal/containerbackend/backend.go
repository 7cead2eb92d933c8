// Package containerbackend defines the interface JobRunner, ServiceManager
// and WorkflowRunner use to drive sandbox containers, independent of which
// concrete engine (Docker, or a local-exec fallback for tests) backs them.
package containerbackend

import (
	"context"
	"time"
)

// Mount is a single bind mount from the host into the sandbox.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// SecurityOpts is the hardening vector a container is created with.
type SecurityOpts struct {
	DropAllCapabilities bool
	NoNewPrivileges     bool
	ReadOnlyRootFS      bool
}

// ResourceCaps bounds the CPU and memory a container may consume.
type ResourceCaps struct {
	CPUs     float64
	MemoryMB int
}

// CreateSpec is everything needed to create (but not yet start) a sandbox
// container.
type CreateSpec struct {
	Name         string
	Image        string
	Env          []string
	Mounts       []Mount
	NetworkID    string
	NetworkAlias string
	Security     SecurityOpts
	Resources    ResourceCaps
}

// ExecResult is the outcome of running one command inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ResourceSnapshot is a point-in-time resource usage sample for a running
// or just-stopped container.
type ResourceSnapshot struct {
	CPUPercent  float64
	MemoryMB    float64
	NetRxBytes  int64
	NetTxBytes  int64
	DiskReadBytes  int64
	DiskWriteBytes int64
}

// HealthCheck describes how ServiceManager waits for a service container to
// become ready.
type HealthCheck struct {
	Command []string
	Port    int
	Timeout time.Duration
}

// Backend is the container engine abstraction consumed by JobRunner and
// ServiceManager. Implementations must be safe for concurrent use across
// unrelated containers.
type Backend interface {
	// Pull ensures image is present locally, pulling it if necessary.
	Pull(ctx context.Context, image string) error
	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	// Start starts a previously created container.
	Start(ctx context.Context, containerID string) error
	// Exec runs a command inside a running container and waits for it to
	// complete.
	Exec(ctx context.Context, containerID string, command []string, env []string) (ExecResult, error)
	// Stop stops a running container, waiting up to grace before forcing it.
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	// Remove removes a stopped container.
	Remove(ctx context.Context, containerID string) error
	// CopyFromContainer copies a single file out of the container's
	// filesystem to hostPath.
	CopyFromContainer(ctx context.Context, containerID, containerPath, hostPath string) error
	// Stats captures a resource snapshot for a running or recently-stopped
	// container.
	Stats(ctx context.Context, containerID string) (ResourceSnapshot, error)
	// ListMatching expands a glob pattern rooted at / inside the container
	// and returns the matching absolute paths.
	ListMatching(ctx context.Context, containerID, glob string) ([]string, error)
	// CreateNetwork creates an isolated network and returns its id.
	CreateNetwork(ctx context.Context, name string) (networkID string, err error)
	// RemoveNetwork removes a previously created network.
	RemoveNetwork(ctx context.Context, networkID string) error
	// Connect attaches an already-created container to a network under the
	// given alias.
	Connect(ctx context.Context, containerID, networkID, alias string) error
	// WaitHealthy blocks (with bounded backoff) until the health check
	// passes or the context/health check's own timeout expires.
	WaitHealthy(ctx context.Context, containerID string, check HealthCheck) error
}
