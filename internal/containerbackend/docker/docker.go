// Package docker implements containerbackend.Backend against a local Docker
// daemon using the official docker/docker client library.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"

	"github.com/treksavvysky/orcaops/internal/containerbackend"
	"github.com/treksavvysky/orcaops/internal/logger"
)

// Backend drives a local Docker daemon on behalf of JobRunner and
// ServiceManager.
type Backend struct {
	client *client.Client
	log    logger.Log
}

func New(cli *client.Client, logFactory logger.LogFactory) *Backend {
	return &Backend{client: cli, log: logFactory("DockerBackend")}
}

// NewFromEnvironment builds a Docker client from the standard DOCKER_HOST/
// DOCKER_CERT_PATH environment, as used by the docker CLI itself.
func NewFromEnvironment(logFactory logger.LogFactory) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "error creating docker client")
	}
	return New(cli, logFactory), nil
}

func (b *Backend) Pull(ctx context.Context, image string) error {
	list, err := b.client.ImageList(ctx, types.ImageListOptions{All: false})
	if err != nil {
		return errors.Wrap(err, "error listing images")
	}
	for _, img := range list {
		for _, tag := range img.RepoTags {
			if tag == image {
				return nil
			}
		}
	}

	reader, err := b.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrap(err, "error pulling image")
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return errors.Wrap(err, "error reading image pull stream")
	}
	return nil
}

func (b *Backend) Create(ctx context.Context, spec containerbackend.CreateSpec) (string, error) {
	var binds []string
	for _, m := range spec.Mounts {
		bind := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	capDrop := []string{}
	if spec.Security.DropAllCapabilities {
		capDrop = []string{"ALL"}
	}

	cConfig := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Tty:   false,
	}
	hConfig := &container.HostConfig{
		Binds:          binds,
		AutoRemove:     false,
		ReadonlyRootfs: spec.Security.ReadOnlyRootFS,
		CapDrop:        capDrop,
		SecurityOpt:    securityOpt(spec.Security),
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPUs * 1e9),
			Memory:   int64(spec.Resources.MemoryMB) * 1024 * 1024,
		},
	}
	nConfig := &network.NetworkingConfig{}

	res, err := b.client.ContainerCreate(ctx, cConfig, hConfig, nConfig, nil, spec.Name)
	if err != nil {
		return "", errors.Wrap(err, "error creating container")
	}

	if spec.NetworkID != "" {
		epConfig := &network.EndpointSettings{}
		if spec.NetworkAlias != "" {
			epConfig.Aliases = []string{spec.NetworkAlias}
		}
		if err := b.client.NetworkConnect(ctx, spec.NetworkID, res.ID, epConfig); err != nil {
			return "", errors.Wrap(err, "error connecting container to network")
		}
	}

	return res.ID, nil
}

func securityOpt(s containerbackend.SecurityOpts) []string {
	var opts []string
	if s.NoNewPrivileges {
		opts = append(opts, "no-new-privileges:true")
	}
	return opts
}

func (b *Backend) Start(ctx context.Context, containerID string) error {
	if err := b.client.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrap(err, "error starting container")
	}
	return nil
}

func (b *Backend) Exec(ctx context.Context, containerID string, command []string, env []string) (containerbackend.ExecResult, error) {
	eConfig := types.ExecConfig{
		Cmd:          command,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := b.client.ContainerExecCreate(ctx, containerID, eConfig)
	if err != nil {
		return containerbackend.ExecResult{}, errors.Wrap(err, "error creating exec")
	}

	resp, err := b.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return containerbackend.ExecResult{}, errors.Wrap(err, "error attaching to exec")
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil && err != io.EOF {
		return containerbackend.ExecResult{}, errors.Wrap(err, "error reading exec output")
	}

	var exitCode int
	for {
		inspect, err := b.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return containerbackend.ExecResult{}, errors.Wrap(err, "error inspecting exec")
		}
		if inspect.Running {
			select {
			case <-ctx.Done():
				return containerbackend.ExecResult{}, ctx.Err()
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		exitCode = inspect.ExitCode
		break
	}

	return containerbackend.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (b *Backend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "error stopping container")
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, containerID string) error {
	err := b.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "error removing container")
	}
	return nil
}

func (b *Backend) CopyFromContainer(ctx context.Context, containerID, containerPath, hostPath string) error {
	reader, _, err := b.client.CopyFromContainer(ctx, containerID, containerPath)
	if err != nil {
		return errors.Wrap(err, "error copying from container")
	}
	defer reader.Close()

	if err := archive.Untar(reader, path.Dir(hostPath), &archive.TarOptions{NoLchown: true}); err != nil {
		return errors.Wrap(err, "error extracting copied artifact")
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, containerID string) (containerbackend.ResourceSnapshot, error) {
	resp, err := b.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return containerbackend.ResourceSnapshot{}, errors.Wrap(err, "error fetching container stats")
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := decodeJSON(resp.Body, &stats); err != nil {
		return containerbackend.ResourceSnapshot{}, errors.Wrap(err, "error decoding container stats")
	}

	cpuPercent := calculateCPUPercent(&stats)
	var rx, tx int64
	for _, n := range stats.Networks {
		rx += int64(n.RxBytes)
		tx += int64(n.TxBytes)
	}

	return containerbackend.ResourceSnapshot{
		CPUPercent: cpuPercent,
		MemoryMB:   float64(stats.MemoryStats.Usage) / (1024 * 1024),
		NetRxBytes: rx,
		NetTxBytes: tx,
	}, nil
}

func calculateCPUPercent(stats *types.StatsJSON) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpuCount := float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	if cpuCount == 0 {
		cpuCount = 1
	}
	return (cpuDelta / systemDelta) * cpuCount * 100.0
}

func (b *Backend) ListMatching(ctx context.Context, containerID, glob string) ([]string, error) {
	result, err := b.Exec(ctx, containerID, []string{"sh", "-c", "ls -1 " + shellQuoteGlob(glob) + " 2>/dev/null"}, nil)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(result.Stdout), nil
}

func (b *Backend) CreateNetwork(ctx context.Context, name string) (string, error) {
	res, err := b.client.NetworkCreate(ctx, name, types.NetworkCreate{})
	if err != nil {
		return "", errors.Wrap(err, "error creating network")
	}
	return res.ID, nil
}

func (b *Backend) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := b.client.NetworkRemove(ctx, networkID); err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "error removing network")
	}
	return nil
}

func (b *Backend) Connect(ctx context.Context, containerID, networkID, alias string) error {
	epConfig := &network.EndpointSettings{}
	if alias != "" {
		epConfig.Aliases = []string{alias}
	}
	if err := b.client.NetworkConnect(ctx, networkID, containerID, epConfig); err != nil {
		return errors.Wrap(err, "error connecting container to network")
	}
	return nil
}

// WaitHealthy polls the check's command (or, absent a command, a TCP dial to
// its port) with bounded exponential backoff until it succeeds or the
// check's own timeout elapses.
func (b *Backend) WaitHealthy(ctx context.Context, containerID string, check containerbackend.HealthCheck) error {
	deadline := time.Now().Add(check.Timeout)
	delay := 100 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		var healthy bool
		if len(check.Command) > 0 {
			result, err := b.Exec(ctx, containerID, check.Command, nil)
			healthy = err == nil && result.ExitCode == 0
		} else if check.Port > 0 {
			healthy = probeTCP(ctx, containerID, check.Port, b)
		} else {
			return nil // nothing to check against
		}

		if healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for service to become healthy")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// probeTCP asks the container itself to dial its own port, since the
// orchestrating process is not necessarily on the same network namespace.
func probeTCP(ctx context.Context, containerID string, port int, b *Backend) bool {
	cmd := []string{"sh", "-c", fmt.Sprintf("nc -z 127.0.0.1 %s || exit 1", strconv.Itoa(port))}
	result, err := b.Exec(ctx, containerID, cmd, nil)
	return err == nil && result.ExitCode == 0
}
