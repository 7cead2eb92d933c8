// Package servicemanager starts and tears down the sidecar service
// containers a WorkflowJob's "services" map declares (§4.8): a dedicated
// network per job, one container per alias, a health-check wait before the
// job is allowed to start, and {ALIAS}_HOST/{ALIAS}_PORT env injection.
package servicemanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/treksavvysky/orcaops/internal/containerbackend"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
)

const serviceHealthTimeoutDefault = 30 // seconds, when a ServiceDefinition sets none

// Manager starts and tears down the services declared by a single
// WorkflowJob. A new Manager is constructed for every job that has
// services; it is not shared across jobs.
type Manager struct {
	backend containerbackend.Backend
	log     logger.Log

	networkID string
	started   []string // container ids, in start order, for teardown
}

func New(backend containerbackend.Backend, logFactory logger.LogFactory) *Manager {
	if logFactory == nil {
		logFactory = logger.NoOpLogFactory
	}
	return &Manager{backend: backend, log: logFactory("ServiceManager")}
}

// StartAll creates a private network, starts one container per declared
// service alias, waits for each to report healthy, and returns the network
// id plus the env vars the owning job's sandbox should be started with. On
// any failure it tears down everything it already started before
// returning.
func (m *Manager) StartAll(ctx context.Context, workflowID, jobName string, services map[string]models.ServiceDefinition) (networkID string, env map[string]string, err error) {
	if len(services) == 0 {
		return "", nil, nil
	}

	m.networkID, err = m.backend.CreateNetwork(ctx, networkName(workflowID, jobName))
	if err != nil {
		return "", nil, fmt.Errorf("error creating service network for job %q: %w", jobName, err)
	}

	env = make(map[string]string)
	for alias, svc := range services {
		if startErr := m.startOne(ctx, alias, svc, env); startErr != nil {
			m.TeardownAll(ctx)
			return "", nil, startErr
		}
	}

	return m.networkID, env, nil
}

func (m *Manager) startOne(ctx context.Context, alias string, svc models.ServiceDefinition, env map[string]string) error {
	if err := m.backend.Pull(ctx, svc.Image); err != nil {
		return fmt.Errorf("error pulling service image %q for alias %q: %w", svc.Image, alias, err)
	}

	containerID, err := m.backend.Create(ctx, containerbackend.CreateSpec{
		Name:         containerName(alias),
		Image:        svc.Image,
		Env:          envSlice(svc.Env),
		NetworkID:    m.networkID,
		NetworkAlias: alias,
	})
	if err != nil {
		return fmt.Errorf("error creating service container for alias %q: %w", alias, err)
	}
	m.started = append(m.started, containerID)

	if err := m.backend.Start(ctx, containerID); err != nil {
		return fmt.Errorf("error starting service container for alias %q: %w", alias, err)
	}
	if err := m.backend.Connect(ctx, containerID, m.networkID, alias); err != nil {
		return fmt.Errorf("error attaching service container for alias %q to network: %w", alias, err)
	}

	check := containerbackend.HealthCheck{Command: svc.HealthCheck, Port: svc.Port}
	if err := m.backend.WaitHealthy(ctx, containerID, check); err != nil {
		return fmt.Errorf("error waiting for service %q to become healthy: %w", alias, err)
	}

	upper := strings.ToUpper(alias)
	env[upper+"_HOST"] = alias
	if svc.Port != 0 {
		env[upper+"_PORT"] = fmt.Sprintf("%d", svc.Port)
	}
	return nil
}

// TeardownAll stops and removes every service container this Manager
// started, then removes the network, aggregating (but never aborting on)
// individual failures. Teardown errors are logged, never surfaced as a job
// failure, per §4.8.
func (m *Manager) TeardownAll(ctx context.Context) error {
	var result *multierror.Error
	for _, containerID := range m.started {
		if err := m.backend.Stop(ctx, containerID, 0); err != nil {
			result = multierror.Append(result, fmt.Errorf("error stopping service container %q: %w", containerID, err))
		}
		if err := m.backend.Remove(ctx, containerID); err != nil {
			result = multierror.Append(result, fmt.Errorf("error removing service container %q: %w", containerID, err))
		}
	}
	m.started = nil

	if m.networkID != "" {
		if err := m.backend.RemoveNetwork(ctx, m.networkID); err != nil {
			result = multierror.Append(result, fmt.Errorf("error removing service network %q: %w", m.networkID, err))
		}
		m.networkID = ""
	}

	if err := result.ErrorOrNil(); err != nil {
		m.log.Warnf("service teardown encountered errors: %v", err)
		return err
	}
	return nil
}

func networkName(workflowID, jobName string) string {
	return "orcaops-wf-" + workflowID + "-" + jobName
}

func containerName(alias string) string {
	return "orcaops-svc-" + alias
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
