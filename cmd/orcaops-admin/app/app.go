// Package app wires together every internal package into a running engine,
// the way buildbeaver's bb/app.New assembles a local bb instance from a
// BBConfig: one constructor, one Close, everything else is a field.
package app

import (
	"fmt"

	"github.com/treksavvysky/orcaops/internal/audit"
	"github.com/treksavvysky/orcaops/internal/baseline"
	"github.com/treksavvysky/orcaops/internal/config"
	"github.com/treksavvysky/orcaops/internal/containerbackend"
	"github.com/treksavvysky/orcaops/internal/containerbackend/docker"
	"github.com/treksavvysky/orcaops/internal/containerbackend/exec"
	"github.com/treksavvysky/orcaops/internal/jobmanager"
	"github.com/treksavvysky/orcaops/internal/jobrunner"
	"github.com/treksavvysky/orcaops/internal/loganalyzer"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/quota"
	"github.com/treksavvysky/orcaops/internal/runstore"
	"github.com/treksavvysky/orcaops/internal/workflow"
	"github.com/treksavvysky/orcaops/internal/workflowmanager"
	"github.com/treksavvysky/orcaops/internal/workspace"
)

// App is every collaborator orcaops-admin's subcommands need, assembled
// once from a config.Config.
type App struct {
	Config *config.Config

	Backend    containerbackend.Backend
	Store      *runstore.Store
	Workspaces *workspace.Store
	Audit      *audit.Logger

	Jobs      *jobmanager.Manager
	Workflows *workflowmanager.Manager
}

// New builds an App. skipBackendInit substitutes the in-process exec backend
// for a real Docker daemon, for environments where a daemon is unavailable
// (the same escape hatch the containerbackend/exec package documents for
// tests).
func New(cfg *config.Config, logFactory logger.LogFactory, skipBackendInit bool) (*App, error) {
	if logFactory == nil {
		logFactory = logger.NoOpLogFactory
	}

	var backend containerbackend.Backend
	if skipBackendInit {
		backend = exec.New(cfg.BaseDir + "/sandbox")
	} else {
		b, err := docker.NewFromEnvironment(logFactory)
		if err != nil {
			return nil, fmt.Errorf("error connecting to docker: %w", err)
		}
		backend = b
	}

	store := runstore.New(cfg.BaseDir)
	auditLogger := audit.NewLogger(cfg.BaseDir)
	workspaces := workspace.New(cfg.BaseDir, auditLogger, logFactory)
	if err := workspaces.EnsureDefault(); err != nil {
		return nil, fmt.Errorf("error bootstrapping default workspace: %w", err)
	}

	baselines, err := baseline.New(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("error opening baseline tracker: %w", err)
	}
	anomalies := baseline.NewAnomalyLog(cfg.BaseDir)
	analyzer := loganalyzer.New()
	policyEngine := policy.NewEngine(policy.SecurityPolicy{})
	quotaTracker := quota.NewTracker()

	runner := jobrunner.New(jobrunner.Deps{
		Backend:    backend,
		Store:      store,
		Baselines:  baselines,
		Anomalies:  anomalies,
		Analyzer:   analyzer,
		Policy:     policyEngine,
		LogFactory: logFactory,
	})

	jobs := jobmanager.New(jobmanager.Deps{
		Runner:     runner,
		Store:      store,
		Policy:     policyEngine,
		Quota:      quotaTracker,
		Audit:      auditLogger,
		LogFactory: logFactory,
	})

	workflowRunner := workflow.New(workflow.Deps{
		Jobs:         jobs,
		Store:        store,
		Backend:      backend,
		LogFactory:   logFactory,
		PollInterval: cfg.JobPollInterval,
	})

	workflows := workflowmanager.New(workflowmanager.Deps{
		Runner:     workflowRunner,
		Store:      store,
		Audit:      auditLogger,
		LogFactory: logFactory,
	})

	return &App{
		Config:     cfg,
		Backend:    backend,
		Store:      store,
		Workspaces: workspaces,
		Audit:      auditLogger,
		Jobs:       jobs,
		Workflows:  workflows,
	}, nil
}
