package models

// WorkspaceStatus is the lifecycle state of a tenant workspace.
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceDisabled WorkspaceStatus = "disabled"
)

// Limits enumerates the resource ceilings a workspace's jobs are held to by
// the QuotaTracker and PolicyEngine.
type Limits struct {
	MaxConcurrentJobs      int   `json:"max_concurrent_jobs"`
	MaxConcurrentSandboxes int   `json:"max_concurrent_sandboxes"`
	MaxJobDurationSeconds  int   `json:"max_job_duration_seconds"`
	MaxCPUPerJob           int   `json:"max_cpu_per_job"`
	MaxMemoryPerJobMB      int   `json:"max_memory_per_job_mb"`
	MaxArtifactsSizeMB     int   `json:"max_artifacts_size_mb"`
	DailyJobLimit          *int  `json:"daily_job_limit,omitempty"`
}

// Settings enumerates workspace-level defaults and policy inputs.
type Settings struct {
	DefaultCleanupPolicy CleanupPolicy `json:"default_cleanup_policy"`
	AllowedImages        []string      `json:"allowed_images,omitempty"`
	BlockedImages        []string      `json:"blocked_images,omitempty"`
	MaxJobTimeout        int           `json:"max_job_timeout"`
	// ReadOnlyRootFS opts a workspace's sandboxes into a read-only root
	// filesystem, per PolicyEngine.container_security_opts (spec §4.2).
	ReadOnlyRootFS bool `json:"read_only_root_fs,omitempty"`
}

// Workspace is a tenant boundary: jobs, workflows, quotas and policy are all
// scoped to exactly one workspace. The "ws_default" workspace always exists.
type Workspace struct {
	ID       WorkspaceID     `json:"id"`
	Name     string          `json:"name"`
	OwnerType string         `json:"owner_type,omitempty"`
	OwnerID  string          `json:"owner_id,omitempty"`
	Settings Settings        `json:"settings"`
	Limits   Limits          `json:"limits"`
	Status   WorkspaceStatus `json:"status"`
}

// DefaultSettings returns the conservative defaults applied to the bootstrap
// "ws_default" workspace and to any workspace created without explicit
// settings.
func DefaultSettings() Settings {
	return Settings{
		DefaultCleanupPolicy: CleanupAlwaysRemove,
		MaxJobTimeout:        3600,
	}
}

// DefaultLimits returns the conservative defaults applied to the bootstrap
// "ws_default" workspace.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentJobs:      4,
		MaxConcurrentSandboxes: 4,
		MaxJobDurationSeconds:  3600,
		MaxCPUPerJob:           2,
		MaxMemoryPerJobMB:      2048,
		MaxArtifactsSizeMB:     256,
	}
}
