package models

// JobStatus is the lifecycle state of a single job execution. Status is
// monotonic: once a job reaches a terminal state it never transitions again.
type JobStatus string

const (
	JobQueued   JobStatus = "QUEUED"
	JobRunning  JobStatus = "RUNNING"
	JobSuccess  JobStatus = "SUCCESS"
	JobFailed   JobStatus = "FAILED"
	JobTimedOut JobStatus = "TIMED_OUT"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether status is one of the terminal states a RunRecord
// can no longer transition out of.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobTimedOut, JobCancelled:
		return true
	default:
		return false
	}
}

// CleanupPolicy controls what happens to a job's sandbox container after it
// terminates.
type CleanupPolicy string

const (
	// CleanupAlwaysRemove removes the sandbox regardless of outcome.
	CleanupAlwaysRemove CleanupPolicy = "always_remove"
	// CleanupRemoveOnCompletion removes the sandbox only on SUCCESS, leaving
	// failed or cancelled sandboxes around for inspection.
	CleanupRemoveOnCompletion CleanupPolicy = "remove_on_completion"
	// CleanupKeepOnCompletion never removes the sandbox once it terminates.
	CleanupKeepOnCompletion CleanupPolicy = "keep_on_completion"
	// CleanupRemoveOnTimeout removes the sandbox only when it timed out.
	CleanupRemoveOnTimeout CleanupPolicy = "remove_on_timeout"
	// CleanupNeverRemove never removes the sandbox; an operator or reaper must.
	CleanupNeverRemove CleanupPolicy = "never_remove"
)

// ShouldRemove reports whether the sandbox should be removed given the
// policy and the job's terminal status.
func (p CleanupPolicy) ShouldRemove(status JobStatus) bool {
	switch p {
	case CleanupAlwaysRemove:
		return true
	case CleanupRemoveOnCompletion:
		return status == JobSuccess
	case CleanupRemoveOnTimeout:
		return status == JobTimedOut
	case CleanupKeepOnCompletion, CleanupNeverRemove:
		return false
	default:
		return false
	}
}

// JobSpec is the caller-supplied description of a unit of work to run in a
// container sandbox.
type JobSpec struct {
	JobID         string            `json:"job_id"`
	WorkspaceID   WorkspaceID       `json:"workspace_id"`
	Image         string            `json:"image"`
	Commands      []string          `json:"commands"`
	Env           map[string]string `json:"env,omitempty"`
	Artifacts     []string          `json:"artifacts,omitempty"`
	TTLSeconds    int               `json:"ttl_seconds"`
	CleanupPolicy CleanupPolicy     `json:"cleanup_policy,omitempty"`
	TriggeredBy   string            `json:"triggered_by,omitempty"`
	Intent        string            `json:"intent,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StepResult captures the outcome of executing one command of a JobSpec.
type StepResult struct {
	Index           int     `json:"index"`
	Command         string  `json:"command"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	StartedAt       Time    `json:"started_at"`
	FinishedAt      Time    `json:"finished_at"`
}

// ArtifactMetadata describes a single file collected out of a job's sandbox
// after execution.
type ArtifactMetadata struct {
	PathInContainer string `json:"path_in_container"`
	LocalPath       string `json:"local_path"`
	SizeBytes       int64  `json:"size_bytes"`
	SHA256          string `json:"sha256"`
	ContentType     string `json:"content_type,omitempty"`
}

// ResourceUsage captures the peak/aggregate resource consumption sampled
// from the sandbox over the lifetime of the job.
type ResourceUsage struct {
	CPUPercentAvg float64 `json:"cpu_percent_avg"`
	MemoryMeanMB  float64 `json:"memory_mean_mb"`
	MemoryMaxMB   float64 `json:"memory_max_mb"`
}

// AnomalySeverity classifies how far a run's observed metrics deviated from
// its fingerprint's baseline.
type AnomalySeverity string

const (
	AnomalyWarning  AnomalySeverity = "WARNING"
	AnomalyCritical AnomalySeverity = "CRITICAL"
)

// Anomaly is one deviation from baseline flagged on a RunRecord by the
// BaselineTracker, e.g. a duration or memory spike relative to history.
type Anomaly struct {
	Metric     string          `json:"metric"`
	Severity   AnomalySeverity `json:"severity"`
	Observed   float64         `json:"observed"`
	Baseline   float64         `json:"baseline"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// RunRecord is the persisted record of one job execution. It is created on
// admission, mutated only by the owning executor goroutine, and becomes
// read-only once it reaches a terminal status.
type RunRecord struct {
	JobID              string             `json:"job_id"`
	Spec               JobSpec            `json:"spec"`
	Status             JobStatus          `json:"status"`
	CreatedAt          Time               `json:"created_at"`
	StartedAt          *Time              `json:"started_at,omitempty"`
	FinishedAt         *Time              `json:"finished_at,omitempty"`
	Fingerprint        string             `json:"fingerprint,omitempty"`
	Steps              []StepResult       `json:"steps,omitempty"`
	Artifacts          []ArtifactMetadata `json:"artifacts,omitempty"`
	ResourceUsage      *ResourceUsage     `json:"resource_usage,omitempty"`
	EnvironmentCapture map[string]string  `json:"environment_capture,omitempty"`
	CleanupStatus      string             `json:"cleanup_status,omitempty"`
	Error              string             `json:"error,omitempty"`
	Summary            string             `json:"summary,omitempty"`
	Anomalies          []Anomaly          `json:"anomalies,omitempty"`
}

// Valid reports whether the record satisfies the basic data-model invariants
// from the run record lifecycle: step count never exceeds command count, and
// a SUCCESS record has one step per command, every one exiting zero.
func (r *RunRecord) Valid() bool {
	if len(r.Steps) > len(r.Spec.Commands) {
		return false
	}
	if r.StartedAt != nil && r.CreatedAt.After(r.StartedAt.Time) {
		return false
	}
	if r.FinishedAt != nil && r.StartedAt != nil && r.StartedAt.After(r.FinishedAt.Time) {
		return false
	}
	if r.Status == JobSuccess {
		if len(r.Steps) != len(r.Spec.Commands) {
			return false
		}
		for _, s := range r.Steps {
			if s.ExitCode != 0 {
				return false
			}
		}
	}
	return true
}
