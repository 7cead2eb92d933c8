package models

// WorkflowJobStatus is the per-job lifecycle state tracked inside a
// WorkflowRecord. It extends JobStatus with SKIPPED, which a gated-out
// ConditionEvaluator result produces.
type WorkflowJobStatus string

const (
	WorkflowJobPending   WorkflowJobStatus = "PENDING"
	WorkflowJobRunning   WorkflowJobStatus = "RUNNING"
	WorkflowJobSuccess   WorkflowJobStatus = "SUCCESS"
	WorkflowJobFailed    WorkflowJobStatus = "FAILED"
	WorkflowJobSkipped   WorkflowJobStatus = "SKIPPED"
	WorkflowJobCancelled WorkflowJobStatus = "CANCELLED"
)

func (s WorkflowJobStatus) Terminal() bool {
	switch s {
	case WorkflowJobSuccess, WorkflowJobFailed, WorkflowJobSkipped, WorkflowJobCancelled:
		return true
	default:
		return false
	}
}

// OnComplete controls whether a WorkflowJob runs given the outcome of its
// required upstream jobs.
type OnComplete string

const (
	OnCompleteSuccess OnComplete = "success"
	OnCompleteFailure OnComplete = "failure"
	OnCompleteAlways  OnComplete = "always"
)

// ServiceDefinition is a sidecar container started alongside a WorkflowJob
// and reachable from it over a dedicated per-job network.
type ServiceDefinition struct {
	Image       string            `json:"image" yaml:"image"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	HealthCheck []string          `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Port        int               `json:"port,omitempty" yaml:"port,omitempty"`
}

// MatrixConfig expands one WorkflowJob into a Cartesian product of variants.
type MatrixConfig struct {
	Axes    map[string][]string `json:"axes" yaml:"axes"`
	Exclude []map[string]string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Include []map[string]string `json:"include,omitempty" yaml:"include,omitempty"`
}

// WorkflowJob is one node of a WorkflowSpec's DAG. ParallelWith is a hint
// only: the scheduler derives parallelism from Requires alone, and a
// parallel_with name that matches no job is logged as a warning.
type WorkflowJob struct {
	Image           string                       `json:"image" yaml:"image"`
	Commands        []string                     `json:"commands" yaml:"commands"`
	Requires        []string                     `json:"requires,omitempty" yaml:"requires,omitempty"`
	ParallelWith    []string                     `json:"parallel_with,omitempty" yaml:"parallel_with,omitempty"`
	IfCondition     string                       `json:"if_condition,omitempty" yaml:"if_condition,omitempty"`
	UnlessCondition string                       `json:"unless_condition,omitempty" yaml:"unless_condition,omitempty"`
	OnComplete      OnComplete                   `json:"on_complete,omitempty" yaml:"on_complete,omitempty"`
	Services        map[string]ServiceDefinition `json:"services,omitempty" yaml:"services,omitempty"`
	Artifacts       []string                     `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	TimeoutSeconds  int                          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Env             map[string]string            `json:"env,omitempty" yaml:"env,omitempty"`
	Matrix          *MatrixConfig                `json:"matrix,omitempty" yaml:"matrix,omitempty"`
}

// WorkflowSpec describes a DAG of jobs, parsed from operator-authored YAML.
type WorkflowSpec struct {
	Name          string                 `json:"name" yaml:"name"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Env           map[string]string      `json:"env,omitempty" yaml:"env,omitempty"`
	Jobs          map[string]WorkflowJob `json:"jobs" yaml:"jobs"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	CleanupPolicy CleanupPolicy          `json:"cleanup_policy,omitempty" yaml:"cleanup_policy,omitempty"`
}

// WorkflowStatus is the aggregate, terminal status of a WorkflowRecord.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSuccess   WorkflowStatus = "SUCCESS"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowPartial   WorkflowStatus = "PARTIAL"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowSuccess, WorkflowFailed, WorkflowPartial, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRecord is the persisted record of one workflow execution.
type WorkflowRecord struct {
	WorkflowID  string                       `json:"workflow_id"`
	SpecName    string                       `json:"spec_name"`
	Status      WorkflowStatus               `json:"status"`
	CreatedAt   Time                         `json:"created_at"`
	StartedAt   *Time                        `json:"started_at,omitempty"`
	FinishedAt  *Time                        `json:"finished_at,omitempty"`
	JobStatuses map[string]WorkflowJobStatus `json:"job_statuses"`
	JobRunIDs   map[string]string            `json:"job_run_ids"`
	Error       string                       `json:"error,omitempty"`
}
