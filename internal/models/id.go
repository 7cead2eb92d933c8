package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResourceKind is the unique name/type of a resource, e.g. "job" or "workflow".
// It prefixes every generated ResourceID so that IDs are self-describing and
// cannot be confused with an ID of a different kind.
type ResourceKind string

const (
	JobResourceKind       ResourceKind = "job"
	WorkflowResourceKind  ResourceKind = "workflow"
	WorkspaceResourceKind ResourceKind = "ws"
	EventResourceKind     ResourceKind = "event"
	RunnerResourceKind    ResourceKind = "runner"
)

// ResourceID is a globally unique, kind-prefixed identifier (e.g. "job:6b1f...").
type ResourceID struct {
	kind ResourceKind
	id   string
}

func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, id: uuid.New().String()}
}

// ParseResourceID parses a previously-rendered ResourceID string of the form "<kind>:<uuid>".
func ParseResourceID(str string) (ResourceID, error) {
	parts := strings.SplitN(str, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceID{}, fmt.Errorf("error invalid resource id: %q", str)
	}
	return ResourceID{kind: ResourceKind(parts[0]), id: parts[1]}, nil
}

func (r ResourceID) Kind() ResourceKind {
	return r.kind
}

func (r ResourceID) Valid() bool {
	return r.kind != "" && r.id != ""
}

func (r ResourceID) String() string {
	if !r.Valid() {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.kind, r.id)
}

func (r ResourceID) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", r.String())), nil
}

func (r *ResourceID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*r = ResourceID{}
		return nil
	}
	parsed, err := ParseResourceID(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// JobID identifies a single job execution.
type JobID struct{ ResourceID }

func NewJobID() JobID                        { return JobID{NewResourceID(JobResourceKind)} }
func JobIDFromString(id string) JobID        { return JobID{ResourceID{kind: JobResourceKind, id: id}} }
func ParseJobID(str string) (JobID, error) {
	rid, err := ParseResourceID(str)
	if err != nil {
		return JobID{}, fmt.Errorf("error parsing job id: %w", err)
	}
	return JobID{rid}, nil
}

// WorkflowID identifies a single workflow execution.
type WorkflowID struct{ ResourceID }

func NewWorkflowID() WorkflowID { return WorkflowID{NewResourceID(WorkflowResourceKind)} }
func ParseWorkflowID(str string) (WorkflowID, error) {
	rid, err := ParseResourceID(str)
	if err != nil {
		return WorkflowID{}, fmt.Errorf("error parsing workflow id: %w", err)
	}
	return WorkflowID{rid}, nil
}

// WorkspaceID identifies a tenant workspace.
type WorkspaceID struct{ ResourceID }

func NewWorkspaceID() WorkspaceID { return WorkspaceID{NewResourceID(WorkspaceResourceKind)} }
func WorkspaceIDFromName(name string) WorkspaceID {
	return WorkspaceID{ResourceID{kind: WorkspaceResourceKind, id: name}}
}
func ParseWorkspaceID(str string) (WorkspaceID, error) {
	rid, err := ParseResourceID(str)
	if err != nil {
		return WorkspaceID{}, fmt.Errorf("error parsing workspace id: %w", err)
	}
	return WorkspaceID{rid}, nil
}

// DefaultWorkspaceID is the id of the always-present default workspace.
var DefaultWorkspaceID = WorkspaceIDFromName("ws_default")

// EventID identifies a single audit event.
type EventID struct{ ResourceID }

func NewEventID() EventID { return EventID{NewResourceID(EventResourceKind)} }

// validIDChars restricts caller-supplied job/workflow ids (JobSpec.job_id) to a
// conservative filesystem- and shell-safe character set.
const validIDChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_.-"

// ValidCallerSuppliedID reports whether id is safe to use as a directory name
// and inside generated container/network names.
func ValidCallerSuppliedID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(validIDChars, r) {
			return false
		}
	}
	return true
}
