package workflow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v2"

	"github.com/treksavvysky/orcaops/internal/models"
)

// ParseSpec decodes a workflow spec document in the YAML format described by
// §6: top-level {name, description, env, jobs, timeout_seconds,
// cleanup_policy}, each entry of jobs keyed by job name carrying the
// WorkflowJob fields.
func ParseSpec(r io.Reader) (models.WorkflowSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.WorkflowSpec{}, fmt.Errorf("error reading workflow spec: %w", err)
	}

	var spec models.WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return models.WorkflowSpec{}, fmt.Errorf("error parsing workflow spec yaml: %w", err)
	}
	if spec.Name == "" {
		return models.WorkflowSpec{}, fmt.Errorf("workflow spec is missing a name")
	}
	if len(spec.Jobs) == 0 {
		return models.WorkflowSpec{}, fmt.Errorf("workflow spec %q declares no jobs", spec.Name)
	}
	return spec, nil
}
