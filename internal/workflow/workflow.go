// Package workflow implements the WorkflowRunner of §4.9: DAG construction
// and cycle detection from a WorkflowSpec, matrix expansion, level-based
// concurrent scheduling, if/unless gating via the condition package, and
// per-job service sidecar lifecycle via servicemanager.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/treksavvysky/orcaops/internal/condition"
	"github.com/treksavvysky/orcaops/internal/containerbackend"
	"github.com/treksavvysky/orcaops/internal/fingerprint"
	"github.com/treksavvysky/orcaops/internal/jobmanager"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/runstore"
	"github.com/treksavvysky/orcaops/internal/servicemanager"
)

// maxConcurrentJobsPerLevel bounds how many nodes in the same DAG level are
// ever running at once, independent of how wide the level is.
const maxConcurrentJobsPerLevel = 8

// defaultPollInterval is how often the runner checks JobExecutor.Get for a
// dispatched job to have reached a terminal state.
const defaultPollInterval = 200 * time.Millisecond

// matrixAxisMetadataPrefix marks JobSpec.Metadata keys that carry a matrix
// variant's axis assignment; jobrunner reads these back out to derive a
// per-variant baseline fingerprint via fingerprint.MatrixVariant.
const matrixAxisMetadataPrefix = "matrix."

// JobExecutor is the subset of JobManager's API the workflow runner needs to
// dispatch and observe individual job executions; defined here so this
// package depends on a narrow interface rather than the concrete manager.
type JobExecutor interface {
	Submit(ctx context.Context, spec models.JobSpec, ws models.Workspace, opts jobmanager.SubmitOptions) (*models.RunRecord, error)
	Get(jobID string) (*models.RunRecord, error)
	Cancel(jobID string) error
}

// Deps are the collaborators a Runner needs.
type Deps struct {
	Jobs         JobExecutor
	Store        *runstore.Store
	Backend      containerbackend.Backend // for per-job ServiceManager instances
	Clock        clock.Clock
	LogFactory   logger.LogFactory
	PollInterval time.Duration
}

// Runner executes one WorkflowSpec to a terminal WorkflowRecord.
type Runner struct {
	deps Deps
	log  logger.Log
}

func New(deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.LogFactory == nil {
		deps.LogFactory = logger.NoOpLogFactory
	}
	if deps.PollInterval == 0 {
		deps.PollInterval = defaultPollInterval
	}
	return &Runner{deps: deps, log: deps.LogFactory("WorkflowRunner")}
}

func (r *Runner) now() models.Time {
	return models.NewTime(r.deps.Clock.Now())
}

// node is one scheduled unit of the DAG: either a WorkflowJob directly, or
// one Cartesian-product variant of a matrix-expanded WorkflowJob.
type node struct {
	name       string
	baseName   string
	job        models.WorkflowJob
	axisValues map[string]string
}

// Run builds the DAG for spec, rejecting it outright on a dependency cycle,
// then executes it level by level until every node is terminal.
func (r *Runner) Run(ctx context.Context, workflowID string, spec models.WorkflowSpec, ws models.Workspace, cancel <-chan struct{}) (*models.WorkflowRecord, error) {
	record := &models.WorkflowRecord{
		WorkflowID:  workflowID,
		SpecName:    spec.Name,
		Status:      models.WorkflowPending,
		CreatedAt:   r.now(),
		JobStatuses: make(map[string]models.WorkflowJobStatus),
		JobRunIDs:   make(map[string]string),
	}

	nodesByBase, err := expandJobs(spec)
	if err != nil {
		return r.failImmediately(record, err)
	}
	allNodes := flatten(nodesByBase)
	for _, n := range allNodes {
		record.JobStatuses[n.name] = models.WorkflowJobPending
	}
	validateParallelWith(spec, r.log)

	levels, err := computeLevels(allNodes, nodesByBase, spec)
	if err != nil {
		return r.failImmediately(record, err)
	}

	startedAt := models.NewTime(r.deps.Clock.Now())
	record.Status = models.WorkflowRunning
	record.StartedAt = &startedAt
	r.persist(record)

	var deadline time.Time
	if spec.TimeoutSeconds > 0 {
		deadline = startedAt.Time.Add(time.Duration(spec.TimeoutSeconds) * time.Second)
	}

	var mu sync.Mutex // guards record.JobStatuses/JobRunIDs across concurrent nodes within a level
	timedOut := false

	for _, level := range levels {
		select {
		case <-cancel:
			r.markRemainingCancelled(record, levels, &mu)
			return r.finalize(record, models.WorkflowCancelled)
		default:
		}
		if !deadline.IsZero() && r.deps.Clock.Now().After(deadline) {
			timedOut = true
			break
		}

		sem := make(chan struct{}, maxConcurrentJobsPerLevel)
		var wg sync.WaitGroup
		for _, n := range level {
			n := n
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r.runNode(ctx, workflowID, n, spec, ws, record, &mu, cancel)
			}()
		}
		wg.Wait()
		r.persist(record)
	}

	if timedOut {
		r.markRemainingCancelled(record, levels, &mu)
		record.Error = "workflow timed out"
		return r.finalize(record, models.WorkflowFailed)
	}

	return r.finalize(record, aggregateWorkflowStatus(record.JobStatuses))
}

func (r *Runner) runNode(ctx context.Context, workflowID string, n *node, spec models.WorkflowSpec, ws models.Workspace, record *models.WorkflowRecord, mu *sync.Mutex, cancel <-chan struct{}) {
	gateEnv := buildConditionEnv(record, mu, spec, n.job)

	if n.job.IfCondition != "" {
		ok, err := condition.Eval(n.job.IfCondition, gateEnv)
		if err != nil || !ok {
			r.skip(record, mu, n.name)
			return
		}
	}
	if n.job.UnlessCondition != "" {
		ok, err := condition.Eval(n.job.UnlessCondition, gateEnv)
		if err == nil && ok {
			r.skip(record, mu, n.name)
			return
		}
	}
	if !onCompleteSatisfied(n.job.OnComplete, n.job.Requires, gateEnv) {
		r.skip(record, mu, n.name)
		return
	}

	mu.Lock()
	record.JobStatuses[n.name] = models.WorkflowJobRunning
	mu.Unlock()

	var services *servicemanager.Manager
	serviceEnv := map[string]string{}
	var networkID string
	if len(n.job.Services) > 0 && r.deps.Backend != nil {
		services = servicemanager.New(r.deps.Backend, r.deps.LogFactory)
		var err error
		networkID, serviceEnv, err = services.StartAll(ctx, workflowID, n.name, n.job.Services)
		if err != nil {
			r.log.Errorf("failed starting services for job %s: %v", n.name, err)
			r.fail(record, mu, n.name)
			return
		}
		defer services.TeardownAll(ctx)
	}

	jobSpec := buildJobSpec(workflowID, n, spec, serviceEnv)
	jobRecord, err := r.deps.Jobs.Submit(ctx, jobSpec, ws, jobmanager.SubmitOptions{NetworkID: networkID})
	if err != nil {
		r.log.Errorf("failed submitting workflow job %s: %v", n.name, err)
		r.fail(record, mu, n.name)
		return
	}

	mu.Lock()
	record.JobRunIDs[n.name] = jobSpec.JobID
	mu.Unlock()

	jobRecord = r.awaitTerminal(ctx, jobSpec.JobID, jobRecord, cancel)

	mu.Lock()
	record.JobStatuses[n.name] = fromJobStatus(jobRecord.Status)
	mu.Unlock()
}

func (r *Runner) awaitTerminal(ctx context.Context, jobID string, initial *models.RunRecord, cancel <-chan struct{}) *models.RunRecord {
	current := initial
	for current == nil || !current.Status.Terminal() {
		select {
		case <-cancel:
			r.deps.Jobs.Cancel(jobID)
		case <-r.deps.Clock.After(r.deps.PollInterval):
		}
		got, err := r.deps.Jobs.Get(jobID)
		if err != nil {
			r.log.Warnf("failed polling job %s: %v", jobID, err)
			continue
		}
		current = got
	}
	return current
}

func (r *Runner) skip(record *models.WorkflowRecord, mu *sync.Mutex, name string) {
	mu.Lock()
	record.JobStatuses[name] = models.WorkflowJobSkipped
	mu.Unlock()
}

func (r *Runner) fail(record *models.WorkflowRecord, mu *sync.Mutex, name string) {
	mu.Lock()
	record.JobStatuses[name] = models.WorkflowJobFailed
	mu.Unlock()
}

func (r *Runner) markRemainingCancelled(record *models.WorkflowRecord, levels [][]*node, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	for _, level := range levels {
		for _, n := range level {
			if !record.JobStatuses[n.name].Terminal() {
				record.JobStatuses[n.name] = models.WorkflowJobCancelled
			}
		}
	}
}

func (r *Runner) finalize(record *models.WorkflowRecord, status models.WorkflowStatus) (*models.WorkflowRecord, error) {
	finishedAt := r.now()
	record.FinishedAt = &finishedAt
	record.Status = status
	r.persist(record)
	return record, nil
}

func (r *Runner) failImmediately(record *models.WorkflowRecord, err error) (*models.WorkflowRecord, error) {
	now := r.now()
	record.Status = models.WorkflowFailed
	record.StartedAt = &now
	record.FinishedAt = &now
	record.Error = err.Error()
	r.persist(record)
	return record, err
}

func (r *Runner) persist(record *models.WorkflowRecord) {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.PutWorkflow(record); err != nil {
		r.log.Errorf("failed persisting workflow record %s: %v", record.WorkflowID, err)
	}
}

// buildConditionEnv snapshots the current per-base-job aggregated statuses
// and the workflow+job env vars for condition.Eval.
func buildConditionEnv(record *models.WorkflowRecord, mu *sync.Mutex, spec models.WorkflowSpec, job models.WorkflowJob) condition.Env {
	mu.Lock()
	defer mu.Unlock()

	byBase := make(map[string][]models.WorkflowJobStatus)
	for name, status := range record.JobStatuses {
		base := baseNameOf(name)
		byBase[base] = append(byBase[base], status)
	}
	jobStatus := make(map[string]string, len(byBase))
	for base, statuses := range byBase {
		jobStatus[base] = string(aggregateJobStatus(statuses))
	}

	vars := make(map[string]string, len(spec.Env)+len(job.Env))
	for k, v := range spec.Env {
		vars[k] = v
	}
	for k, v := range job.Env {
		vars[k] = v
	}
	return condition.Env{JobStatus: jobStatus, Vars: vars}
}

// onCompleteSatisfied applies §4.9's on_complete gate: "success" (the
// default) requires every required job to have succeeded, treating a
// SKIPPED (gated-out) requirement as success per step 1; "failure" requires
// at least one to have failed; "always" runs regardless.
func onCompleteSatisfied(onComplete models.OnComplete, requires []string, env condition.Env) bool {
	if onComplete == models.OnCompleteAlways {
		return true
	}
	if len(requires) == 0 {
		return true
	}
	anyFailed := false
	allSucceeded := true
	for _, req := range requires {
		status := env.JobStatus[req]
		if status != string(models.WorkflowJobSuccess) && status != string(models.WorkflowJobSkipped) {
			allSucceeded = false
		}
		if status == string(models.WorkflowJobFailed) || status == string(models.WorkflowJobCancelled) {
			anyFailed = true
		}
	}
	if onComplete == models.OnCompleteFailure {
		return anyFailed
	}
	return allSucceeded // OnCompleteSuccess, the default
}

func aggregateWorkflowStatus(jobStatuses map[string]models.WorkflowJobStatus) models.WorkflowStatus {
	anyFailed, anyCancelled, anySucceeded, anySkipped := false, false, false, false
	for _, status := range jobStatuses {
		switch status {
		case models.WorkflowJobFailed:
			anyFailed = true
		case models.WorkflowJobCancelled:
			anyCancelled = true
		case models.WorkflowJobSuccess:
			anySucceeded = true
		case models.WorkflowJobSkipped:
			anySkipped = true
		}
	}
	switch {
	case anyCancelled:
		return models.WorkflowCancelled
	case anyFailed && anySucceeded:
		return models.WorkflowPartial
	case anyFailed:
		return models.WorkflowFailed
	case anySkipped && !anySucceeded:
		return models.WorkflowFailed
	default:
		return models.WorkflowSuccess
	}
}

func aggregateJobStatus(statuses []models.WorkflowJobStatus) models.WorkflowJobStatus {
	anyCancelled, anyFailed, anySkipped := false, false, false
	for _, s := range statuses {
		switch s {
		case models.WorkflowJobCancelled:
			anyCancelled = true
		case models.WorkflowJobFailed:
			anyFailed = true
		case models.WorkflowJobSkipped:
			anySkipped = true
		}
	}
	switch {
	case anyCancelled:
		return models.WorkflowJobCancelled
	case anyFailed:
		return models.WorkflowJobFailed
	case anySkipped:
		return models.WorkflowJobSkipped
	default:
		return models.WorkflowJobSuccess
	}
}

func fromJobStatus(status models.JobStatus) models.WorkflowJobStatus {
	switch status {
	case models.JobSuccess:
		return models.WorkflowJobSuccess
	case models.JobCancelled:
		return models.WorkflowJobCancelled
	default:
		return models.WorkflowJobFailed
	}
}

func buildJobSpec(workflowID string, n *node, spec models.WorkflowSpec, serviceEnv map[string]string) models.JobSpec {
	env := make(map[string]string, len(spec.Env)+len(n.job.Env)+len(n.axisValues)+len(serviceEnv))
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range n.job.Env {
		env[k] = v
	}
	for k, v := range n.axisValues {
		env["MATRIX_"+strings.ToUpper(k)] = v
	}
	for k, v := range serviceEnv {
		env[k] = v
	}

	commands := make([]string, len(n.job.Commands))
	for i, c := range n.job.Commands {
		commands[i] = interpolateMatrix(c, n.axisValues)
	}

	cleanup := spec.CleanupPolicy
	timeout := n.job.TimeoutSeconds
	if timeout == 0 {
		timeout = spec.TimeoutSeconds
	}

	return models.JobSpec{
		JobID:         fmt.Sprintf("%s-%s", workflowID, sanitizeJobID(n.name)),
		Image:         interpolateMatrix(n.job.Image, n.axisValues),
		Commands:      commands,
		Env:           env,
		Artifacts:     n.job.Artifacts,
		TTLSeconds:    timeout,
		CleanupPolicy: cleanup,
		TriggeredBy:   "workflow:" + workflowID,
		Tags:          []string{"workflow:" + spec.Name, "job:" + n.baseName},
		Metadata:      matrixAxisMetadata(n.axisValues),
	}
}

// matrixAxisMetadata encodes a matrix variant's axis assignment into
// JobSpec.Metadata so JobRunner can derive a per-variant baseline identity
// via fingerprint.MatrixVariant, even when an axis value never appears in
// the interpolated image or commands (e.g. an env-only axis).
func matrixAxisMetadata(axisValues map[string]string) map[string]string {
	if len(axisValues) == 0 {
		return nil
	}
	metadata := make(map[string]string, len(axisValues))
	for k, v := range axisValues {
		metadata[matrixAxisMetadataPrefix+k] = v
	}
	return metadata
}

// interpolateMatrix replaces ${{ matrix.<axis> }} references with the
// variant's assigned axis value.
func interpolateMatrix(s string, axisValues map[string]string) string {
	for axis, value := range axisValues {
		s = strings.ReplaceAll(s, fmt.Sprintf("${{ matrix.%s }}", axis), value)
		s = strings.ReplaceAll(s, fmt.Sprintf("${{matrix.%s}}", axis), value)
	}
	return s
}

func sanitizeJobID(name string) string {
	replacer := strings.NewReplacer("[", "-", "]", "", "=", "-", ",", "-")
	return replacer.Replace(name)
}

// expandJobs builds one node per plain WorkflowJob and one node per matrix
// variant, grouped by base job name.
func expandJobs(spec models.WorkflowSpec) (map[string][]*node, error) {
	out := make(map[string][]*node, len(spec.Jobs))
	for name, job := range spec.Jobs {
		if job.Matrix == nil {
			out[name] = []*node{{name: name, baseName: name, job: job}}
			continue
		}
		variants, err := expandMatrix(job.Matrix)
		if err != nil {
			return nil, fmt.Errorf("error expanding matrix for job %q: %w", name, err)
		}
		nodes := make([]*node, 0, len(variants))
		for _, axisValues := range variants {
			nodes = append(nodes, &node{
				name:       name + axisSuffix(axisValues),
				baseName:   name,
				job:        job,
				axisValues: axisValues,
			})
		}
		out[name] = nodes
	}
	return out, nil
}

func axisSuffix(axisValues map[string]string) string {
	keys := make([]string, 0, len(axisValues))
	for k := range axisValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, axisValues[k])
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// expandMatrix computes the Cartesian product of cfg.Axes, drops any
// combination matching an Exclude entry, and appends any Include entries
// verbatim (as additional, possibly partial, axis assignments).
func expandMatrix(cfg *models.MatrixConfig) ([]map[string]string, error) {
	axisNames := make([]string, 0, len(cfg.Axes))
	for k := range cfg.Axes {
		axisNames = append(axisNames, k)
	}
	sort.Strings(axisNames)

	combos := []map[string]string{{}}
	for _, axis := range axisNames {
		values := cfg.Axes[axis]
		var next []map[string]string
		for _, combo := range combos {
			for _, v := range values {
				extended := make(map[string]string, len(combo)+1)
				for k, cv := range combo {
					extended[k] = cv
				}
				extended[axis] = v
				next = append(next, extended)
			}
		}
		combos = next
	}

	var result []map[string]string
	for _, combo := range combos {
		if matchesAny(combo, cfg.Exclude) {
			continue
		}
		result = append(result, combo)
	}
	result = append(result, cfg.Include...)
	return result, nil
}

func matchesAny(combo map[string]string, excludes []map[string]string) bool {
	for _, ex := range excludes {
		if matchesAll(combo, ex) {
			return true
		}
	}
	return false
}

func matchesAll(combo, subset map[string]string) bool {
	for k, v := range subset {
		if combo[k] != v {
			return false
		}
	}
	return true
}

func baseNameOf(name string) string {
	if idx := strings.IndexByte(name, '['); idx >= 0 {
		return name[:idx]
	}
	return name
}

func flatten(byBase map[string][]*node) []*node {
	var out []*node
	for _, nodes := range byBase {
		out = append(out, nodes...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// validateParallelWith logs (but does not enforce) any parallel_with
// reference to an unknown job name; parallel_with is a scheduling hint the
// level-based scheduler already satisfies implicitly and is otherwise
// ignored, per the workflow engine's documented behavior.
func validateParallelWith(spec models.WorkflowSpec, log logger.Log) {
	for name, job := range spec.Jobs {
		for _, other := range job.ParallelWith {
			if _, ok := spec.Jobs[other]; !ok {
				log.Warnf("job %q declares parallel_with %q, which does not exist", name, other)
			}
		}
	}
}

// computeLevels assigns each node to a scheduling level (its longest-path
// distance from a root) and returns the levels in execution order. An error
// is returned if the dependency graph contains a cycle.
func computeLevels(allNodes []*node, nodesByBase map[string][]*node, spec models.WorkflowSpec) ([][]*node, error) {
	byName := make(map[string]*node, len(allNodes))
	for _, n := range allNodes {
		byName[n.name] = n
	}

	deps := make(map[string][]string, len(allNodes))
	for _, n := range allNodes {
		var concrete []string
		for _, req := range n.job.Requires {
			upstream, ok := nodesByBase[req]
			if !ok {
				return nil, fmt.Errorf("error job %q requires unknown job %q", n.name, req)
			}
			for _, u := range upstream {
				concrete = append(concrete, u.name)
			}
		}
		deps[n.name] = concrete
	}

	levelOf := make(map[string]int, len(allNodes))
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		if lvl, ok := levelOf[name]; ok {
			return lvl, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("error dependency cycle detected at job %q", name)
		}
		if visited[name] {
			return levelOf[name], nil
		}
		visiting[name] = true
		lvl := 0
		for _, dep := range deps[name] {
			depLvl, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if depLvl+1 > lvl {
				lvl = depLvl + 1
			}
		}
		visiting[name] = false
		visited[name] = true
		levelOf[name] = lvl
		return lvl, nil
	}

	maxLevel := 0
	for _, n := range allNodes {
		lvl, err := visit(n.name)
		if err != nil {
			return nil, err
		}
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	levels := make([][]*node, maxLevel+1)
	for name, lvl := range levelOf {
		levels[lvl] = append(levels[lvl], byName[name])
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i].name < level[j].name })
	}
	return levels, nil
}
