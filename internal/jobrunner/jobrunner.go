// Package jobrunner implements the single-job execution phases of §4.6:
// container creation, ordered command execution with a cooperative timeout
// watchdog, artifact extraction, observability capture, and cleanup.
package jobrunner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/treksavvysky/orcaops/internal/baseline"
	"github.com/treksavvysky/orcaops/internal/containerbackend"
	"github.com/treksavvysky/orcaops/internal/fingerprint"
	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/loganalyzer"
	"github.com/treksavvysky/orcaops/internal/logger"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/policy"
	"github.com/treksavvysky/orcaops/internal/runstore"
)

// defaultSecretPatterns redacts environment_capture values whose key looks
// like a secret; a non-empty Deps.SecretPatterns replaces this default set.
var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(secret|token|password|key|credential)`),
}

const (
	stopGrace        = 10 * time.Second
	pullMaxAttempts  = 3
	pullInitialDelay = 500 * time.Millisecond
	redactedValue    = "***REDACTED***"
	// matrixAxisMetadataPrefix mirrors workflow.matrixAxisMetadataPrefix: the
	// JobSpec.Metadata key prefix the workflow runner uses to carry a matrix
	// variant's axis assignment down into the fingerprint it is baselined
	// under.
	matrixAxisMetadataPrefix = "matrix."
)

// Deps are the collaborators a Runner needs, constructed once at process
// start and shared across every job execution.
type Deps struct {
	Backend        containerbackend.Backend
	Store          *runstore.Store
	Baselines      *baseline.Tracker
	Anomalies      *baseline.AnomalyLog
	Analyzer       *loganalyzer.Analyzer
	Policy         *policy.Engine
	Clock          clock.Clock
	LogFactory     logger.LogFactory
	SecretPatterns []*regexp.Regexp
}

// Options carries per-run inputs that come from the caller (JobManager) or
// from WorkflowRunner/ServiceManager rather than from the JobSpec itself.
type Options struct {
	Workspace models.Workspace
	// NetworkID, when set, attaches the sandbox to a ServiceManager-created
	// network so it can reach sibling service containers.
	NetworkID string
	// ExtraEnv is merged over spec.Env, e.g. service host/port variables
	// injected by ServiceManager.
	ExtraEnv map[string]string
	// Cancel is closed to request cooperative cancellation.
	Cancel <-chan struct{}
}

// Runner executes one JobSpec to a terminal RunRecord.
type Runner struct {
	deps Deps
	log  logger.Log
}

func New(deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = loganalyzer.New()
	}
	if deps.LogFactory == nil {
		deps.LogFactory = logger.NoOpLogFactory
	}
	if len(deps.SecretPatterns) == 0 {
		deps.SecretPatterns = defaultSecretPatterns
	}
	return &Runner{deps: deps, log: deps.LogFactory("JobRunner")}
}

// Run executes spec to completion, always returning a terminal RunRecord
// (never nil) even when an internal error prevents full observability or
// cleanup; the disposition of every error kind follows the table in spec §7.
func (r *Runner) Run(ctx context.Context, spec models.JobSpec, opts Options) (*models.RunRecord, error) {
	fp := r.fingerprintOf(spec)
	record := &models.RunRecord{
		JobID:       spec.JobID,
		Spec:        spec,
		Status:      models.JobQueued,
		CreatedAt:   r.now(),
		Fingerprint: fp,
	}
	if err := r.deps.Store.Put(record); err != nil {
		r.log.Errorf("failed persisting initial run record for %s: %v", spec.JobID, err)
	}

	if err := r.pullWithRetry(ctx, spec.Image); err != nil {
		return r.finalizeFailed(record, err, "failed to pull image"), err
	}

	startedAt := r.now()
	record.Status = models.JobRunning
	record.StartedAt = &startedAt
	r.persist(record)

	containerID, createErr := r.createContainer(ctx, spec, opts)
	if createErr != nil {
		return r.finalizeFailed(record, createErr, "failed to create sandbox"), createErr
	}
	record.EnvironmentCapture = r.captureEnvironment(spec, opts)

	deadline := startedAt.Time.Add(time.Duration(spec.TTLSeconds) * time.Second)
	outcome := r.executeSteps(ctx, record, containerID, spec, deadline, opts.Cancel)
	record.Status = outcome

	r.collectArtifacts(ctx, record, containerID, spec, opts.Workspace.Limits.MaxArtifactsSizeMB)
	analysis := r.captureObservability(ctx, record, containerID, fp)

	finishedAt := r.now()
	record.FinishedAt = &finishedAt

	r.cleanup(ctx, record, containerID, spec, opts.Workspace.Settings)
	r.buildSummary(record, analysis)
	r.persist(record)

	return record, nil
}

func (r *Runner) now() models.Time {
	return models.NewTime(r.deps.Clock.Now())
}

// fingerprintOf derives the baseline identity for spec: the plain
// (image, commands) fingerprint, or a MatrixVariant of it when spec.Metadata
// carries a matrix axis assignment from the workflow runner, so that every
// expanded matrix variant is baselined separately even when an axis never
// appears in the interpolated image or commands.
func (r *Runner) fingerprintOf(spec models.JobSpec) string {
	base := fingerprint.Of(spec.Image, spec.Commands)
	axisValues := axisValuesFromMetadata(spec.Metadata)
	if len(axisValues) == 0 {
		return base
	}
	variant, err := fingerprint.MatrixVariant(base, axisValues)
	if err != nil {
		r.log.Warnf("failed computing matrix variant fingerprint for %s: %v", spec.JobID, err)
		return base
	}
	return variant
}

func axisValuesFromMetadata(metadata map[string]string) map[string]string {
	axisValues := make(map[string]string)
	for k, v := range metadata {
		if strings.HasPrefix(k, matrixAxisMetadataPrefix) {
			axisValues[strings.TrimPrefix(k, matrixAxisMetadataPrefix)] = v
		}
	}
	return axisValues
}

func (r *Runner) persist(record *models.RunRecord) {
	if err := r.deps.Store.Put(record); err != nil {
		// Persistence failure is best-effort retried once per spec §7; a
		// second failure is surfaced only via logs, not to the executor,
		// since the record itself already reflects the true outcome.
		if err2 := r.deps.Store.Put(record); err2 != nil {
			r.log.Errorf("failed persisting run record for %s after retry: %v", record.JobID, err2)
		}
	}
}

func (r *Runner) finalizeFailed(record *models.RunRecord, err error, message string) *models.RunRecord {
	finishedAt := r.now()
	if record.StartedAt == nil {
		record.StartedAt = &finishedAt
	}
	record.FinishedAt = &finishedAt
	record.Status = models.JobFailed
	record.Error = fmt.Sprintf("%s: %v", message, err)
	record.CleanupStatus = "not_applicable"
	r.persist(record)
	return record
}

// pullWithRetry attempts a pull up to pullMaxAttempts times in total, with
// bounded exponential backoff between attempts, per the §7 "Backend
// transient" row. Every pull error is retried; the last one is returned
// wrapped as a backend-transient error.
func (r *Runner) pullWithRetry(ctx context.Context, image string) error {
	delay := pullInitialDelay
	var lastErr error
	for attempt := 1; attempt <= pullMaxAttempts; attempt++ {
		err := r.deps.Backend.Pull(ctx, image)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == pullMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return gerror.NewErrCancelled("context cancelled while retrying image pull")
		case <-r.deps.Clock.After(delay):
		}
		delay *= 2
	}
	return gerror.NewErrBackendTransient("image pull failed after retries", lastErr)
}

func (r *Runner) createContainer(ctx context.Context, spec models.JobSpec, opts Options) (string, error) {
	sec := r.deps.Policy.ContainerSecurityOpts(opts.Workspace.Settings.ReadOnlyRootFS)
	env := mergedEnv(spec.Env, opts.ExtraEnv)

	containerID, err := r.deps.Backend.Create(ctx, containerbackend.CreateSpec{
		Name:      sandboxName(spec.JobID),
		Image:     spec.Image,
		Env:       env,
		NetworkID: opts.NetworkID,
		Security: containerbackend.SecurityOpts{
			DropAllCapabilities: sec.DropAllCapabilities,
			NoNewPrivileges:     sec.NoNewPrivileges,
			ReadOnlyRootFS:      sec.ReadOnlyRootFS,
		},
		Resources: containerbackend.ResourceCaps{
			CPUs:     float64(opts.Workspace.Limits.MaxCPUPerJob),
			MemoryMB: opts.Workspace.Limits.MaxMemoryPerJobMB,
		},
	})
	if err != nil {
		return "", gerror.NewErrBackendFatal("container create failed", err)
	}
	if err := r.deps.Backend.Start(ctx, containerID); err != nil {
		return containerID, gerror.NewErrBackendFatal("container start failed", err)
	}
	return containerID, nil
}

func sandboxName(jobID string) string {
	return "orcaops-job-" + jobID
}

func mergedEnv(specEnv, extra map[string]string) []string {
	merged := make(map[string]string, len(specEnv)+len(extra))
	for k, v := range specEnv {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// captureEnvironment records the env a sandbox was created with, redacting
// any value whose key matches a configured secret-like pattern.
func (r *Runner) captureEnvironment(spec models.JobSpec, opts Options) map[string]string {
	captured := make(map[string]string, len(spec.Env)+len(opts.ExtraEnv))
	add := func(k, v string) {
		captured[k] = redactIfSecret(r.deps.SecretPatterns, k, v)
	}
	for k, v := range spec.Env {
		add(k, v)
	}
	for k, v := range opts.ExtraEnv {
		add(k, v)
	}
	return captured
}

func redactIfSecret(patterns []*regexp.Regexp, key, value string) string {
	for _, p := range patterns {
		if p.MatchString(key) {
			return redactedValue
		}
	}
	return value
}

// executeSteps runs spec.Commands in order, fail-fast, subject to the TTL
// deadline and cooperative cancellation; it returns the terminal job status.
func (r *Runner) executeSteps(ctx context.Context, record *models.RunRecord, containerID string, spec models.JobSpec, deadline time.Time, cancel <-chan struct{}) models.JobStatus {
	for idx, command := range spec.Commands {
		select {
		case <-cancel:
			r.stopContainer(ctx, containerID)
			return models.JobCancelled
		default:
		}

		remaining := deadline.Sub(r.deps.Clock.Now())
		if remaining <= 0 {
			r.stopContainer(ctx, containerID)
			return models.JobTimedOut
		}

		stepCtx, cancelStep := context.WithTimeout(ctx, remaining)
		startedAt := r.now()
		result, err := r.deps.Backend.Exec(stepCtx, containerID, []string{"sh", "-c", command}, nil)
		cancelStep()
		finishedAt := r.now()

		if err != nil {
			select {
			case <-cancel:
				r.stopContainer(ctx, containerID)
				return models.JobCancelled
			default:
			}
			r.stopContainer(ctx, containerID)
			if stepCtx.Err() == context.DeadlineExceeded {
				record.Error = fmt.Sprintf("step %d (%s) exceeded ttl_seconds", idx, command)
				return models.JobTimedOut
			}
			record.Error = fmt.Sprintf("step %d (%s) failed to execute: %v", idx, command, err)
			return models.JobFailed
		}

		step := models.StepResult{
			Index:           idx,
			Command:         command,
			ExitCode:        result.ExitCode,
			Stdout:          result.Stdout,
			Stderr:          result.Stderr,
			DurationSeconds: finishedAt.Sub(startedAt.Time).Seconds(),
			StartedAt:       startedAt,
			FinishedAt:      finishedAt,
		}
		record.Steps = append(record.Steps, step)
		r.appendStepLog(record.JobID, step)
		r.persist(record)

		if result.ExitCode != 0 {
			return models.JobFailed
		}
	}
	return models.JobSuccess
}

func (r *Runner) appendStepLog(jobID string, step models.StepResult) {
	path := r.deps.Store.StepsPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.log.Warnf("failed creating steps log directory for %s: %v", jobID, err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Warnf("failed opening steps log for %s: %v", jobID, err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(step)
	if err != nil {
		r.log.Warnf("failed encoding step result for %s: %v", jobID, err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.log.Warnf("failed appending steps log for %s: %v", jobID, err)
	}
}

func (r *Runner) stopContainer(ctx context.Context, containerID string) {
	if err := r.deps.Backend.Stop(ctx, containerID, stopGrace); err != nil {
		r.log.Warnf("failed stopping container %s: %v", containerID, err)
	}
}

// collectArtifacts enumerates and copies out every glob in spec.Artifacts,
// truncating collection (with a warning, not a failure) once the
// accumulated size would exceed maxArtifactsSizeMB.
func (r *Runner) collectArtifacts(ctx context.Context, record *models.RunRecord, containerID string, spec models.JobSpec, maxArtifactsSizeMB int) {
	if len(spec.Artifacts) == 0 {
		return
	}
	maxBytes := int64(maxArtifactsSizeMB) * 1024 * 1024
	var collected int64
	truncated := false

	for _, glob := range spec.Artifacts {
		matches, err := r.deps.Backend.ListMatching(ctx, containerID, glob)
		if err != nil {
			r.log.Warnf("failed listing artifacts for glob %q: %v", glob, err)
			continue
		}
		if len(matches) == 0 {
			r.log.Infof("no artifacts matched glob %q for job %s", glob, spec.JobID)
			continue
		}

		for _, path := range matches {
			if truncated {
				break
			}
			localPath := filepath.Join(r.deps.Store.ArtifactsDir(spec.JobID), sanitizeArtifactName(path))
			if err := r.deps.Backend.CopyFromContainer(ctx, containerID, path, localPath); err != nil {
				r.log.Warnf("failed copying artifact %q: %v", path, err)
				continue
			}
			meta, err := describeArtifact(path, localPath)
			if err != nil {
				r.log.Warnf("failed describing artifact %q: %v", path, err)
				continue
			}
			if maxBytes > 0 && collected+meta.SizeBytes > maxBytes {
				truncated = true
				os.Remove(localPath)
				break
			}
			collected += meta.SizeBytes
			record.Artifacts = append(record.Artifacts, meta)
		}
	}

	if truncated {
		record.Summary = "partial artifact collection: max_artifacts_size_mb exceeded"
	}
}

func sanitizeArtifactName(containerPath string) string {
	return strings.ReplaceAll(strings.TrimPrefix(containerPath, "/"), "/", "__")
}

func describeArtifact(containerPath, localPath string) (models.ArtifactMetadata, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return models.ArtifactMetadata{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return models.ArtifactMetadata{}, err
	}

	return models.ArtifactMetadata{
		PathInContainer: containerPath,
		LocalPath:       localPath,
		SizeBytes:       size,
		SHA256:          hex.EncodeToString(h.Sum(nil)),
		ContentType:     contentTypeOf(containerPath),
	}, nil
}

func contentTypeOf(path string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// captureObservability pulls a final resource snapshot, runs LogAnalyzer
// over the captured output, and pushes the observation to BaselineTracker,
// attaching any anomalies to the record.
func (r *Runner) captureObservability(ctx context.Context, record *models.RunRecord, containerID string, fp string) loganalyzer.Result {
	if snap, err := r.deps.Backend.Stats(ctx, containerID); err != nil {
		r.log.Warnf("failed capturing resource stats for job %s: %v", record.JobID, err)
	} else {
		record.ResourceUsage = &models.ResourceUsage{
			CPUPercentAvg: snap.CPUPercent,
			MemoryMeanMB:  snap.MemoryMB,
			MemoryMaxMB:   snap.MemoryMB,
		}
	}

	var combined bytes.Buffer
	for _, s := range record.Steps {
		combined.WriteString(s.Stdout)
		combined.WriteString(s.Stderr)
	}
	analysis := r.deps.Analyzer.Analyze(combined.String())

	if r.deps.Baselines == nil {
		return analysis
	}
	duration := 0.0
	if record.StartedAt != nil {
		duration = r.now().Sub(record.StartedAt.Time).Seconds()
	}
	memPeak := 0.0
	if record.ResourceUsage != nil {
		memPeak = record.ResourceUsage.MemoryMaxMB
	}
	anomalies, err := r.deps.Baselines.Update(baseline.Observation{
		Fingerprint:     fp,
		DurationSeconds: duration,
		MemoryPeakMB:    memPeak,
		Success:         record.Status == models.JobSuccess,
	})
	if err != nil {
		r.log.Warnf("failed updating baseline for job %s: %v", record.JobID, err)
	}
	record.Anomalies = anomalies
	if r.deps.Anomalies != nil {
		for _, a := range anomalies {
			if err := r.deps.Anomalies.Append(record.JobID, fp, a); err != nil {
				r.log.Warnf("failed appending anomaly log for job %s: %v", record.JobID, err)
			}
		}
	}
	return analysis
}

// cleanup applies the job's cleanup policy (falling back to the workspace
// default when the spec did not set one), removing the sandbox container
// when the policy calls for it.
func (r *Runner) cleanup(ctx context.Context, record *models.RunRecord, containerID string, spec models.JobSpec, settings models.Settings) {
	policyToApply := spec.CleanupPolicy
	if policyToApply == "" {
		policyToApply = settings.DefaultCleanupPolicy
	}
	if policyToApply == "" {
		policyToApply = models.CleanupAlwaysRemove
	}

	if !policyToApply.ShouldRemove(record.Status) {
		record.CleanupStatus = "kept"
		return
	}

	var result *multierror.Error
	if err := r.deps.Backend.Stop(ctx, containerID, stopGrace); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.deps.Backend.Remove(ctx, containerID); err != nil {
		result = multierror.Append(result, err)
	}

	if result.ErrorOrNil() != nil {
		r.log.Errorf("cleanup failed for job %s: %v", record.JobID, result)
		record.CleanupStatus = "failed"
		return
	}
	record.CleanupStatus = "removed"
}

// buildSummary renders the one-liner status+duration+first-error+suggestion
// description attached to every terminal RunRecord.
func (r *Runner) buildSummary(record *models.RunRecord, analysis loganalyzer.Result) {
	duration := 0.0
	if record.StartedAt != nil && record.FinishedAt != nil {
		duration = record.FinishedAt.Sub(record.StartedAt.Time).Seconds()
	}
	parts := []string{fmt.Sprintf("%s in %.1fs", record.Status, duration)}
	if analysis.FirstError() != "" {
		parts = append(parts, "first error: "+analysis.FirstError())
	}
	if analysis.StackTrace != "" {
		parts = append(parts, fmt.Sprintf("first %s stack trace captured; see steps.jsonl", analysis.StackLang))
	}
	for _, a := range record.Anomalies {
		if a.Suggestion != "" {
			parts = append(parts, a.Suggestion)
		}
	}
	if record.Summary != "" {
		parts = append(parts, record.Summary)
	}
	record.Summary = strings.Join(parts, "; ")
}
