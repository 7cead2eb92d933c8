// Package runstore persists RunRecords and WorkflowRecords under a
// directory-per-run filesystem layout, using write-temp-then-rename so a
// reader never observes a partially written record.
package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v2"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

// Store reads and writes RunRecords and WorkflowRecords under base.
type Store struct {
	base string
}

func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) runDir(jobID string) string {
	return filepath.Join(s.base, "artifacts", jobID)
}

func (s *Store) runPath(jobID string) string {
	return filepath.Join(s.runDir(jobID), "run.json")
}

func (s *Store) workflowPath(workflowID string) string {
	return filepath.Join(s.base, "workflows", workflowID, "workflow.json")
}

// Put atomically replaces a RunRecord on disk: marshal, write to a temp
// file in the same directory, then rename over the destination.
func (s *Store) Put(record *models.RunRecord) error {
	dir := s.runDir(record.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gerror.NewErrPersistenceFailed("failed creating run directory", err)
	}
	return atomicWriteJSON(s.runPath(record.JobID), record)
}

// Get loads a RunRecord by job id.
func (s *Store) Get(jobID string) (*models.RunRecord, error) {
	var record models.RunRecord
	if err := readJSON(s.runPath(jobID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete removes a run's entire directory, including collected artifacts.
func (s *Store) Delete(jobID string) error {
	if err := os.RemoveAll(s.runDir(jobID)); err != nil {
		return gerror.NewErrPersistenceFailed("failed deleting run directory", err)
	}
	return nil
}

// StepsPath returns the path to a run's append-only steps.jsonl file.
func (s *Store) StepsPath(jobID string) string {
	return filepath.Join(s.runDir(jobID), "steps.jsonl")
}

// ArtifactsDir returns the directory collected artifact files are extracted into.
func (s *Store) ArtifactsDir(jobID string) string {
	return s.runDir(jobID)
}

// Filter narrows a List call. Zero-valued fields are not applied.
type Filter struct {
	Status          models.JobStatus
	ImageGlob       string
	Tags            []string
	TriggeredBy     string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	MinDuration     *float64
	MaxDuration     *float64
}

func (f Filter) matches(r *models.RunRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ImageGlob != "" {
		matched, err := doublestar.Match(f.ImageGlob, r.Spec.Image)
		if err != nil || !matched {
			return false
		}
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range r.Spec.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TriggeredBy != "" && r.Spec.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.CreatedAfter != nil && r.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && r.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.MinDuration != nil || f.MaxDuration != nil {
		duration := runDurationSeconds(r)
		if f.MinDuration != nil && duration < *f.MinDuration {
			return false
		}
		if f.MaxDuration != nil && duration > *f.MaxDuration {
			return false
		}
	}
	return true
}

func runDurationSeconds(r *models.RunRecord) float64 {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt.Time).Seconds()
}

// List scans run directories under the artifacts root and returns the
// records matching filter, most recently created first.
func (s *Store) List(filter Filter) ([]*models.RunRecord, error) {
	root := filepath.Join(s.base, "artifacts")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerror.NewErrPersistenceFailed("failed listing artifacts directory", err)
	}

	var records []*models.RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		record, err := s.Get(e.Name())
		if err != nil {
			continue // best-effort: skip runs missing/corrupt run.json
		}
		if filter.matches(record) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt.Time)
	})
	return records, nil
}

// Cleanup deletes every run directory whose RunRecord is terminal and whose
// created_at is older than olderThan, returning the number removed.
func (s *Store) Cleanup(olderThan time.Time) (int, error) {
	records, err := s.List(Filter{CreatedBefore: &olderThan})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range records {
		if !r.Status.Terminal() {
			continue
		}
		if err := s.Delete(r.JobID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// PutWorkflow atomically replaces a WorkflowRecord on disk.
func (s *Store) PutWorkflow(record *models.WorkflowRecord) error {
	dir := filepath.Dir(s.workflowPath(record.WorkflowID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gerror.NewErrPersistenceFailed("failed creating workflow directory", err)
	}
	return atomicWriteJSON(s.workflowPath(record.WorkflowID), record)
}

// GetWorkflow loads a WorkflowRecord by workflow id.
func (s *Store) GetWorkflow(workflowID string) (*models.WorkflowRecord, error) {
	var record models.WorkflowRecord
	if err := readJSON(s.workflowPath(workflowID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed marshaling record", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-"+strconv.Itoa(os.Getpid()))
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed creating temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed closing temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return gerror.NewErrPersistenceFailed("failed renaming temp file into place", err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return gerror.NewErrNotFound("no record at " + path)
		}
		return gerror.NewErrPersistenceFailed("failed reading record", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return gerror.NewErrPersistenceFailed("failed parsing record", err)
	}
	return nil
}
