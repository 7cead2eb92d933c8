// Package audit implements the append-only audit trail: one JSON-lines file
// per local calendar day, serialized behind a single writer mutex so that
// every append is a whole, line-atomic write.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

// Logger appends AuditEvents to <base>/audit/YYYY-MM-DD.jsonl.
type Logger struct {
	mu   sync.Mutex
	base string
	now  func() time.Time
}

func NewLogger(baseDir string) *Logger {
	return &Logger{base: filepath.Join(baseDir, "audit"), now: time.Now}
}

// NewLoggerWithClock lets tests pin the current time so date-partitioning is
// deterministic.
func NewLoggerWithClock(baseDir string, now func() time.Time) *Logger {
	l := NewLogger(baseDir)
	l.now = now
	return l
}

func (l *Logger) pathFor(t time.Time) string {
	return filepath.Join(l.base, t.Local().Format("2006-01-02")+".jsonl")
}

// Append writes one audit event. The write holds the logger's mutex for the
// full duration of the marshal-and-write so appends are globally totally
// ordered by wall-clock of append.
func (l *Logger) Append(event models.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.EventID.Kind() == "" {
		event.EventID = models.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = models.NewTime(l.now())
	}

	if err := os.MkdirAll(l.base, 0o755); err != nil {
		return gerror.NewErrPersistenceFailed("failed creating audit directory", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed marshaling audit event", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.pathFor(event.Timestamp.Time), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed opening audit log file", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return gerror.NewErrPersistenceFailed("failed writing audit event", err)
	}
	return nil
}

// Filters narrows a Query to a subset of events. A zero-value field is not
// applied as a restriction.
type Filters struct {
	WorkspaceID models.WorkspaceID
	Action      models.AuditAction
	Outcome     models.AuditOutcome
	Since       *time.Time
	Until       *time.Time
}

func (f Filters) matches(e models.AuditEvent) bool {
	if f.WorkspaceID.Valid() && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query scans audit log files in reverse chronological order, applying
// filters and an offset/limit window.
func (l *Logger) Query(filters Filters, limit, offset int) ([]models.AuditEvent, error) {
	entries, err := os.ReadDir(l.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerror.NewErrPersistenceFailed("failed listing audit directory", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var matched []models.AuditEvent
	for _, name := range names {
		events, err := l.readFileReversed(filepath.Join(l.base, name))
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if filters.matches(ev) {
				matched = append(matched, ev)
			}
		}
	}

	if offset > len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (l *Logger) readFileReversed(path string) ([]models.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gerror.NewErrPersistenceFailed("failed opening audit log file", err)
	}
	defer f.Close()

	var events []models.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, gerror.NewErrPersistenceFailed(fmt.Sprintf("failed parsing audit line in %s", path), err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, gerror.NewErrPersistenceFailed("failed scanning audit log file", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
