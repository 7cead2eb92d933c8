package baseline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

// AnomalyRecord is one line of the date-partitioned anomaly stream, tying an
// Anomaly back to the job and fingerprint that produced it.
type AnomalyRecord struct {
	Timestamp   models.Time    `json:"timestamp"`
	JobID       string         `json:"job_id"`
	Fingerprint string         `json:"fingerprint"`
	Anomaly     models.Anomaly `json:"anomaly"`
}

// AnomalyLog appends AnomalyRecords to <base>/anomalies/YYYY-MM-DD.jsonl.
type AnomalyLog struct {
	mu   sync.Mutex
	base string
	now  func() time.Time
}

func NewAnomalyLog(baseDir string) *AnomalyLog {
	return &AnomalyLog{base: filepath.Join(baseDir, "anomalies"), now: time.Now}
}

func (l *AnomalyLog) Append(jobID, fingerprint string, anomaly models.Anomaly) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.base, 0o755); err != nil {
		return gerror.NewErrObservabilityFailed("failed creating anomalies directory", err)
	}

	record := AnomalyRecord{
		Timestamp:   models.NewTime(l.now()),
		JobID:       jobID,
		Fingerprint: fingerprint,
		Anomaly:     anomaly,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return gerror.NewErrObservabilityFailed("failed marshaling anomaly record", err)
	}
	line = append(line, '\n')

	path := filepath.Join(l.base, record.Timestamp.Local().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return gerror.NewErrObservabilityFailed("failed opening anomaly log file", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return gerror.NewErrObservabilityFailed("failed writing anomaly record", err)
	}
	return nil
}
