// Package baseline maintains per-fingerprint statistical profiles of job
// execution (duration, memory, success rate) and flags anomalous runs
// against that history. Updates to the same fingerprint are serialized by a
// per-fingerprint mutex so unrelated fingerprints update concurrently.
package baseline

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/treksavvysky/orcaops/internal/gerror"
	"github.com/treksavvysky/orcaops/internal/models"
)

const (
	emaAlpha     = 0.1
	ringSize     = 100
	minSamples   = 3
	flakySamples = 10
	degradationSamples = 5
)

// entry is the mutable per-fingerprint state backing a models.Baseline.
type entry struct {
	mu sync.Mutex

	durationEMA     float64
	durationRing    []float64
	durationRingPos int

	memoryMean float64
	memoryMax  float64

	successCount int64
	failureCount int64
	samples      int64
	lastUpdated  time.Time
}

func (e *entry) snapshot(fingerprint string) models.Baseline {
	p50, p95, p99 := percentiles(e.durationRing)
	return models.Baseline{
		Fingerprint:            fingerprint,
		Samples:                e.samples,
		DurationEMA:            e.durationEMA,
		DurationStddevEstimate: stddev(e.durationRing, e.durationEMA),
		DurationP50:            p50,
		DurationP95:            p95,
		DurationP99:            p99,
		MemoryMeanMB:           e.memoryMean,
		MemoryMaxMB:            e.memoryMax,
		SuccessCount:           e.successCount,
		FailureCount:           e.failureCount,
		LastUpdated:            models.NewTime(e.lastUpdated),
	}
}

// Observation is one completed run's measurements, fed to Tracker.Update.
type Observation struct {
	Fingerprint     string
	DurationSeconds float64
	MemoryPeakMB    float64
	Success         bool
}

// Tracker is a process-wide, fingerprint-keyed baseline store. Baselines are
// loaded from a JSON snapshot at construction and atomically rewritten to
// the same path on every Update.
type Tracker struct {
	mu       sync.Mutex // protects the entries map itself, not individual entries
	entries  map[string]*entry
	snapshotPath string
	now      func() time.Time
}

func New(baseDir string) (*Tracker, error) {
	t := &Tracker{
		entries:      make(map[string]*entry),
		snapshotPath: filepath.Join(baseDir, "baselines.json"),
		now:          time.Now,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gerror.NewErrPersistenceFailed("failed reading baselines snapshot", err)
	}
	var saved map[string]models.Baseline
	if err := json.Unmarshal(data, &saved); err != nil {
		return gerror.NewErrPersistenceFailed("failed parsing baselines snapshot", err)
	}
	for fp, b := range saved {
		e := &entry{
			durationEMA:  b.DurationEMA,
			memoryMean:   b.MemoryMeanMB,
			memoryMax:    b.MemoryMaxMB,
			successCount: b.SuccessCount,
			failureCount: b.FailureCount,
			samples:      b.Samples,
			lastUpdated:  b.LastUpdated.Time,
		}
		t.entries[fp] = e
	}
	return nil
}

func (t *Tracker) entryFor(fingerprint string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fingerprint]
	if !ok {
		e = &entry{}
		t.entries[fingerprint] = e
	}
	return e
}

// Get returns the current baseline for a fingerprint, or ok=false if no
// observation has ever been recorded for it.
func (t *Tracker) Get(fingerprint string) (models.Baseline, bool) {
	t.mu.Lock()
	e, ok := t.entries[fingerprint]
	t.mu.Unlock()
	if !ok {
		return models.Baseline{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(fingerprint), true
}

// Update folds obs into the fingerprint's baseline and returns any anomalies
// detected relative to the baseline as it stood *before* this observation
// (so a single wild outlier is flagged rather than silently absorbed into
// the EMA before comparison).
func (t *Tracker) Update(obs Observation) ([]models.Anomaly, error) {
	e := t.entryFor(obs.Fingerprint)

	e.mu.Lock()
	before := e.snapshot(obs.Fingerprint)
	var anomalies []models.Anomaly
	if before.Samples >= minSamples {
		anomalies = detectAnomalies(before, obs)
	}

	if obs.Success {
		e.successCount++
	} else {
		e.failureCount++
	}
	e.samples++
	if e.samples == 1 {
		e.durationEMA = obs.DurationSeconds
	} else {
		e.durationEMA = emaAlpha*obs.DurationSeconds + (1-emaAlpha)*e.durationEMA
	}
	e.durationRing = pushRing(e.durationRing, obs.DurationSeconds, ringSize)

	if e.samples == 1 {
		e.memoryMean = obs.MemoryPeakMB
	} else {
		e.memoryMean += (obs.MemoryPeakMB - e.memoryMean) / float64(e.samples)
	}
	if obs.MemoryPeakMB > e.memoryMax {
		e.memoryMax = obs.MemoryPeakMB
	}
	e.lastUpdated = t.clock()
	e.mu.Unlock()

	if err := t.persist(); err != nil {
		return anomalies, err
	}
	return anomalies, nil
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	out := make(map[string]models.Baseline, len(t.entries))
	for fp, e := range t.entries {
		e.mu.Lock()
		out[fp] = e.snapshot(fp)
		e.mu.Unlock()
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed marshaling baselines snapshot", err)
	}

	dir := filepath.Dir(t.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gerror.NewErrPersistenceFailed("failed creating baselines directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-baselines-"+strconv.Itoa(os.Getpid()))
	if err != nil {
		return gerror.NewErrPersistenceFailed("failed creating temp baselines file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return gerror.NewErrPersistenceFailed("failed writing temp baselines file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return gerror.NewErrPersistenceFailed("failed closing temp baselines file", err)
	}
	if err := os.Rename(tmp.Name(), t.snapshotPath); err != nil {
		os.Remove(tmp.Name())
		return gerror.NewErrPersistenceFailed("failed renaming temp baselines file", err)
	}
	return nil
}

func pushRing(ring []float64, v float64, max int) []float64 {
	if len(ring) < max {
		return append(ring, v)
	}
	// shift-and-append keeps the ring in chronological order, which is the
	// simplest correct implementation; max is small (≈100) so the copy is cheap.
	copy(ring, ring[1:])
	ring[len(ring)-1] = v
	return ring
}

func percentiles(ring []float64) (p50, p95, p99 float64) {
	if len(ring) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64{}, ring...)
	sort.Float64s(sorted)
	return percentileOf(sorted, 0.50), percentileOf(sorted, 0.95), percentileOf(sorted, 0.99)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func stddev(ring []float64, mean float64) float64 {
	if len(ring) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range ring {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(ring)-1))
}

func successRate(b models.Baseline) float64 {
	total := b.SuccessCount + b.FailureCount
	if total == 0 {
		return 1
	}
	return float64(b.SuccessCount) / float64(total)
}

func detectAnomalies(before models.Baseline, obs Observation) []models.Anomaly {
	var anomalies []models.Anomaly

	if before.DurationEMA > 0 {
		ratio := obs.DurationSeconds / before.DurationEMA
		switch {
		case ratio > 3:
			anomalies = append(anomalies, models.Anomaly{
				Metric: "duration", Severity: models.AnomalyCritical,
				Observed: obs.DurationSeconds, Baseline: before.DurationEMA,
				Suggestion: "duration is more than 3x the historical average; check for a hang or a much larger workload",
			})
		case ratio > 2:
			anomalies = append(anomalies, models.Anomaly{
				Metric: "duration", Severity: models.AnomalyWarning,
				Observed: obs.DurationSeconds, Baseline: before.DurationEMA,
				Suggestion: "duration is more than 2x the historical average",
			})
		}
	}

	if before.MemoryMaxMB > 0 {
		ratio := obs.MemoryPeakMB / before.MemoryMaxMB
		switch {
		case ratio > 2:
			anomalies = append(anomalies, models.Anomaly{
				Metric: "memory", Severity: models.AnomalyCritical,
				Observed: obs.MemoryPeakMB, Baseline: before.MemoryMaxMB,
				Suggestion: "peak memory is more than 2x the prior maximum; consider raising max_memory_per_job_mb or investigating a leak",
			})
		case ratio > 1.5:
			anomalies = append(anomalies, models.Anomaly{
				Metric: "memory", Severity: models.AnomalyWarning,
				Observed: obs.MemoryPeakMB, Baseline: before.MemoryMaxMB,
				Suggestion: "peak memory is more than 1.5x the prior maximum",
			})
		}
	}

	rate := successRate(before)
	if before.Samples >= flakySamples && rate >= 0.3 && rate <= 0.9 {
		anomalies = append(anomalies, models.Anomaly{
			Metric: "flaky", Severity: models.AnomalyWarning,
			Observed: rate, Baseline: 1.0,
			Suggestion: "success rate is inconsistent across recent runs; this job may be flaky",
		})
	}
	if before.Samples >= degradationSamples && rate < 0.8 {
		anomalies = append(anomalies, models.Anomaly{
			Metric: "success_rate_degradation", Severity: models.AnomalyWarning,
			Observed: rate, Baseline: 1.0,
			Suggestion: "success rate has dropped below 80% over recent runs",
		})
	}

	return anomalies
}
