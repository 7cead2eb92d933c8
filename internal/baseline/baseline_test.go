package baseline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treksavvysky/orcaops/internal/models"
)

func TestUpdateAccumulatesEMA(t *testing.T) {
	tr, err := New(t.TempDir())
	require.NoError(t, err)

	fp := "fp-1"
	_, err = tr.Update(Observation{Fingerprint: fp, DurationSeconds: 10, MemoryPeakMB: 100, Success: true})
	require.NoError(t, err)
	b, ok := tr.Get(fp)
	require.True(t, ok)
	require.Equal(t, float64(10), b.DurationEMA)

	_, err = tr.Update(Observation{Fingerprint: fp, DurationSeconds: 20, MemoryPeakMB: 100, Success: true})
	require.NoError(t, err)
	b, _ = tr.Get(fp)
	require.InDelta(t, 11.0, b.DurationEMA, 0.001) // 0.1*20 + 0.9*10
}

func TestNoAnomaliesBeforeMinSamples(t *testing.T) {
	tr, err := New(t.TempDir())
	require.NoError(t, err)
	fp := "fp-2"

	for i := 0; i < 2; i++ {
		anomalies, err := tr.Update(Observation{Fingerprint: fp, DurationSeconds: 10, MemoryPeakMB: 100, Success: true})
		require.NoError(t, err)
		require.Empty(t, anomalies)
	}
}

func TestDurationSpikeFlaggedCritical(t *testing.T) {
	tr, err := New(t.TempDir())
	require.NoError(t, err)
	fp := "fp-3"

	for i := 0; i < 5; i++ {
		_, err := tr.Update(Observation{Fingerprint: fp, DurationSeconds: 10, MemoryPeakMB: 50, Success: true})
		require.NoError(t, err)
	}

	anomalies, err := tr.Update(Observation{Fingerprint: fp, DurationSeconds: 40, MemoryPeakMB: 50, Success: true})
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	found := false
	for _, a := range anomalies {
		if a.Metric == "duration" && a.Severity == models.AnomalyCritical {
			found = true
		}
	}
	require.True(t, found)
}

func TestFlakyDetectionRequiresTenSamplesAndMixedOutcomes(t *testing.T) {
	tr, err := New(t.TempDir())
	require.NoError(t, err)
	fp := "fp-4"

	for i := 0; i < 10; i++ {
		success := i%2 == 0 // 50% success rate, within [0.3, 0.9]
		_, err := tr.Update(Observation{Fingerprint: fp, DurationSeconds: 10, MemoryPeakMB: 50, Success: success})
		require.NoError(t, err)
	}

	anomalies, err := tr.Update(Observation{Fingerprint: fp, DurationSeconds: 10, MemoryPeakMB: 50, Success: true})
	require.NoError(t, err)
	found := false
	for _, a := range anomalies {
		if a.Metric == "flaky" {
			found = true
		}
	}
	require.True(t, found)
}

func TestBaselinesPersistAcrossTrackerInstances(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(dir)
	require.NoError(t, err)
	_, err = tr.Update(Observation{Fingerprint: "fp-5", DurationSeconds: 10, MemoryPeakMB: 50, Success: true})
	require.NoError(t, err)

	tr2, err := New(dir)
	require.NoError(t, err)
	b, ok := tr2.Get("fp-5")
	require.True(t, ok)
	require.Equal(t, int64(1), b.Samples)
}

func TestAnomalyLogAppend(t *testing.T) {
	dir := t.TempDir()
	log := NewAnomalyLog(dir)
	err := log.Append("job-1", "fp-1", models.Anomaly{Metric: "duration", Severity: models.AnomalyWarning, Observed: 20, Baseline: 10})
	require.NoError(t, err)
}
