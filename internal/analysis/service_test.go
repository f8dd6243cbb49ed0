package analysis

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

type mockMetricsSource struct {
	samples []*models.Sample
	err     error
}

func (m *mockMetricsSource) FetchSamples(ctx context.Context, serviceType string, start, end time.Time) ([]*models.Sample, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.samples, nil
}

// makeSamples produces n samples spaced by interval, ending near now,
// with values from gen(i).
func makeSamples(n int, interval time.Duration, gen func(i int) float64) []*models.Sample {
	start := time.Now().UTC().Add(-time.Duration(n) * interval)
	samples := make([]*models.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = &models.Sample{
			Timestamp: start.Add(time.Duration(i) * interval),
			Value:     gen(i),
		}
	}
	return samples
}

// jitter is a small deterministic wobble so series are never constant.
func jitter(i int) float64 {
	return math.Sin(float64(i) * 12.9898)
}

func newTestService(t *testing.T, source MetricsSource) *Service {
	return NewService(source, DefaultConfig(), zaptest.NewLogger(t))
}

func TestAnalyzeSamples_InsufficientData(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(99, time.Minute, func(i int) float64 { return 100 })
	_, err := svc.AnalyzeSamples("api", samples, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientData))
}

func TestAnalyzeSamples_DescriptiveStats(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(1000, time.Minute, func(i int) float64 {
		return 100 + 10*jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	require.NotNil(t, report.Stats)
	assert.Equal(t, 1000, report.Stats.SampleSize)
	assert.InDelta(t, 100, report.Stats.Mean, 2)
	assert.Greater(t, report.Stats.StdDev, 0.0)
	assert.GreaterOrEqual(t, report.Stats.P95, report.Stats.Median)
	assert.GreaterOrEqual(t, report.Stats.P99, report.Stats.P95)
	assert.GreaterOrEqual(t, report.Stats.Max, report.Stats.P99)
}

func TestAnalyzeSamples_DegradingTrend(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(500, time.Minute, func(i int) float64 {
		return 100 + float64(i) + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TrendDegrading, report.Trend.Direction)
	assert.True(t, report.Trend.IsSignificant)
	assert.Greater(t, report.Trend.Slope, 0.0)
}

func TestAnalyzeSamples_ImprovingTrend(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(500, time.Minute, func(i int) float64 {
		return 600 - float64(i) + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TrendImproving, report.Trend.Direction)
	assert.True(t, report.Trend.IsSignificant)
}

func TestAnalyzeSamples_StableSeries(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(500, time.Minute, func(i int) float64 {
		return 100 + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TrendStable, report.Trend.Direction)
}

func TestAnalyzeSamples_HourlySeasonality(t *testing.T) {
	svc := newTestService(t, nil)

	// Strong diurnal cycle: busy hours are much slower.
	samples := makeSamples(24*14*4, 15*time.Minute, func(i int) float64 {
		hour := i / 4 % 24
		base := 100.0
		if hour >= 9 && hour <= 17 {
			base = 300.0
		}
		return base + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	var hourly *SeasonalPattern
	for _, p := range report.SeasonalPatterns {
		if p.Granularity == SeasonalHourly {
			hourly = p
		}
	}
	require.NotNil(t, hourly)
	assert.Greater(t, hourly.Strength, 0.5)
	assert.NotEmpty(t, hourly.PeakBuckets)
	assert.NotEmpty(t, hourly.TroughBuckets)
}

func TestAnalyzeSamples_WeeklyPatternNeedsFourWeeks(t *testing.T) {
	svc := newTestService(t, nil)

	short := makeSamples(24*7*2, time.Hour, func(i int) float64 {
		return 100 + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", short, nil)
	require.NoError(t, err)

	for _, p := range report.SeasonalPatterns {
		assert.NotEqual(t, SeasonalWeekly, p.Granularity,
			"two weeks of data must not produce a weekly pattern")
	}

	long := makeSamples(24*7*5, time.Hour, func(i int) float64 {
		return 100 + jitter(i)
	})
	report, err = svc.AnalyzeSamples("api", long, nil)
	require.NoError(t, err)

	found := false
	for _, p := range report.SeasonalPatterns {
		if p.Granularity == SeasonalWeekly {
			found = true
		}
	}
	assert.True(t, found, "five weeks of data should produce a weekly pattern")
}

func TestAnalyzeSamples_AnomalyPeriodsMerged(t *testing.T) {
	svc := newTestService(t, nil)

	// A single burst of consecutive spikes must merge into one interval.
	samples := makeSamples(400, time.Minute, func(i int) float64 {
		if i >= 200 && i < 205 {
			return 1000
		}
		return 100 + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)

	require.NotEmpty(t, report.Anomalies)
	first := report.Anomalies[0]
	assert.False(t, first.End.Before(first.Start))
	assert.Greater(t, first.MaxDeviation, 3.0)
}

func TestAnalyzeSamples_LoadCorrelations(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(200, time.Minute, func(i int) float64 {
		return 100 + float64(i)
	})
	load := make([]float64, 200)
	for i := range load {
		load[i] = float64(i) * 2
	}

	report, err := svc.AnalyzeSamples("api", samples, map[string][]float64{
		"rps":      load,
		"mismatch": {1, 2, 3},
	})
	require.NoError(t, err)

	require.Contains(t, report.LoadCorrelations, "rps")
	assert.InDelta(t, 1.0, report.LoadCorrelations["rps"], 1e-6)
	assert.NotContains(t, report.LoadCorrelations, "mismatch")
}

func TestAnalyzeSamples_QualityScoreBounds(t *testing.T) {
	svc := newTestService(t, nil)

	fresh := makeSamples(500, time.Minute, func(i int) float64 {
		return 100 + jitter(i)
	})
	report, err := svc.AnalyzeSamples("api", fresh, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.QualityScore, 0.0)
	assert.LessOrEqual(t, report.QualityScore, 1.0)
	assert.Greater(t, report.QualityScore, 0.7, "fresh complete data should score high")
}

func TestAnalyzeSamples_StaleDataScoresLower(t *testing.T) {
	svc := newTestService(t, nil)

	fresh := makeSamples(500, time.Minute, func(i int) float64 {
		return 100 + jitter(i)
	})

	stale := make([]*models.Sample, len(fresh))
	for i, sample := range fresh {
		stale[i] = &models.Sample{
			Timestamp: sample.Timestamp.Add(-10 * 24 * time.Hour),
			Value:     sample.Value,
		}
	}

	freshReport, err := svc.AnalyzeSamples("api", fresh, nil)
	require.NoError(t, err)
	staleReport, err := svc.AnalyzeSamples("api", stale, nil)
	require.NoError(t, err)

	assert.Less(t, staleReport.QualityScore, freshReport.QualityScore)
}

func TestAnalyzeSamples_ViolationRate(t *testing.T) {
	svc := newTestService(t, nil)

	samples := makeSamples(200, time.Minute, func(i int) float64 {
		return 100 + jitter(i)
	})
	for i := 0; i < 20; i++ {
		samples[i].IsViolation = true
	}

	report, err := svc.AnalyzeSamples("api", samples, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, report.ViolationRate, 1e-9)
}

func TestAnalyze_FetchesWindowFromSource(t *testing.T) {
	source := &mockMetricsSource{
		samples: makeSamples(300, time.Minute, func(i int) float64 {
			return 100 + jitter(i)
		}),
	}
	svc := newTestService(t, source)

	report, err := svc.Analyze(context.Background(), "api", nil)
	require.NoError(t, err)
	assert.Equal(t, "api", report.ServiceType)
	assert.True(t, report.WindowStart.Before(report.WindowEnd))
}

func TestAnalyze_SourceError(t *testing.T) {
	source := &mockMetricsSource{err: errors.New("feed down")}
	svc := newTestService(t, source)

	_, err := svc.Analyze(context.Background(), "api", nil)
	require.Error(t, err)
}
