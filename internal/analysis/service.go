// Package analysis turns raw timestamped samples from the metrics feed
// into descriptive statistics, trend and seasonality findings, anomaly
// intervals and a data-quality score. It feeds both the experiment
// coordinator (baseline stats) and the threshold change manager (impact
// assessment).
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// MetricsSource is the external metrics feed consumed for both historical
// analysis and live monitoring ticks.
type MetricsSource interface {
	FetchSamples(ctx context.Context, serviceType string, start, end time.Time) ([]*models.Sample, error)
}

// Config holds analysis tunables.
type Config struct {
	WindowDays        int     `mapstructure:"window_days"`
	MinimumSampleSize int     `mapstructure:"minimum_sample_size"`
	RollingWindow     int     `mapstructure:"rolling_window"`
	AnomalySigma      float64 `mapstructure:"anomaly_sigma"`
}

// DefaultConfig returns the default analysis configuration.
func DefaultConfig() Config {
	return Config{
		WindowDays:        30,
		MinimumSampleSize: 100,
		RollingWindow:     20,
		AnomalySigma:      3.0,
	}
}

// Service computes performance analysis reports.
type Service struct {
	source MetricsSource
	config Config
	logger *zap.Logger
}

// NewService creates an analysis service backed by the given metrics feed.
func NewService(source MetricsSource, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WindowDays <= 0 {
		config.WindowDays = 30
	}
	if config.MinimumSampleSize <= 0 {
		config.MinimumSampleSize = 100
	}
	if config.RollingWindow <= 0 {
		config.RollingWindow = 20
	}
	if config.AnomalySigma <= 0 {
		config.AnomalySigma = 3.0
	}
	return &Service{source: source, config: config, logger: logger}
}

// DescriptiveStats summarizes the sample distribution.
type DescriptiveStats struct {
	SampleSize             int     `json:"sample_size"`
	Mean                   float64 `json:"mean"`
	Median                 float64 `json:"median"`
	P95                    float64 `json:"p95"`
	P99                    float64 `json:"p99"`
	StdDev                 float64 `json:"std_dev"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	Skewness               float64 `json:"skewness"`
	Kurtosis               float64 `json:"kurtosis"`
	Min                    float64 `json:"min"`
	Max                    float64 `json:"max"`
}

// NormalityResult holds a Jarque-Bera style normality check.
type NormalityResult struct {
	Statistic float64 `json:"statistic"`
	IsNormal  bool    `json:"is_normal"`
}

// TrendResult classifies the time trend of the series.
type TrendResult struct {
	Direction     models.TrendDirection `json:"direction"`
	Slope         float64               `json:"slope"`
	Correlation   float64               `json:"correlation"`
	PValue        float64               `json:"p_value"`
	IsSignificant bool                  `json:"is_significant"`
}

// SeasonalGranularity names a seasonality bucket scheme.
type SeasonalGranularity string

const (
	SeasonalHourly SeasonalGranularity = "hourly"
	SeasonalDaily  SeasonalGranularity = "daily"
	SeasonalWeekly SeasonalGranularity = "weekly"
)

// SeasonalPattern describes one detected seasonal cycle.
type SeasonalPattern struct {
	Granularity   SeasonalGranularity `json:"granularity"`
	Strength      float64             `json:"strength"`
	PeakBuckets   []int               `json:"peak_buckets"`
	TroughBuckets []int               `json:"trough_buckets"`
	BucketMeans   map[int]float64     `json:"bucket_means"`
}

// AnomalyPeriod is a merged interval of consecutive 3-sigma breaches.
type AnomalyPeriod struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	SampleCount  int       `json:"sample_count"`
	MaxDeviation float64   `json:"max_deviation"`
}

// Report is the full analysis output for one service over one window.
type Report struct {
	ServiceType      string                  `json:"service_type"`
	WindowStart      time.Time               `json:"window_start"`
	WindowEnd        time.Time               `json:"window_end"`
	Stats            *DescriptiveStats       `json:"stats"`
	Normality        *NormalityResult        `json:"normality"`
	DistributionType models.DistributionType `json:"distribution_type"`
	Trend            *TrendResult            `json:"trend"`
	SeasonalPatterns []*SeasonalPattern      `json:"seasonal_patterns,omitempty"`
	LoadCorrelations map[string]float64      `json:"load_correlations,omitempty"`
	Anomalies        []*AnomalyPeriod        `json:"anomalies,omitempty"`
	ViolationRate    float64                 `json:"violation_rate"`
	QualityScore     float64                 `json:"quality_score"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// Analyze fetches the last WindowDays of samples for serviceType and runs
// the full analysis.
func (s *Service) Analyze(ctx context.Context, serviceType string, covariates map[string][]float64) (*Report, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -s.config.WindowDays)

	samples, err := s.source.FetchSamples(ctx, serviceType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch samples for %s: %w", serviceType, err)
	}

	report, err := s.AnalyzeSamples(serviceType, samples, covariates)
	if err != nil {
		return nil, err
	}
	report.WindowStart = start
	report.WindowEnd = end
	return report, nil
}

// AnalyzeSamples runs the full analysis over an ordered sample list.
// Fewer than the configured minimum sample size yields ErrInsufficientData
// and no partial result.
func (s *Service) AnalyzeSamples(serviceType string, samples []*models.Sample, covariates map[string][]float64) (*Report, error) {
	if len(samples) < s.config.MinimumSampleSize {
		return nil, fmt.Errorf("%w: %d samples, need %d", models.ErrInsufficientData, len(samples), s.config.MinimumSampleSize)
	}

	ordered := make([]*models.Sample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	values := make([]float64, len(ordered))
	violations := 0
	for i, sample := range ordered {
		values[i] = sample.Value
		if sample.IsViolation {
			violations++
		}
	}

	stats := describe(values)
	normality := testNormality(values, stats)

	report := &Report{
		ServiceType:      serviceType,
		Stats:            stats,
		Normality:        normality,
		DistributionType: classifyDistribution(stats, normality),
		Trend:            s.analyzeTrend(ordered, values),
		SeasonalPatterns: s.detectSeasonality(ordered, values),
		LoadCorrelations: correlateLoads(values, covariates),
		Anomalies:        s.detectAnomalies(ordered, values),
		ViolationRate:    float64(violations) / float64(len(ordered)),
		GeneratedAt:      time.Now().UTC(),
	}
	report.QualityScore = s.qualityScore(ordered, values, stats)

	s.logger.Debug("analysis completed",
		zap.String("service_type", serviceType),
		zap.Int("samples", len(ordered)),
		zap.Float64("quality_score", report.QualityScore),
		zap.String("trend", string(report.Trend.Direction)))

	return report, nil
}

func describe(values []float64) *DescriptiveStats {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean := stat.Mean(sorted, nil)
	stddev := stat.StdDev(sorted, nil)

	ds := &DescriptiveStats{
		SampleSize: len(sorted),
		Mean:       mean,
		Median:     stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:        stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:        stat.Quantile(0.99, stat.Empirical, sorted, nil),
		StdDev:     stddev,
		Skewness:   stat.Skew(sorted, nil),
		Kurtosis:   stat.ExKurtosis(sorted, nil),
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
	}
	if mean != 0 {
		ds.CoefficientOfVariation = stddev / math.Abs(mean)
	}
	return ds
}

// jarqueBeraCritical is the chi-square critical value at alpha=0.05, df=2.
const jarqueBeraCritical = 5.99

func testNormality(values []float64, ds *DescriptiveStats) *NormalityResult {
	n := float64(len(values))
	jb := n / 6 * (ds.Skewness*ds.Skewness + ds.Kurtosis*ds.Kurtosis/4)
	return &NormalityResult{
		Statistic: jb,
		IsNormal:  jb < jarqueBeraCritical,
	}
}

func classifyDistribution(ds *DescriptiveStats, normality *NormalityResult) models.DistributionType {
	if normality.IsNormal {
		return models.DistributionNormal
	}
	switch {
	case ds.Skewness > 0.5:
		return models.DistributionRightSkewed
	case ds.Skewness < -0.5:
		return models.DistributionLeftSkewed
	default:
		return models.DistributionHeavyTailed
	}
}

const (
	trendAlpha          = 0.05
	trendMinCorrelation = 0.1
)

// analyzeTrend regresses value on elapsed time and classifies the slope.
// The trend is significant only when p < 0.05 and |r| >= 0.1.
func (s *Service) analyzeTrend(samples []*models.Sample, values []float64) *TrendResult {
	n := len(samples)
	times := make([]float64, n)
	origin := samples[0].Timestamp
	for i, sample := range samples {
		times[i] = sample.Timestamp.Sub(origin).Seconds()
	}

	_, slope := stat.LinearRegression(times, values, nil, false)
	r := stat.Correlation(times, values, nil)

	result := &TrendResult{
		Direction:   models.TrendStable,
		Slope:       slope,
		Correlation: r,
		PValue:      1.0,
	}

	if n > 2 && !math.IsNaN(r) {
		if math.Abs(r) >= 1-1e-12 {
			result.PValue = 0
		} else {
			t := r * math.Sqrt(float64(n-2)/(1-r*r))
			tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
			result.PValue = 2 * tDist.CDF(-math.Abs(t))
		}
	}

	result.IsSignificant = result.PValue < trendAlpha && math.Abs(r) >= trendMinCorrelation
	if result.IsSignificant {
		// Lower is better for latency-style metrics.
		if slope < 0 {
			result.Direction = models.TrendImproving
		} else {
			result.Direction = models.TrendDegrading
		}
	}
	return result
}

const minWeeksForWeeklyPattern = 4

func (s *Service) detectSeasonality(samples []*models.Sample, values []float64) []*SeasonalPattern {
	var patterns []*SeasonalPattern

	if p := bucketPattern(SeasonalHourly, samples, values, func(ts time.Time) int { return ts.Hour() }); p != nil {
		patterns = append(patterns, p)
	}
	if p := bucketPattern(SeasonalDaily, samples, values, func(ts time.Time) int { return int(ts.Weekday()) }); p != nil {
		patterns = append(patterns, p)
	}

	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp)
	if span >= minWeeksForWeeklyPattern*7*24*time.Hour {
		origin := samples[0].Timestamp
		if p := bucketPattern(SeasonalWeekly, samples, values, func(ts time.Time) int {
			return int(ts.Sub(origin) / (7 * 24 * time.Hour))
		}); p != nil {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// bucketPattern computes variance-based pattern strength: the share of
// total variance explained by the bucket means. Peaks and troughs are the
// buckets above the 0.8 and below the 0.2 quantiles of bucket means.
func bucketPattern(granularity SeasonalGranularity, samples []*models.Sample, values []float64, bucketOf func(time.Time) int) *SeasonalPattern {
	buckets := make(map[int][]float64)
	for i, sample := range samples {
		b := bucketOf(sample.Timestamp)
		buckets[b] = append(buckets[b], values[i])
	}
	if len(buckets) < 2 {
		return nil
	}

	total := stat.Variance(values, nil)
	if total == 0 {
		return nil
	}

	grand := stat.Mean(values, nil)
	bucketMeans := make(map[int]float64, len(buckets))
	means := make([]float64, 0, len(buckets))
	var between float64
	for b, vs := range buckets {
		m := stat.Mean(vs, nil)
		bucketMeans[b] = m
		means = append(means, m)
		between += float64(len(vs)) * (m - grand) * (m - grand)
	}
	between /= float64(len(values))

	sort.Float64s(means)
	peakCut := stat.Quantile(0.8, stat.Empirical, means, nil)
	troughCut := stat.Quantile(0.2, stat.Empirical, means, nil)

	pattern := &SeasonalPattern{
		Granularity: granularity,
		Strength:    between / total,
		BucketMeans: bucketMeans,
	}
	for b, m := range bucketMeans {
		if m >= peakCut {
			pattern.PeakBuckets = append(pattern.PeakBuckets, b)
		}
		if m <= troughCut {
			pattern.TroughBuckets = append(pattern.TroughBuckets, b)
		}
	}
	sort.Ints(pattern.PeakBuckets)
	sort.Ints(pattern.TroughBuckets)
	return pattern
}

func correlateLoads(values []float64, covariates map[string][]float64) map[string]float64 {
	if len(covariates) == 0 {
		return nil
	}
	out := make(map[string]float64, len(covariates))
	for name, series := range covariates {
		if len(series) != len(values) {
			continue
		}
		out[name] = stat.Correlation(values, series, nil)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// detectAnomalies applies a rolling-window sigma rule and merges
// consecutive breaches into (start, end) intervals.
func (s *Service) detectAnomalies(samples []*models.Sample, values []float64) []*AnomalyPeriod {
	window := s.config.RollingWindow
	if len(values) <= window {
		return nil
	}

	var periods []*AnomalyPeriod
	var current *AnomalyPeriod

	for i := window; i < len(values); i++ {
		segment := values[i-window : i]
		mean := stat.Mean(segment, nil)
		stddev := stat.StdDev(segment, nil)

		breach := false
		var deviation float64
		if stddev > 0 {
			deviation = math.Abs(values[i]-mean) / stddev
			breach = deviation > s.config.AnomalySigma
		}

		if breach {
			if current == nil {
				current = &AnomalyPeriod{Start: samples[i].Timestamp}
			}
			current.End = samples[i].Timestamp
			current.SampleCount++
			if deviation > current.MaxDeviation {
				current.MaxDeviation = deviation
			}
		} else if current != nil {
			periods = append(periods, current)
			current = nil
		}
	}
	if current != nil {
		periods = append(periods, current)
	}
	return periods
}

const recencyHorizon = 7 * 24 * time.Hour

// qualityScore combines completeness, outlier rate and recency:
// 0.4*completeness + 0.4*(1-outlierRate) + 0.2*recencyDecay, clamped
// to [0,1]. Completeness compares the observed count against the count
// implied by the median inter-arrival gap over the observed span.
func (s *Service) qualityScore(samples []*models.Sample, values []float64, ds *DescriptiveStats) float64 {
	completeness := 1.0
	if len(samples) > 1 {
		gaps := make([]float64, 0, len(samples)-1)
		for i := 1; i < len(samples); i++ {
			gaps = append(gaps, samples[i].Timestamp.Sub(samples[i-1].Timestamp).Seconds())
		}
		sort.Float64s(gaps)
		medianGap := stat.Quantile(0.5, stat.Empirical, gaps, nil)
		if medianGap > 0 {
			span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
			expected := span/medianGap + 1
			if expected > 0 {
				completeness = clampUnit(float64(len(samples)) / expected)
			}
		}
	}

	outliers := 0
	if ds.StdDev > 0 {
		for _, v := range values {
			if math.Abs(v-ds.Mean) > 3*ds.StdDev {
				outliers++
			}
		}
	}
	outlierRate := float64(outliers) / float64(len(values))

	age := time.Since(samples[len(samples)-1].Timestamp)
	recency := clampUnit(1 - age.Seconds()/recencyHorizon.Seconds())

	return clampUnit(0.4*completeness + 0.4*(1-outlierRate) + 0.2*recency)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
