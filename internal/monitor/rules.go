package monitor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// defaultRules returns the built-in alert rule set.
func defaultRules() []*AlertRule {
	return []*AlertRule{
		{
			Name:      "early_significance",
			Severity:  models.AlertSeverityInfo,
			Predicate: earlySignificance,
		},
		{
			Name:      "low_traffic",
			Severity:  models.AlertSeverityWarning,
			Predicate: lowTraffic,
		},
		{
			Name:      "conversion_rate_drop",
			Severity:  models.AlertSeverityCritical,
			Predicate: conversionRateDrop,
		},
		{
			Name:      "high_bounce_rate",
			Severity:  models.AlertSeverityWarning,
			Predicate: highBounceRate,
		},
		{
			Name:      "duration_exceeded",
			Severity:  models.AlertSeverityWarning,
			Predicate: durationExceeded,
		},
		{
			Name:      "performance_divergence",
			Severity:  models.AlertSeverityWarning,
			Predicate: performanceDivergence,
		},
		{
			Name:      "sample_ratio_imbalance",
			Severity:  models.AlertSeverityCritical,
			Predicate: sampleRatioImbalance,
		},
	}
}

func earlySignificance(s *MetricsSnapshot) (bool, string) {
	alpha := s.SignificanceLevel
	if alpha <= 0 {
		alpha = 0.05
	}
	threshold := s.BayesianThreshold
	if threshold <= 0 {
		threshold = 0.95
	}

	if s.SampleProgress > 0.1 && s.CurrentPValue > 0 && s.CurrentPValue < alpha && s.WinningProbability > threshold {
		return true, fmt.Sprintf("significant result at %.1f%% progress (p=%.4f, P(better)=%.3f)",
			s.SampleProgress*100, s.CurrentPValue, s.WinningProbability)
	}
	return false, ""
}

func lowTraffic(s *MetricsSnapshot) (bool, string) {
	if s.HoursRunning > 24 && s.SampleProgress < 0.05 {
		return true, fmt.Sprintf("only %.1f%% of required samples after %.0f hours",
			s.SampleProgress*100, s.HoursRunning)
	}
	return false, ""
}

func conversionRateDrop(s *MetricsSnapshot) (bool, string) {
	if s.HoursRunning <= 6 || len(s.Groups) == 0 {
		return false, ""
	}
	for _, group := range s.Groups {
		if group.ConversionRate >= 0.01 {
			return false, ""
		}
	}
	return true, "conversion rate below 1% in every group"
}

func highBounceRate(s *MetricsSnapshot) (bool, string) {
	for id, group := range s.Groups {
		if group.BounceRate > 0.8 && group.SampleSize > 100 {
			return true, fmt.Sprintf("group %s bounce rate %.1f%%", id, group.BounceRate*100)
		}
	}
	return false, ""
}

func durationExceeded(s *MetricsSnapshot) (bool, string) {
	if s.MaxDurationDays > 0 && s.DaysRunning >= float64(s.MaxDurationDays) {
		return true, fmt.Sprintf("running %.1f days, configured maximum %d", s.DaysRunning, s.MaxDurationDays)
	}
	return false, ""
}

func performanceDivergence(s *MetricsSnapshot) (bool, string) {
	if len(s.Groups) < 2 {
		return false, ""
	}

	rates := make([]float64, 0, len(s.Groups))
	for _, group := range s.Groups {
		if group.SampleSize <= 50 {
			return false, ""
		}
		rates = append(rates, group.ConversionRate)
	}

	mean := stat.Mean(rates, nil)
	if mean == 0 {
		return false, ""
	}
	cv := stat.StdDev(rates, nil) / mean
	if cv > 0.5 {
		return true, fmt.Sprintf("conversion rate coefficient of variation %.2f across groups", cv)
	}
	return false, ""
}

func sampleRatioImbalance(s *MetricsSnapshot) (bool, string) {
	if len(s.Groups) < 2 {
		return false, ""
	}

	var total int64
	for _, group := range s.Groups {
		total += group.SampleSize
	}
	if total <= 100 {
		return false, ""
	}

	for id, group := range s.Groups {
		expected := group.ExpectedShare
		if expected <= 0 {
			expected = 1.0 / float64(len(s.Groups))
		}
		observed := float64(group.SampleSize) / float64(total)
		deviation := math.Abs(observed-expected) / expected
		if deviation > 0.4 {
			return true, fmt.Sprintf("group %s holds %.1f%% of traffic, expected %.1f%%",
				id, observed*100, expected*100)
		}
	}
	return false, ""
}
