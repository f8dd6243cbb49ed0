// Package stats implements the statistical machinery behind experiment
// evaluation: power analysis, frequentist two-proportion testing and
// Bayesian posterior comparison. All functions are pure CPU work; the
// Monte Carlo path is the only non-trivial cost and callers on a hot
// loop should run it on a worker.
package stats

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

const (
	// DefaultMonteCarloDraws is the number of posterior draws used to
	// estimate P(group1 > group2).
	DefaultMonteCarloDraws = 10000

	// minimumSampleFloor is the smallest sample size ever recommended.
	minimumSampleFloor = 100
)

// AnalyzerConfig configures the statistical analyzer.
type AnalyzerConfig struct {
	// MonteCarloDraws overrides DefaultMonteCarloDraws when positive.
	MonteCarloDraws int
	// Seed makes the Bayesian path deterministic when non-zero.
	Seed uint64
}

// Analyzer performs sample-size, significance and posterior computations.
// It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	draws int
	seed  uint64
}

// NewAnalyzer creates an analyzer. A nil config uses defaults.
func NewAnalyzer(config *AnalyzerConfig) *Analyzer {
	draws := DefaultMonteCarloDraws
	var seed uint64
	if config != nil {
		if config.MonteCarloDraws > 0 {
			draws = config.MonteCarloDraws
		}
		seed = config.Seed
	}
	return &Analyzer{draws: draws, seed: seed}
}

// CalculateSampleSize computes the per-group sample size needed to detect
// a relative change of minimumDetectableEffect over baselineRate with the
// given power at significance level alpha, using the arcsine effect size
// (Cohen's h). The result never falls below 100.
func (a *Analyzer) CalculateSampleSize(baselineRate, minimumDetectableEffect, power, alpha float64) (int, error) {
	if baselineRate <= 0 || baselineRate >= 1 {
		return 0, fmt.Errorf("%w: baseline rate %v outside (0,1)", models.ErrValidation, baselineRate)
	}
	if minimumDetectableEffect <= 0 {
		return 0, fmt.Errorf("%w: minimum detectable effect %v must be positive", models.ErrValidation, minimumDetectableEffect)
	}
	if power <= 0 || power >= 1 {
		return 0, fmt.Errorf("%w: power %v outside (0,1)", models.ErrValidation, power)
	}
	if alpha <= 0 || alpha >= 1 {
		return 0, fmt.Errorf("%w: alpha %v outside (0,1)", models.ErrValidation, alpha)
	}

	p1 := baselineRate
	p2 := clamp(p1*(1+minimumDetectableEffect), 0.01, 0.99)

	h := 2 * (math.Asin(math.Sqrt(p1)) - math.Asin(math.Sqrt(p2)))
	if h == 0 {
		// The target rate clamped back onto the baseline (e.g. a tiny
		// effect on a rate near the 0.99 cap); no finite sample can
		// distinguish them, so report the floor.
		return minimumSampleFloor, nil
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	zAlpha := norm.Quantile(1 - alpha/2)
	zBeta := norm.Quantile(power)

	// Total across both arms; return the per-arm requirement.
	n := math.Pow((zAlpha+zBeta)/h, 2) / 2
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: degenerate power computation", models.ErrValidation)
	}

	size := int(math.Ceil(n))
	if size < minimumSampleFloor {
		size = minimumSampleFloor
	}
	return size, nil
}

// TwoProportionResult holds the outcome of a frequentist two-proportion
// z-test. Group 1 is the variant under test, group 2 the control.
type TwoProportionResult struct {
	VariantRate        float64 `json:"variant_rate"`
	ControlRate        float64 `json:"control_rate"`
	AbsoluteDifference float64 `json:"absolute_difference"`
	RelativeDifference float64 `json:"relative_difference"`
	ZStatistic         float64 `json:"z_statistic"`
	PValue             float64 `json:"p_value"`
	IsSignificant      bool    `json:"is_significant"`
	ConfidenceLevel    float64 `json:"confidence_level"`
	CILower            float64 `json:"ci_lower"`
	CIUpper            float64 `json:"ci_upper"`
	Valid              bool    `json:"valid"`
	Reason             string  `json:"reason,omitempty"`
}

// TwoProportionTest runs a two-tailed two-proportion z-test with a pooled
// standard error for the statistic and an unpooled one for the confidence
// interval. Degenerate inputs (an empty group) return a low-confidence
// sentinel result rather than an error: this sits on a live monitoring
// path that must stay up.
func (a *Analyzer) TwoProportionTest(n1, x1, n2, x2 int64, confidenceLevel float64) *TwoProportionResult {
	result := &TwoProportionResult{ConfidenceLevel: confidenceLevel, PValue: 1.0}

	if n1 <= 0 || n2 <= 0 {
		result.Reason = "empty group"
		return result
	}
	if x1 < 0 || x2 < 0 || x1 > n1 || x2 > n2 {
		result.Reason = "successes out of range"
		return result
	}
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		result.Reason = "confidence level outside (0,1)"
		return result
	}

	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	diff := p1 - p2

	result.Valid = true
	result.VariantRate = p1
	result.ControlRate = p2
	result.AbsoluteDifference = diff
	if p2 != 0 {
		result.RelativeDifference = diff / p2
	}

	pooled := float64(x1+x2) / float64(n1+n2)
	sePooled := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	if sePooled > 0 {
		result.ZStatistic = diff / sePooled
		result.PValue = 2 * (1 - norm.CDF(math.Abs(result.ZStatistic)))
	}

	alpha := 1 - confidenceLevel
	result.IsSignificant = result.PValue < alpha && sePooled > 0

	seUnpooled := math.Sqrt(p1*(1-p1)/float64(n1) + p2*(1-p2)/float64(n2))
	zCrit := norm.Quantile(1 - alpha/2)
	result.CILower = diff - zCrit*seUnpooled
	result.CIUpper = diff + zCrit*seUnpooled

	return result
}

// CredibleInterval is a Bayesian posterior interval.
type CredibleInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// BayesianResult holds a Beta-Binomial posterior comparison of two groups.
type BayesianResult struct {
	ProbabilityGroup1Better float64          `json:"probability_group1_better"`
	ExpectedRate1           float64          `json:"expected_rate_1"`
	ExpectedRate2           float64          `json:"expected_rate_2"`
	CredibleInterval1       CredibleInterval `json:"credible_interval_1"`
	CredibleInterval2       CredibleInterval `json:"credible_interval_2"`
	Draws                   int              `json:"draws"`
	Valid                   bool             `json:"valid"`
	Reason                  string           `json:"reason,omitempty"`
}

// BayesianProbabilityBetter estimates P(rate1 > rate2) under independent
// Beta-Binomial posteriors using Monte Carlo sampling, and reports the
// posterior means and 95% credible intervals of both groups. The estimate
// is monotonic non-decreasing in x1 with the other arguments held fixed.
func (a *Analyzer) BayesianProbabilityBetter(n1, x1, n2, x2 int64, priorAlpha, priorBeta float64) *BayesianResult {
	result := &BayesianResult{Draws: a.draws}

	if priorAlpha <= 0 {
		priorAlpha = 1
	}
	if priorBeta <= 0 {
		priorBeta = 1
	}
	if n1 < 0 || n2 < 0 || x1 < 0 || x2 < 0 || x1 > n1 || x2 > n2 {
		result.Reason = "counts out of range"
		return result
	}

	alpha1 := priorAlpha + float64(x1)
	beta1 := priorBeta + float64(n1-x1)
	alpha2 := priorAlpha + float64(x2)
	beta2 := priorBeta + float64(n2-x2)

	src := a.newSource()
	post1 := distuv.Beta{Alpha: alpha1, Beta: beta1, Src: src}
	post2 := distuv.Beta{Alpha: alpha2, Beta: beta2, Src: src}

	better := 0
	for i := 0; i < a.draws; i++ {
		if post1.Rand() > post2.Rand() {
			better++
		}
	}

	result.Valid = true
	result.ProbabilityGroup1Better = float64(better) / float64(a.draws)
	result.ExpectedRate1 = alpha1 / (alpha1 + beta1)
	result.ExpectedRate2 = alpha2 / (alpha2 + beta2)
	result.CredibleInterval1 = credibleInterval(distuv.Beta{Alpha: alpha1, Beta: beta1}, 0.95)
	result.CredibleInterval2 = credibleInterval(distuv.Beta{Alpha: alpha2, Beta: beta2}, 0.95)

	return result
}

func (a *Analyzer) newSource() rand.Source {
	if a.seed != 0 {
		return rand.NewSource(a.seed)
	}
	return nil // distuv falls back to the global source
}

func credibleInterval(dist distuv.Beta, level float64) CredibleInterval {
	tail := (1 - level) / 2
	return CredibleInterval{
		Lower: dist.Quantile(tail),
		Upper: dist.Quantile(1 - tail),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
