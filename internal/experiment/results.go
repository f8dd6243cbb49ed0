package experiment

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/threshold-rollout-controller/trc/internal/models"
	"github.com/threshold-rollout-controller/trc/internal/stats"
)

// GroupResult compares one test group against the control group.
type GroupResult struct {
	GroupID     string                     `json:"group_id"`
	Metrics     *models.GroupMetrics       `json:"metrics"`
	Frequentist *stats.TwoProportionResult `json:"frequentist"`
	Bayesian    *stats.BayesianResult      `json:"bayesian"`
}

// StopRecommendation is the coordinator's early-stopping judgement.
type StopRecommendation struct {
	ShouldStop         bool    `json:"should_stop"`
	WinningGroup       string  `json:"winning_group,omitempty"`
	PValue             float64 `json:"p_value"`
	WinningProbability float64 `json:"winning_probability"`
}

// Results joins live metrics with statistical output for every test
// group versus the control group.
type Results struct {
	ExperimentID   string                  `json:"experiment_id"`
	Status         models.ExperimentStatus `json:"status"`
	SampleProgress float64                 `json:"sample_progress"`
	ControlMetrics *models.GroupMetrics    `json:"control_metrics"`
	GroupResults   []*GroupResult          `json:"group_results"`
	Recommendation *StopRecommendation     `json:"recommendation,omitempty"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

// Winner returns the significant test group with the highest posterior
// winning probability, or "" when no group is significantly better.
func (r *Results) Winner() string {
	winner := ""
	best := 0.0
	for _, result := range r.GroupResults {
		if result.Frequentist == nil || !result.Frequentist.IsSignificant {
			continue
		}
		if result.Frequentist.AbsoluteDifference <= 0 {
			continue
		}
		probability := 0.0
		if result.Bayesian != nil {
			probability = result.Bayesian.ProbabilityGroup1Better
		}
		if winner == "" || probability > best {
			winner = result.GroupID
			best = probability
		}
	}
	return winner
}

// GetResults returns the current joined statistical view of the
// experiment. For a running experiment the live counters are used; for a
// finished one the persisted final metrics are.
func (c *Coordinator) GetResults(ctx context.Context, id string) (*Results, error) {
	c.mu.RLock()
	state, ok := c.active[id]
	c.mu.RUnlock()

	if ok {
		state.mu.RLock()
		defer state.mu.RUnlock()
		return c.buildResults(state.record, state), nil
	}

	experiment, err := c.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.buildResults(experiment, nil), nil
}

// collectMetrics snapshots the live counters into GroupMetrics. Caller
// holds the state lock or owns the state exclusively.
func (c *Coordinator) collectMetrics(state *activeExperiment) map[string]*models.GroupMetrics {
	metrics := make(map[string]*models.GroupMetrics, len(state.counters))
	for groupID, counters := range state.counters {
		views := counters.views.Load()
		m := &models.GroupMetrics{
			GroupID:     groupID,
			SampleSize:  views,
			Views:       views,
			Clicks:      counters.clicks.Load(),
			Conversions: counters.conversions.Load(),
			Bounces:     counters.bounces.Load(),
		}
		if views > 0 {
			m.ConversionRate = float64(m.Conversions) / float64(views)
			m.BounceRate = float64(m.Bounces) / float64(views)
		}
		metrics[groupID] = m
	}
	return metrics
}

// collectPerformance fills each group's violation rate and response-time
// aggregates from group-tagged samples over the experiment's lifetime.
// Without a metrics source, or for groups with no tagged samples, the
// performance fields stay zero.
func (c *Coordinator) collectPerformance(ctx context.Context, experiment *models.Experiment, metrics map[string]*models.GroupMetrics, now time.Time) {
	if c.source == nil || experiment.StartedAt == nil || len(metrics) == 0 {
		return
	}

	samples, err := c.source.FetchSamples(ctx, experiment.Config.ServiceType, *experiment.StartedAt, now)
	if err != nil {
		c.logger.Warn("Failed to fetch samples for group performance",
			zap.String("experiment_id", experiment.ID),
			zap.Error(err))
		return
	}

	values := make(map[string][]float64)
	violations := make(map[string]int)
	for _, sample := range samples {
		if sample.GroupID == "" {
			continue
		}
		values[sample.GroupID] = append(values[sample.GroupID], sample.Value)
		if sample.IsViolation {
			violations[sample.GroupID]++
		}
	}

	for groupID, m := range metrics {
		group := values[groupID]
		if len(group) == 0 {
			continue
		}
		sort.Float64s(group)
		m.ViolationRate = float64(violations[groupID]) / float64(len(group))
		m.MeanPerformance = stat.Mean(group, nil)
		m.P95Performance = stat.Quantile(0.95, stat.Empirical, group, nil)
		m.P99Performance = stat.Quantile(0.99, stat.Empirical, group, nil)
	}
}

// buildResults computes both statistical tests for every test group
// against the control. A nil state uses the experiment's persisted
// metrics instead of live counters.
func (c *Coordinator) buildResults(experiment *models.Experiment, state *activeExperiment) *Results {
	var metrics map[string]*models.GroupMetrics
	if state != nil {
		metrics = c.collectMetrics(state)
	} else {
		metrics = experiment.Metrics
	}
	if metrics == nil {
		metrics = make(map[string]*models.GroupMetrics)
	}

	var control *models.ExperimentGroup
	for _, group := range experiment.Groups {
		if group.Role == models.GroupRoleControl {
			control = group
			break
		}
	}
	if control == nil {
		return nil
	}
	controlMetrics := metrics[control.ID]
	if controlMetrics == nil {
		controlMetrics = &models.GroupMetrics{GroupID: control.ID}
	}

	results := &Results{
		ExperimentID:   experiment.ID,
		Status:         experiment.Status,
		ControlMetrics: controlMetrics,
		GeneratedAt:    c.now().UTC(),
	}

	var totalSamples int64
	for _, m := range metrics {
		totalSamples += m.SampleSize
	}
	required := int64(experiment.Config.MinimumSampleSize) * int64(len(experiment.Groups))
	if required > 0 {
		results.SampleProgress = float64(totalSamples) / float64(required)
	}

	alpha := experiment.Config.SignificanceLevel
	if alpha <= 0 {
		alpha = 0.05
	}
	threshold := c.config.BayesianStopThreshold
	if threshold <= 0 {
		threshold = 0.95
	}

	for _, group := range experiment.Groups {
		if group.Role == models.GroupRoleControl {
			continue
		}
		groupMetrics := metrics[group.ID]
		if groupMetrics == nil {
			groupMetrics = &models.GroupMetrics{GroupID: group.ID}
		}

		result := &GroupResult{
			GroupID: group.ID,
			Metrics: groupMetrics,
			Frequentist: c.analyzer.TwoProportionTest(
				groupMetrics.SampleSize, groupMetrics.Conversions,
				controlMetrics.SampleSize, controlMetrics.Conversions,
				1-alpha),
			Bayesian: c.analyzer.BayesianProbabilityBetter(
				groupMetrics.SampleSize, groupMetrics.Conversions,
				controlMetrics.SampleSize, controlMetrics.Conversions,
				1, 1),
		}
		results.GroupResults = append(results.GroupResults, result)

		// Early-stopping judgement: enough progress, frequentist
		// significance and posterior dominance must all agree.
		if results.SampleProgress > 0.1 &&
			result.Frequentist.Valid && result.Frequentist.PValue < alpha &&
			result.Frequentist.AbsoluteDifference > 0 &&
			result.Bayesian.Valid && result.Bayesian.ProbabilityGroup1Better > threshold {
			if results.Recommendation == nil ||
				result.Bayesian.ProbabilityGroup1Better > results.Recommendation.WinningProbability {
				results.Recommendation = &StopRecommendation{
					ShouldStop:         true,
					WinningGroup:       group.ID,
					PValue:             result.Frequentist.PValue,
					WinningProbability: result.Bayesian.ProbabilityGroup1Better,
				}
			}
		}
	}

	return results
}
