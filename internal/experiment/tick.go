package experiment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/models"
	"github.com/threshold-rollout-controller/trc/internal/monitor"
)

// runTick executes one monitoring tick and applies the three-strike
// failure policy: a tick error is logged and counted, and the configured
// number of consecutive failures forces the experiment to FAILED.
func (c *Coordinator) runTick(ctx context.Context, id string) {
	c.mu.RLock()
	state, ok := c.active[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	err := c.tick(ctx, id, state)
	if err == nil {
		state.mu.Lock()
		state.tickFailures = 0
		state.mu.Unlock()
		return
	}

	state.mu.Lock()
	state.tickFailures++
	failures := state.tickFailures
	state.mu.Unlock()

	c.logger.Error("Experiment tick failed",
		zap.String("experiment_id", id),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures >= c.config.MaxTickFailures {
		c.fail(ctx, id, err)
	}
}

// tick evaluates alert rules, forced-stop conditions and the
// early-stopping recommendation for one running experiment.
func (c *Coordinator) tick(ctx context.Context, id string, state *activeExperiment) error {
	state.mu.RLock()
	experiment := state.record
	startedAt := experiment.StartedAt
	state.mu.RUnlock()

	if startedAt == nil {
		return fmt.Errorf("experiment %s has no start time", id)
	}

	now := c.now().UTC()
	hoursRunning := now.Sub(*startedAt).Hours()
	daysRunning := hoursRunning / 24

	results := c.buildResults(experiment, state)
	if results == nil {
		return fmt.Errorf("experiment %s has no control group", id)
	}

	if c.monitor != nil {
		c.monitor.Evaluate(ctx, c.buildSnapshot(experiment, results, hoursRunning, daysRunning))
	}

	// Performance degradation overrides statistical significance.
	degraded, err := c.checkDegradation(ctx, experiment, now)
	if err != nil {
		return err
	}
	if degraded {
		c.logger.Warn("Forcing stop: performance degradation",
			zap.String("experiment_id", id))
		return c.StopExperiment(ctx, id, models.StopReasonDegradation)
	}

	if daysRunning >= float64(experiment.Config.DurationDays) {
		c.logger.Info("Forcing stop: time limit reached",
			zap.String("experiment_id", id),
			zap.Float64("days_running", daysRunning))
		return c.StopExperiment(ctx, id, models.StopReasonTimeLimit)
	}

	var totalSamples int64
	for _, m := range c.collectMetrics(state) {
		totalSamples += m.SampleSize
	}

	if daysRunning > float64(c.config.InsufficientDataAfterDays) &&
		totalSamples < int64(experiment.Config.MinimumSampleSize) {
		c.logger.Warn("Forcing stop: insufficient data",
			zap.String("experiment_id", id),
			zap.Int64("samples", totalSamples),
			zap.Int("minimum", experiment.Config.MinimumSampleSize))
		return c.StopExperiment(ctx, id, models.StopReasonInsufficientData)
	}

	if c.config.AutoEarlyStop && results.Recommendation != nil && results.Recommendation.ShouldStop {
		c.logger.Info("Early stopping on significance",
			zap.String("experiment_id", id),
			zap.String("winning_group", results.Recommendation.WinningGroup),
			zap.Float64("p_value", results.Recommendation.PValue),
			zap.Float64("winning_probability", results.Recommendation.WinningProbability))
		return c.StopExperiment(ctx, id, models.StopReasonEarlySignificance)
	}

	return nil
}

// buildSnapshot flattens the current results into the monitor's input.
func (c *Coordinator) buildSnapshot(experiment *models.Experiment, results *Results, hoursRunning, daysRunning float64) *monitor.MetricsSnapshot {
	snapshot := &monitor.MetricsSnapshot{
		EntityID:          experiment.ID,
		SampleProgress:    results.SampleProgress,
		HoursRunning:      hoursRunning,
		DaysRunning:       daysRunning,
		MaxDurationDays:   experiment.Config.DurationDays,
		Groups:            make(map[string]*monitor.GroupSnapshot, len(experiment.Groups)),
		SignificanceLevel: experiment.Config.SignificanceLevel,
		BayesianThreshold: c.config.BayesianStopThreshold,
	}

	allocations := make(map[string]float64, len(experiment.Groups))
	for _, group := range experiment.Groups {
		allocations[group.ID] = group.Allocation
	}

	addGroup := func(m *models.GroupMetrics) {
		snapshot.Groups[m.GroupID] = &monitor.GroupSnapshot{
			ConversionRate: m.ConversionRate,
			BounceRate:     m.BounceRate,
			SampleSize:     m.SampleSize,
			ExpectedShare:  allocations[m.GroupID],
		}
	}

	addGroup(results.ControlMetrics)
	for _, result := range results.GroupResults {
		addGroup(result.Metrics)
		if result.Frequentist != nil && result.Frequentist.Valid {
			if snapshot.CurrentPValue == 0 || result.Frequentist.PValue < snapshot.CurrentPValue {
				snapshot.CurrentPValue = result.Frequentist.PValue
			}
		}
		if result.Bayesian != nil && result.Bayesian.ProbabilityGroup1Better > snapshot.WinningProbability {
			snapshot.WinningProbability = result.Bayesian.ProbabilityGroup1Better
		}
	}

	return snapshot
}

// checkDegradation compares trailing-window violation rates of each test
// group against the control group via the metrics source.
func (c *Coordinator) checkDegradation(ctx context.Context, experiment *models.Experiment, now time.Time) (bool, error) {
	if c.source == nil {
		return false, nil
	}

	start := now.Add(-c.config.DegradationWindow)
	samples, err := c.source.FetchSamples(ctx, experiment.Config.ServiceType, start, now)
	if err != nil {
		return false, fmt.Errorf("failed to fetch trailing samples: %w", err)
	}

	violations := make(map[string]int)
	counts := make(map[string]int)
	for _, sample := range samples {
		if sample.GroupID == "" {
			continue
		}
		counts[sample.GroupID]++
		if sample.IsViolation {
			violations[sample.GroupID]++
		}
	}

	var controlID string
	for _, group := range experiment.Groups {
		if group.Role == models.GroupRoleControl {
			controlID = group.ID
			break
		}
	}
	if counts[controlID] == 0 {
		return false, nil
	}
	controlRate := float64(violations[controlID]) / float64(counts[controlID])

	for _, group := range experiment.Groups {
		if group.Role == models.GroupRoleControl || counts[group.ID] == 0 {
			continue
		}
		rate := float64(violations[group.ID]) / float64(counts[group.ID])
		if rate > controlRate*c.config.DegradationRatio && rate-controlRate > c.config.DegradationAbsolute {
			c.logger.Warn("Test group violation rate degraded",
				zap.String("experiment_id", experiment.ID),
				zap.String("group_id", group.ID),
				zap.Float64("group_rate", rate),
				zap.Float64("control_rate", controlRate))
			return true, nil
		}
	}
	return false, nil
}

// fail forces a running experiment into FAILED with the last tick error
// attached, after repeated tick failures.
func (c *Coordinator) fail(ctx context.Context, id string, cause error) {
	c.mu.Lock()
	state, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if state.token != nil {
		state.token.Cancel()
	}

	state.mu.Lock()
	experiment := state.record
	experiment.Status = models.ExperimentStatusFailed
	experiment.Error = cause.Error()
	experiment.Metrics = c.collectMetrics(state)
	completed := c.now().UTC()
	experiment.CompletedAt = &completed
	state.mu.Unlock()

	if err := c.repo.SaveExperiment(ctx, experiment); err != nil {
		c.logger.Error("Failed to persist failed experiment",
			zap.String("experiment_id", id),
			zap.Error(err))
	}

	c.publish(ctx, eventbus.NewExperimentStoppedEvent("coordinator", &eventbus.ExperimentStoppedEvent{
		ExperimentID: id,
		ServiceType:  experiment.Config.ServiceType,
		Status:       models.ExperimentStatusFailed,
		StopReason:   experiment.StopReason,
		StoppedAt:    completed,
	}, ""))

	c.logger.Error("Experiment failed after repeated tick errors",
		zap.String("experiment_id", id),
		zap.Error(cause))
}
