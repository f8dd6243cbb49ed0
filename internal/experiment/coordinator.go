// Package experiment coordinates A/B threshold experiments: creation
// with power analysis, lifecycle transitions, live event recording and
// statistically driven stopping.
package experiment

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/analysis"
	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/models"
	"github.com/threshold-rollout-controller/trc/internal/monitor"
	"github.com/threshold-rollout-controller/trc/internal/scheduler"
	"github.com/threshold-rollout-controller/trc/internal/stats"
	"github.com/threshold-rollout-controller/trc/internal/storage"
)

// Config holds coordinator tunables.
type Config struct {
	TickInterval              time.Duration `json:"tick_interval" yaml:"tick_interval" mapstructure:"tick_interval"`
	InsufficientDataAfterDays int           `json:"insufficient_data_after_days" yaml:"insufficient_data_after_days" mapstructure:"insufficient_data_after_days"`
	BayesianStopThreshold     float64       `json:"bayesian_stop_threshold" yaml:"bayesian_stop_threshold" mapstructure:"bayesian_stop_threshold"`
	AutoEarlyStop             bool          `json:"auto_early_stop" yaml:"auto_early_stop" mapstructure:"auto_early_stop"`
	DegradationWindow         time.Duration `json:"degradation_window" yaml:"degradation_window" mapstructure:"degradation_window"`
	DegradationRatio          float64       `json:"degradation_ratio" yaml:"degradation_ratio" mapstructure:"degradation_ratio"`
	DegradationAbsolute       float64       `json:"degradation_absolute" yaml:"degradation_absolute" mapstructure:"degradation_absolute"`
	MaxTickFailures           int           `json:"max_tick_failures" yaml:"max_tick_failures" mapstructure:"max_tick_failures"`
	DefaultBaselineRate       float64       `json:"default_baseline_rate" yaml:"default_baseline_rate" mapstructure:"default_baseline_rate"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:              5 * time.Minute,
		InsufficientDataAfterDays: 10,
		BayesianStopThreshold:     0.95,
		AutoEarlyStop:             true,
		DegradationWindow:         24 * time.Hour,
		DegradationRatio:          1.5,
		DegradationAbsolute:       0.2,
		MaxTickFailures:           3,
		DefaultBaselineRate:       0.15,
	}
}

// CreateRequest describes a new experiment.
type CreateRequest struct {
	ServiceType       string  `json:"service_type"`
	ControlValue      float64 `json:"control_value"`
	TestValue         float64 `json:"test_value"`
	DurationDays      int     `json:"duration_days"`
	TrafficSplit      float64 `json:"traffic_split"`
	SignificanceLevel float64 `json:"significance_level"`
	Power             float64 `json:"power"`
	// BaselineRate is the expected baseline conversion rate used for
	// power analysis. Zero applies the configured default.
	BaselineRate float64 `json:"baseline_rate"`
	// Groups optionally replaces the default control/test pair.
	Groups []*models.ExperimentGroup `json:"groups,omitempty"`
}

// groupCounters holds a group's live event tallies.
type groupCounters struct {
	views       atomic.Int64
	clicks      atomic.Int64
	conversions atomic.Int64
	bounces     atomic.Int64
}

// activeExperiment is the runtime state of a running experiment.
type activeExperiment struct {
	mu           sync.RWMutex
	record       *models.Experiment
	counters     map[string]*groupCounters
	token        *scheduler.CancelToken
	tickFailures int
}

// Coordinator drives the experiment lifecycle. All dependencies are
// injected at construction; there is no global state.
type Coordinator struct {
	logger   *zap.Logger
	config   *Config
	analyzer *stats.Analyzer
	source   analysis.MetricsSource
	repo     storage.ExperimentRepository
	bus      eventbus.EventBus
	monitor  *monitor.RealTimeMonitor
	sched    *scheduler.Scheduler

	mu     sync.RWMutex
	active map[string]*activeExperiment

	// now is replaceable in tests
	now func() time.Time
}

// NewCoordinator creates an experiment coordinator. The metrics source,
// event bus and monitor may be nil; the corresponding behaviors
// (degradation detection, event emission, alerting) are then skipped.
func NewCoordinator(
	config *Config,
	analyzer *stats.Analyzer,
	source analysis.MetricsSource,
	repo storage.ExperimentRepository,
	bus eventbus.EventBus,
	mon *monitor.RealTimeMonitor,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:   logger,
		config:   config,
		analyzer: analyzer,
		source:   source,
		repo:     repo,
		bus:      bus,
		monitor:  mon,
		sched:    sched,
		active:   make(map[string]*activeExperiment),
		now:      time.Now,
	}
}

// CreateExperiment validates the request, derives the effect size and
// required sample size, and persists a DRAFT experiment.
func (c *Coordinator) CreateExperiment(ctx context.Context, req *CreateRequest) (*models.Experiment, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", models.ErrValidation)
	}
	if req.ServiceType == "" {
		return nil, fmt.Errorf("%w: service type is required", models.ErrValidation)
	}
	if req.ControlValue <= 0 {
		return nil, fmt.Errorf("%w: control value %v must be positive", models.ErrValidation, req.ControlValue)
	}
	if req.DurationDays <= 0 {
		return nil, fmt.Errorf("%w: duration %d days must be positive", models.ErrValidation, req.DurationDays)
	}

	alpha := req.SignificanceLevel
	if alpha == 0 {
		alpha = 0.05
	}
	power := req.Power
	if power == 0 {
		power = 0.8
	}
	baselineRate := req.BaselineRate
	if baselineRate == 0 {
		baselineRate = c.config.DefaultBaselineRate
	}

	groups := req.Groups
	if len(groups) == 0 {
		split := req.TrafficSplit
		if split == 0 {
			split = 0.5
		}
		groups = []*models.ExperimentGroup{
			{ID: "control", Name: "Control", Role: models.GroupRoleControl, ThresholdValue: req.ControlValue, Allocation: 1 - split},
			{ID: "variant_a", Name: "Variant A", Role: models.GroupRoleTest, ThresholdValue: req.TestValue, Allocation: split},
		}
	}
	if err := validateGroups(groups); err != nil {
		return nil, err
	}

	// Heuristic mapping from the threshold delta to a detectable
	// effect, not a derived statistic.
	effectSize := clamp(2*math.Abs(req.TestValue-req.ControlValue)/req.ControlValue, 0.1, 1.0)

	sampleSize, err := c.analyzer.CalculateSampleSize(baselineRate, effectSize, power, alpha)
	if err != nil {
		return nil, err
	}

	experiment := &models.Experiment{
		ID: uuid.New().String(),
		Config: &models.ExperimentConfig{
			ServiceType:       req.ServiceType,
			ControlValue:      req.ControlValue,
			TestValue:         req.TestValue,
			DurationDays:      req.DurationDays,
			TrafficSplit:      req.TrafficSplit,
			MinimumSampleSize: sampleSize,
			SignificanceLevel: alpha,
			Power:             power,
			EffectSize:        effectSize,
		},
		Groups:    groups,
		Status:    models.ExperimentStatusDraft,
		CreatedAt: c.now().UTC(),
	}

	if err := c.repo.SaveExperiment(ctx, experiment); err != nil {
		return nil, err
	}

	c.publish(ctx, eventbus.NewExperimentCreatedEvent("coordinator", experiment, ""))

	c.logger.Info("Experiment created",
		zap.String("experiment_id", experiment.ID),
		zap.String("service_type", req.ServiceType),
		zap.Float64("effect_size", effectSize),
		zap.Int("minimum_sample_size", sampleSize))

	return experiment, nil
}

func validateGroups(groups []*models.ExperimentGroup) error {
	if len(groups) < 2 {
		return fmt.Errorf("%w: at least 2 groups required, got %d", models.ErrValidation, len(groups))
	}

	var total float64
	controls := 0
	seen := make(map[string]bool, len(groups))
	for _, group := range groups {
		if group.ID == "" {
			return fmt.Errorf("%w: group id is required", models.ErrValidation)
		}
		if seen[group.ID] {
			return fmt.Errorf("%w: duplicate group id %q", models.ErrValidation, group.ID)
		}
		seen[group.ID] = true
		if group.Role == models.GroupRoleControl {
			controls++
		}
		total += group.Allocation
	}
	if controls != 1 {
		return fmt.Errorf("%w: exactly one control group required, got %d", models.ErrValidation, controls)
	}
	if math.Abs(total-1.0) > 0.01 {
		return fmt.Errorf("%w: group allocations sum to %v, expected 1", models.ErrValidation, total)
	}
	return nil
}

// StartExperiment transitions DRAFT to RUNNING and schedules the
// recurring monitoring tick.
func (c *Coordinator) StartExperiment(ctx context.Context, id string) error {
	experiment, err := c.repo.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if experiment.Status != models.ExperimentStatusDraft {
		return fmt.Errorf("%w: cannot start experiment in status %s", models.ErrInvalidStateTransition, experiment.Status)
	}

	started := c.now().UTC()
	experiment.Status = models.ExperimentStatusRunning
	experiment.StartedAt = &started

	if err := c.repo.SaveExperiment(ctx, experiment); err != nil {
		return err
	}

	state := &activeExperiment{
		record:   experiment,
		counters: make(map[string]*groupCounters, len(experiment.Groups)),
	}
	for _, group := range experiment.Groups {
		state.counters[group.ID] = &groupCounters{}
	}

	c.mu.Lock()
	c.active[id] = state
	c.mu.Unlock()

	if c.sched != nil {
		state.token = c.sched.ScheduleRecurring(func(tickCtx context.Context) {
			c.runTick(tickCtx, id)
		}, c.config.TickInterval)
	}

	c.publish(ctx, eventbus.NewExperimentStartedEvent("coordinator", id, experiment.Config.ServiceType, ""))

	c.logger.Info("Experiment started",
		zap.String("experiment_id", id),
		zap.String("service_type", experiment.Config.ServiceType))

	return nil
}

// RecordEvent atomically increments the group's counter for the event.
func (c *Coordinator) RecordEvent(ctx context.Context, experimentID, groupID string, eventType models.EventType) error {
	c.mu.RLock()
	state, ok := c.active[experimentID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: experiment %s is not running", models.ErrInvalidStateTransition, experimentID)
	}

	counters, ok := state.counters[groupID]
	if !ok {
		return fmt.Errorf("%w: unknown group %q", models.ErrValidation, groupID)
	}

	switch eventType {
	case models.EventTypeView:
		counters.views.Add(1)
	case models.EventTypeClick:
		counters.clicks.Add(1)
	case models.EventTypeConversion:
		counters.conversions.Add(1)
	case models.EventTypeBounce:
		counters.bounces.Add(1)
	default:
		return fmt.Errorf("%w: unknown event type %q", models.ErrValidation, eventType)
	}
	return nil
}

// AssignGroup deterministically maps a subject to a group by hashing the
// experiment and subject identifiers over the cumulative allocations.
// The same subject always lands in the same group.
func (c *Coordinator) AssignGroup(ctx context.Context, experimentID, subjectID string) (string, error) {
	experiment, err := c.getRecord(ctx, experimentID)
	if err != nil {
		return "", err
	}
	if subjectID == "" {
		return "", fmt.Errorf("%w: subject id is required", models.ErrValidation)
	}

	h := fnv.New64a()
	h.Write([]byte(experimentID))
	h.Write([]byte{':'})
	h.Write([]byte(subjectID))
	point := float64(h.Sum64()) / float64(math.MaxUint64)

	var cumulative float64
	for _, group := range experiment.Groups {
		cumulative += group.Allocation
		if point < cumulative {
			return group.ID, nil
		}
	}
	// Allocation rounding may leave a sliver at the top.
	return experiment.Groups[len(experiment.Groups)-1].ID, nil
}

// GetStatus returns the experiment's current lifecycle status.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (models.ExperimentStatus, error) {
	experiment, err := c.getRecord(ctx, id)
	if err != nil {
		return "", err
	}
	return experiment.Status, nil
}

// StopExperiment finalizes a RUNNING experiment: it cancels the
// monitoring tick, computes final results, assigns a winner when one is
// significant, and persists the terminal state.
func (c *Coordinator) StopExperiment(ctx context.Context, id string, reason models.StopReason) error {
	c.mu.Lock()
	state, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.mu.Unlock()

	var experiment *models.Experiment
	if ok {
		if state.token != nil {
			state.token.Cancel()
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		experiment = state.record
		experiment.Metrics = c.collectMetrics(state)
	} else {
		// Not tracked in this process, typically after a restart. A
		// persisted RUNNING record can still be finalized so it never
		// stays non-terminal forever.
		var err error
		experiment, err = c.repo.GetExperiment(ctx, id)
		if err != nil {
			return err
		}
		if experiment.Status != models.ExperimentStatusRunning {
			return fmt.Errorf("%w: cannot stop experiment in status %s", models.ErrInvalidStateTransition, experiment.Status)
		}
	}

	c.collectPerformance(ctx, experiment, experiment.Metrics, c.now().UTC())
	experiment.StopReason = reason

	switch reason {
	case models.StopReasonCompleted, models.StopReasonTimeLimit:
		experiment.Status = models.ExperimentStatusCompleted
	default:
		experiment.Status = models.ExperimentStatusEarlyStopped
	}

	if results := c.buildResults(experiment, nil); results != nil {
		if winner := results.Winner(); winner != "" {
			experiment.WinnerGroup = winner
		}
		c.publish(ctx, eventbus.NewExperimentResultEvent("coordinator", id, results, ""))
	}

	completed := c.now().UTC()
	experiment.CompletedAt = &completed

	if err := c.repo.SaveExperiment(ctx, experiment); err != nil {
		return err
	}

	c.publish(ctx, eventbus.NewExperimentStoppedEvent("coordinator", &eventbus.ExperimentStoppedEvent{
		ExperimentID: id,
		ServiceType:  experiment.Config.ServiceType,
		Status:       experiment.Status,
		StopReason:   reason,
		WinnerGroup:  experiment.WinnerGroup,
		StoppedAt:    completed,
	}, ""))

	c.logger.Info("Experiment stopped",
		zap.String("experiment_id", id),
		zap.String("status", string(experiment.Status)),
		zap.String("reason", string(reason)),
		zap.String("winner", experiment.WinnerGroup))

	return nil
}

// ResumeRunning reloads persisted RUNNING experiments into the active
// set and reschedules their monitoring ticks, so a restart cannot leave
// a running record without a loop. Counters restart from the last
// persisted metrics snapshot.
func (c *Coordinator) ResumeRunning(ctx context.Context) error {
	running, err := c.repo.ListExperiments(ctx, models.ExperimentStatusRunning)
	if err != nil {
		return err
	}

	for _, experiment := range running {
		c.mu.Lock()
		if _, tracked := c.active[experiment.ID]; tracked {
			c.mu.Unlock()
			continue
		}
		state := &activeExperiment{
			record:   experiment,
			counters: make(map[string]*groupCounters, len(experiment.Groups)),
		}
		for _, group := range experiment.Groups {
			counters := &groupCounters{}
			if m := experiment.Metrics[group.ID]; m != nil {
				counters.views.Store(m.Views)
				counters.clicks.Store(m.Clicks)
				counters.conversions.Store(m.Conversions)
				counters.bounces.Store(m.Bounces)
			}
			state.counters[group.ID] = counters
		}
		c.active[experiment.ID] = state
		c.mu.Unlock()

		if c.sched != nil {
			id := experiment.ID
			state.token = c.sched.ScheduleRecurring(func(tickCtx context.Context) {
				c.runTick(tickCtx, id)
			}, c.config.TickInterval)
		}

		c.logger.Info("Resumed running experiment",
			zap.String("experiment_id", experiment.ID),
			zap.String("service_type", experiment.Config.ServiceType))
	}
	return nil
}

// Close cancels every active experiment's monitoring tick without
// changing experiment state. Running experiments resume as RUNNING
// records in the repository.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range c.active {
		if state.token != nil {
			state.token.Cancel()
		}
	}
	c.active = make(map[string]*activeExperiment)
}

func (c *Coordinator) getRecord(ctx context.Context, id string) (*models.Experiment, error) {
	c.mu.RLock()
	state, ok := c.active[id]
	c.mu.RUnlock()
	if ok {
		state.mu.RLock()
		defer state.mu.RUnlock()
		return state.record, nil
	}
	return c.repo.GetExperiment(ctx, id)
}

func (c *Coordinator) publish(ctx context.Context, event *eventbus.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.PublishEventAsync(ctx, event); err != nil {
		c.logger.Error("Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
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
