// Package change manages the lifecycle of production threshold changes:
// pre-change impact assessment, the post-change monitoring loop, and
// trigger-based automatic rollback.
package change

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/analysis"
	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/models"
	"github.com/threshold-rollout-controller/trc/internal/policy"
	"github.com/threshold-rollout-controller/trc/internal/scheduler"
	"github.com/threshold-rollout-controller/trc/internal/storage"
)

// ConfigurationStore is the production configuration surface a change
// writes to. Writes are synchronous and idempotent for an identical
// value; the store is last-writer-wins per service type.
type ConfigurationStore interface {
	WriteThreshold(ctx context.Context, serviceType string, value float64) error
	ReadThreshold(ctx context.Context, serviceType string) (float64, error)
}

// Config holds manager tunables.
type Config struct {
	TickInterval              time.Duration `json:"tick_interval" yaml:"tick_interval" mapstructure:"tick_interval"`
	DefaultMonitoringDuration time.Duration `json:"default_monitoring_duration" yaml:"default_monitoring_duration" mapstructure:"default_monitoring_duration"`
	MaxMonitoringDuration     time.Duration `json:"max_monitoring_duration" yaml:"max_monitoring_duration" mapstructure:"max_monitoring_duration"`
	MaxViolationRate          float64       `json:"max_violation_rate" yaml:"max_violation_rate" mapstructure:"max_violation_rate"`
	MaxResponseDegradation    float64       `json:"max_response_degradation" yaml:"max_response_degradation" mapstructure:"max_response_degradation"`
	BaselineResponseMs        float64       `json:"baseline_response_ms" yaml:"baseline_response_ms" mapstructure:"baseline_response_ms"`
	AnalysisWindowDays        int           `json:"analysis_window_days" yaml:"analysis_window_days" mapstructure:"analysis_window_days"`
	MaxTickFailures           int           `json:"max_tick_failures" yaml:"max_tick_failures" mapstructure:"max_tick_failures"`
	SupervisorInterval        time.Duration `json:"supervisor_interval" yaml:"supervisor_interval" mapstructure:"supervisor_interval"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:              15 * time.Minute,
		DefaultMonitoringDuration: 48 * time.Hour,
		MaxMonitoringDuration:     168 * time.Hour,
		MaxViolationRate:          0.25,
		MaxResponseDegradation:    0.30,
		BaselineResponseMs:        200,
		AnalysisWindowDays:        30,
		MaxTickFailures:           3,
		SupervisorInterval:        time.Hour,
	}
}

// Request describes a proposed threshold change.
type Request struct {
	ServiceType        string                   `json:"service_type"`
	NewValue           float64                  `json:"new_value"`
	RequestedBy        string                   `json:"requested_by,omitempty"`
	MonitoringDuration time.Duration            `json:"monitoring_duration,omitempty"`
	RollbackCriteria   *models.RollbackCriteria `json:"rollback_criteria,omitempty"`
}

// activeChange is the runtime state of a change under monitoring.
type activeChange struct {
	mu           sync.Mutex
	record       *models.ThresholdChangeRecord
	token        *scheduler.CancelToken
	deadline     time.Time
	lastSample   time.Time
	tickFailures int
}

// Manager drives the threshold change lifecycle. Dependencies are
// injected at construction; the event bus, policy engine and scheduler
// may be nil, which disables event emission, guardrail triggers and
// background ticking respectively.
type Manager struct {
	logger   *zap.Logger
	config   *Config
	analysis *analysis.Service
	source   analysis.MetricsSource
	store    ConfigurationStore
	repo     storage.ChangeRepository
	alerts   storage.AlertRepository
	bus      eventbus.EventBus
	policies policy.Engine
	sched    *scheduler.Scheduler

	mu     sync.RWMutex
	active map[string]*activeChange

	// flightMu serializes the active-change conflict check against the
	// record write, so two concurrent requests or applies for one
	// service type cannot both pass the check.
	flightMu sync.Mutex

	supervisorToken *scheduler.CancelToken

	// now is replaceable in tests
	now func() time.Time
}

// NewManager creates a threshold change manager.
func NewManager(
	config *Config,
	analysisService *analysis.Service,
	source analysis.MetricsSource,
	store ConfigurationStore,
	repo storage.ChangeRepository,
	alerts storage.AlertRepository,
	bus eventbus.EventBus,
	policies policy.Engine,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		config:   config,
		analysis: analysisService,
		source:   source,
		store:    store,
		repo:     repo,
		alerts:   alerts,
		bus:      bus,
		policies: policies,
		sched:    sched,
		active:   make(map[string]*activeChange),
		now:      time.Now,
	}
}

// RequestChange assesses the impact of the proposed threshold and
// persists a PENDING change record. Production configuration is not
// touched. A service type with an APPLIED or MONITORING change rejects
// further requests with a conflict.
func (m *Manager) RequestChange(ctx context.Context, req *Request) (*models.ThresholdChangeRecord, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", models.ErrValidation)
	}
	if req.ServiceType == "" {
		return nil, fmt.Errorf("%w: service type is required", models.ErrValidation)
	}
	if req.NewValue <= 0 {
		return nil, fmt.Errorf("%w: new value %v must be positive", models.ErrValidation, req.NewValue)
	}

	previous, err := m.store.ReadThreshold(ctx, req.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("failed to read current threshold for %s: %w", req.ServiceType, err)
	}

	impact, err := m.assessImpact(ctx, req.ServiceType, previous, req.NewValue)
	if err != nil {
		return nil, err
	}

	criteria := req.RollbackCriteria
	if criteria == nil {
		criteria = &models.RollbackCriteria{}
	}
	if criteria.MaxViolationRate == 0 {
		criteria.MaxViolationRate = m.config.MaxViolationRate
	}
	if criteria.MaxResponseDegradation == 0 {
		criteria.MaxResponseDegradation = m.config.MaxResponseDegradation
	}
	if criteria.BaselineResponseMs == 0 {
		criteria.BaselineResponseMs = m.config.BaselineResponseMs
	}

	window := req.MonitoringDuration
	if window <= 0 {
		window = m.config.DefaultMonitoringDuration
	}
	if window > m.config.MaxMonitoringDuration {
		window = m.config.MaxMonitoringDuration
	}

	record := &models.ThresholdChangeRecord{
		ChangeID:         uuid.New().String(),
		ServiceType:      req.ServiceType,
		PreviousValue:    previous,
		NewValue:         req.NewValue,
		Status:           models.ChangeStatusPending,
		Impact:           impact,
		RollbackCriteria: criteria,
		MonitoringWindow: window,
		RequestedBy:      req.RequestedBy,
		CreatedAt:        m.now().UTC(),
	}

	m.flightMu.Lock()
	if err := m.checkConflict(ctx, req.ServiceType); err != nil {
		m.flightMu.Unlock()
		return nil, err
	}
	if err := m.repo.SaveChange(ctx, record); err != nil {
		m.flightMu.Unlock()
		return nil, err
	}
	m.flightMu.Unlock()

	m.publishLifecycle(ctx, record)

	m.logger.Info("Threshold change requested",
		zap.String("change_id", record.ChangeID),
		zap.String("service_type", req.ServiceType),
		zap.Float64("previous_value", previous),
		zap.Float64("new_value", req.NewValue),
		zap.String("risk_level", string(impact.RiskLevel)),
		zap.Float64("confidence_score", impact.ConfidenceScore))

	return record, nil
}

// Apply writes the new threshold to the configuration store and starts
// the bounded monitoring loop. A write failure marks the change FAILED
// with no automatic retry; the operator re-requests deliberately.
func (m *Manager) Apply(ctx context.Context, changeID string) error {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	record, err := m.repo.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if record.Status != models.ChangeStatusPending {
		return fmt.Errorf("%w: cannot apply change in status %s", models.ErrInvalidStateTransition, record.Status)
	}

	// Another PENDING change for the same service may have been applied
	// since this one was requested; only one may hold the service.
	if err := m.checkConflict(ctx, record.ServiceType); err != nil {
		return err
	}

	if err := m.store.WriteThreshold(ctx, record.ServiceType, record.NewValue); err != nil {
		record.Status = models.ChangeStatusFailed
		record.Error = err.Error()
		completed := m.now().UTC()
		record.CompletedAt = &completed
		if saveErr := m.repo.SaveChange(ctx, record); saveErr != nil {
			m.logger.Error("Failed to persist failed change",
				zap.String("change_id", changeID), zap.Error(saveErr))
		}
		m.publishLifecycle(ctx, record)
		return fmt.Errorf("%w: apply threshold for %s: %v", models.ErrExternalWrite, record.ServiceType, err)
	}

	applied := m.now().UTC()
	record.Status = models.ChangeStatusApplied
	record.AppliedAt = &applied
	if err := m.repo.SaveChange(ctx, record); err != nil {
		return err
	}
	m.publishLifecycle(ctx, record)

	duration := record.MonitoringWindow
	if duration <= 0 {
		duration = m.config.DefaultMonitoringDuration
	}
	if duration > m.config.MaxMonitoringDuration {
		duration = m.config.MaxMonitoringDuration
	}

	state := &activeChange{
		record:     record,
		deadline:   applied.Add(duration),
		lastSample: applied,
	}

	m.mu.Lock()
	m.active[changeID] = state
	m.mu.Unlock()

	record.Status = models.ChangeStatusMonitoring
	if err := m.repo.SaveChange(ctx, record); err != nil {
		return err
	}

	if m.sched != nil {
		state.token = m.sched.ScheduleRecurring(func(tickCtx context.Context) {
			m.runTick(tickCtx, changeID)
		}, m.config.TickInterval)
	}

	m.logger.Info("Threshold change applied",
		zap.String("change_id", changeID),
		zap.String("service_type", record.ServiceType),
		zap.Float64("new_value", record.NewValue),
		zap.Time("monitoring_deadline", state.deadline))

	return nil
}

// Rollback restores the previous threshold value. It is valid only from
// APPLIED or MONITORING; any other status is rejected with no side
// effect. The configuration write is retried exactly once on failure
// before the change is marked FAILED.
func (m *Manager) Rollback(ctx context.Context, changeID string, trigger models.RollbackTrigger, triggerMetrics map[string]float64) error {
	m.mu.Lock()
	state, isActive := m.active[changeID]
	if isActive {
		delete(m.active, changeID)
	}
	m.mu.Unlock()

	var record *models.ThresholdChangeRecord
	if isActive {
		if state.token != nil {
			state.token.Cancel()
		}
		state.mu.Lock()
		record = state.record
		state.mu.Unlock()
	} else {
		var err error
		record, err = m.repo.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
	}

	if !record.Status.IsActive() {
		return fmt.Errorf("%w: cannot roll back change in status %s", models.ErrInvalidStateTransition, record.Status)
	}

	writeErr := m.store.WriteThreshold(ctx, record.ServiceType, record.PreviousValue)
	if writeErr != nil {
		m.logger.Warn("Rollback write failed, retrying once",
			zap.String("change_id", changeID), zap.Error(writeErr))
		writeErr = m.store.WriteThreshold(ctx, record.ServiceType, record.PreviousValue)
	}

	op := &models.RollbackOperation{
		RollbackID:       uuid.New().String(),
		OriginalChangeID: changeID,
		Trigger:          trigger,
		TriggerMetrics:   triggerMetrics,
		Success:          writeErr == nil,
		ExecutedAt:       m.now().UTC(),
	}
	if writeErr != nil {
		op.Error = writeErr.Error()
	}
	if err := m.repo.SaveRollback(ctx, op); err != nil {
		m.logger.Error("Failed to persist rollback operation",
			zap.String("change_id", changeID), zap.Error(err))
	}

	completed := m.now().UTC()
	record.CompletedAt = &completed

	if writeErr != nil {
		record.Status = models.ChangeStatusFailed
		record.Error = writeErr.Error()
		if err := m.repo.SaveChange(ctx, record); err != nil {
			m.logger.Error("Failed to persist failed change",
				zap.String("change_id", changeID), zap.Error(err))
		}
		m.publishLifecycle(ctx, record)
		return fmt.Errorf("%w: restore threshold for %s: %v", models.ErrExternalWrite, record.ServiceType, writeErr)
	}

	record.Status = models.ChangeStatusRolledBack
	if err := m.repo.SaveChange(ctx, record); err != nil {
		return err
	}

	if m.bus != nil {
		m.publish(ctx, eventbus.NewRollbackExecutedEvent("change-manager", op, ""))
	}
	m.publishLifecycle(ctx, record)

	m.logger.Warn("Threshold change rolled back",
		zap.String("change_id", changeID),
		zap.String("service_type", record.ServiceType),
		zap.String("trigger", string(trigger)),
		zap.Float64("restored_value", record.PreviousValue))

	return nil
}

// checkConflict rejects when the service type already has an APPLIED or
// MONITORING change. Callers serialize it with the record write through
// flightMu.
func (m *Manager) checkConflict(ctx context.Context, serviceType string) error {
	activeChanges, err := m.repo.ListActiveChanges(ctx, serviceType)
	if err != nil {
		return err
	}
	if len(activeChanges) > 0 {
		return fmt.Errorf("%w: service %s already has active change %s",
			models.ErrConflict, serviceType, activeChanges[0].ChangeID)
	}
	return nil
}

// GetChange returns one change record.
func (m *Manager) GetChange(ctx context.Context, changeID string) (*models.ThresholdChangeRecord, error) {
	m.mu.RLock()
	state, ok := m.active[changeID]
	m.mu.RUnlock()
	if ok {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.record, nil
	}
	return m.repo.GetChange(ctx, changeID)
}

// GetChangeHistory returns all change records for a service type, or all
// records when serviceType is empty.
func (m *Manager) GetChangeHistory(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error) {
	return m.repo.ListChanges(ctx, serviceType)
}

// GetRollbackHistory returns the rollback operations recorded for a
// change, or all operations when changeID is empty.
func (m *Manager) GetRollbackHistory(ctx context.Context, changeID string) ([]*models.RollbackOperation, error) {
	return m.repo.ListRollbacks(ctx, changeID)
}

// Start launches the orphan supervisor. Safe to call once.
func (m *Manager) Start() {
	if m.sched == nil || m.supervisorToken != nil {
		return
	}
	m.supervisorToken = m.sched.ScheduleRecurring(func(ctx context.Context) {
		m.sweepOrphans(ctx)
	}, m.config.SupervisorInterval)
}

// Close cancels the supervisor and every active change's monitoring
// loop without changing record state.
func (m *Manager) Close() {
	if m.supervisorToken != nil {
		m.supervisorToken.Cancel()
		m.supervisorToken = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.active {
		if state.token != nil {
			state.token.Cancel()
		}
	}
	m.active = make(map[string]*activeChange)
}

// sweepOrphans force-finalizes active changes whose monitoring silently
// exceeded the hard ceiling, so a lost loop cannot leave a record
// non-terminal forever.
func (m *Manager) sweepOrphans(ctx context.Context) {
	changes, err := m.repo.ListActiveChanges(ctx, "")
	if err != nil {
		m.logger.Error("Orphan sweep failed to list active changes", zap.Error(err))
		return
	}

	now := m.now().UTC()
	for _, record := range changes {
		if record.AppliedAt == nil {
			continue
		}
		if now.Sub(*record.AppliedAt) < m.config.MaxMonitoringDuration {
			continue
		}

		m.mu.Lock()
		state, tracked := m.active[record.ChangeID]
		if tracked {
			delete(m.active, record.ChangeID)
		}
		m.mu.Unlock()
		if tracked && state.token != nil {
			state.token.Cancel()
		}

		m.logger.Warn("Force-finalizing orphaned change past max monitoring horizon",
			zap.String("change_id", record.ChangeID),
			zap.String("service_type", record.ServiceType),
			zap.Time("applied_at", *record.AppliedAt))

		record.Status = models.ChangeStatusSuccess
		completed := now
		record.CompletedAt = &completed
		if err := m.repo.SaveChange(ctx, record); err != nil {
			m.logger.Error("Failed to persist swept change",
				zap.String("change_id", record.ChangeID), zap.Error(err))
			continue
		}
		m.publishLifecycle(ctx, record)
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, record *models.ThresholdChangeRecord) {
	if m.bus == nil {
		return
	}
	m.publish(ctx, eventbus.NewChangeLifecycleEvent("change-manager", &eventbus.ChangeLifecycleEvent{
		ChangeID:      record.ChangeID,
		ServiceType:   record.ServiceType,
		PreviousValue: record.PreviousValue,
		NewValue:      record.NewValue,
		Status:        record.Status,
		Error:         record.Error,
	}, ""))
}

// recordAlert persists and publishes an alert for a breached rollback
// trigger. Alert emission is observational and never blocks the
// rollback itself.
func (m *Manager) recordAlert(ctx context.Context, record *models.ThresholdChangeRecord, trigger models.RollbackTrigger, message string, data map[string]interface{}) {
	alert := &models.Alert{
		ID:        uuid.New().String(),
		RuleName:  "rollback_trigger_" + string(trigger),
		EntityID:  record.ChangeID,
		Severity:  models.AlertSeverityCritical,
		Message:   message,
		Timestamp: m.now().UTC(),
		Data:      data,
	}
	if m.alerts != nil {
		if err := m.alerts.SaveAlert(ctx, alert); err != nil {
			m.logger.Error("Failed to persist rollback trigger alert",
				zap.String("change_id", record.ChangeID), zap.Error(err))
		}
	}
	if m.bus != nil {
		m.publish(ctx, eventbus.NewAlertTriggeredEvent("change-manager", alert, ""))
	}
}

func (m *Manager) publish(ctx context.Context, event *eventbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.PublishEventAsync(ctx, event); err != nil {
		m.logger.Error("Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
