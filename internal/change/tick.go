package change

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// responseWindow is the number of trailing samples averaged for the
// degradation trigger.
const responseWindow = 3

// runTick executes one monitoring tick for a change and applies the
// three-strike failure policy.
func (m *Manager) runTick(ctx context.Context, changeID string) {
	m.mu.RLock()
	state, ok := m.active[changeID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	err := m.tick(ctx, changeID, state)
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

	m.logger.Error("Change monitoring tick failed",
		zap.String("change_id", changeID),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures >= m.config.MaxTickFailures {
		m.fail(ctx, changeID, err)
	}
}

// tick collects fresh samples, evaluates every rollback trigger, and
// finalizes the change as SUCCESS once the monitoring horizon elapses.
func (m *Manager) tick(ctx context.Context, changeID string, state *activeChange) error {
	state.mu.Lock()
	record := state.record
	deadline := state.deadline
	since := state.lastSample
	state.mu.Unlock()

	now := m.now().UTC()

	if !now.Before(deadline) {
		return m.succeed(ctx, changeID)
	}
	if record.AppliedAt != nil && now.Sub(*record.AppliedAt) >= m.config.MaxMonitoringDuration {
		return m.succeed(ctx, changeID)
	}

	if m.source == nil {
		return nil
	}

	fresh, err := m.source.FetchSamples(ctx, record.ServiceType, since, now)
	if err != nil {
		return fmt.Errorf("failed to fetch monitoring samples: %w", err)
	}

	state.mu.Lock()
	state.lastSample = now
	record.MonitoringSamples = append(record.MonitoringSamples, fresh...)
	samples := record.MonitoringSamples
	criteria := record.RollbackCriteria
	state.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	if criteria == nil {
		criteria = &models.RollbackCriteria{
			MaxViolationRate:       m.config.MaxViolationRate,
			MaxResponseDegradation: m.config.MaxResponseDegradation,
			BaselineResponseMs:     m.config.BaselineResponseMs,
		}
	}

	if err := m.repo.SaveChange(ctx, record); err != nil {
		m.logger.Warn("Failed to persist monitoring samples",
			zap.String("change_id", changeID), zap.Error(err))
	}

	violations := 0
	for _, sample := range samples {
		if sample.IsViolation {
			violations++
		}
	}
	violationRate := float64(violations) / float64(len(samples))

	if violationRate > criteria.MaxViolationRate {
		m.logger.Warn("Violation rate trigger breached",
			zap.String("change_id", changeID),
			zap.Float64("violation_rate", violationRate),
			zap.Float64("max_violation_rate", criteria.MaxViolationRate))
		m.recordAlert(ctx, record, models.RollbackTriggerViolationRate,
			fmt.Sprintf("violation rate %.3f exceeds ceiling %.3f", violationRate, criteria.MaxViolationRate),
			map[string]interface{}{"violation_rate": violationRate})
		return m.Rollback(ctx, changeID, models.RollbackTriggerViolationRate, map[string]float64{
			"violation_rate":     violationRate,
			"max_violation_rate": criteria.MaxViolationRate,
		})
	}

	if len(samples) >= responseWindow && criteria.BaselineResponseMs > 0 {
		var sum float64
		for _, sample := range samples[len(samples)-responseWindow:] {
			sum += sample.Value
		}
		recent := sum / responseWindow
		degradation := (recent - criteria.BaselineResponseMs) / criteria.BaselineResponseMs
		if degradation > criteria.MaxResponseDegradation {
			m.logger.Warn("Response degradation trigger breached",
				zap.String("change_id", changeID),
				zap.Float64("recent_response_ms", recent),
				zap.Float64("baseline_response_ms", criteria.BaselineResponseMs),
				zap.Float64("degradation", degradation))
			m.recordAlert(ctx, record, models.RollbackTriggerDegradation,
				fmt.Sprintf("recent response %.0fms is %.0f%% over the %.0fms baseline",
					recent, degradation*100, criteria.BaselineResponseMs),
				map[string]interface{}{"recent_response_ms": recent, "degradation": degradation})
			return m.Rollback(ctx, changeID, models.RollbackTriggerDegradation, map[string]float64{
				"recent_response_ms":   recent,
				"baseline_response_ms": criteria.BaselineResponseMs,
				"degradation":          degradation,
			})
		}
	}

	if m.policies != nil && len(criteria.GuardrailPolicies) > 0 {
		decision, err := m.policies.EvaluateGuardrails(ctx, criteria.GuardrailPolicies, map[string]interface{}{
			"service_type":   record.ServiceType,
			"violation_rate": violationRate,
			"sample_count":   len(samples),
			"previous_value": record.PreviousValue,
			"new_value":      record.NewValue,
		})
		if err != nil {
			return fmt.Errorf("guardrail evaluation failed: %w", err)
		}
		if decision.Breached {
			m.logger.Warn("Guardrail policy trigger breached",
				zap.String("change_id", changeID),
				zap.Strings("breached_rules", decision.BreachedRules))
			m.recordAlert(ctx, record, models.RollbackTriggerAutomatic,
				fmt.Sprintf("guardrail breach: %v", decision.BreachedRules),
				map[string]interface{}{"breached_rules": decision.BreachedRules})
			return m.Rollback(ctx, changeID, models.RollbackTriggerAutomatic, map[string]float64{
				"violation_rate": violationRate,
				"breached_rules": float64(len(decision.BreachedRules)),
			})
		}
	}

	return nil
}

// succeed finalizes a change whose monitoring horizon elapsed without a
// rollback trigger firing.
func (m *Manager) succeed(ctx context.Context, changeID string) error {
	m.mu.Lock()
	state, ok := m.active[changeID]
	if ok {
		delete(m.active, changeID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if state.token != nil {
		state.token.Cancel()
	}

	state.mu.Lock()
	record := state.record
	record.Status = models.ChangeStatusSuccess
	completed := m.now().UTC()
	record.CompletedAt = &completed
	state.mu.Unlock()

	if err := m.repo.SaveChange(ctx, record); err != nil {
		return err
	}
	m.publishLifecycle(ctx, record)

	m.logger.Info("Threshold change succeeded",
		zap.String("change_id", changeID),
		zap.String("service_type", record.ServiceType),
		zap.Float64("value", record.NewValue))

	return nil
}

// fail forces a monitored change into FAILED after repeated tick errors,
// with the last error attached.
func (m *Manager) fail(ctx context.Context, changeID string, cause error) {
	m.mu.Lock()
	state, ok := m.active[changeID]
	if ok {
		delete(m.active, changeID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if state.token != nil {
		state.token.Cancel()
	}

	state.mu.Lock()
	record := state.record
	record.Status = models.ChangeStatusFailed
	record.Error = cause.Error()
	completed := m.now().UTC()
	record.CompletedAt = &completed
	state.mu.Unlock()

	if err := m.repo.SaveChange(ctx, record); err != nil {
		m.logger.Error("Failed to persist failed change",
			zap.String("change_id", changeID), zap.Error(err))
	}
	m.publishLifecycle(ctx, record)

	m.logger.Error("Change monitoring failed after repeated tick errors",
		zap.String("change_id", changeID),
		zap.Error(cause))
}
