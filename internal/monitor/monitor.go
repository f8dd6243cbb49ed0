// Package monitor evaluates alert rules against live experiment and
// change metric snapshots. Alerts are observational only; forced state
// transitions belong to the experiment coordinator and change manager.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/models"
	"github.com/threshold-rollout-controller/trc/internal/policy"
	"github.com/threshold-rollout-controller/trc/internal/storage"
)

// GroupSnapshot is the per-group slice of a metrics snapshot.
type GroupSnapshot struct {
	ConversionRate float64 `json:"conversion_rate"`
	BounceRate     float64 `json:"bounce_rate"`
	SampleSize     int64   `json:"sample_size"`
	// ExpectedShare is the group's configured traffic allocation.
	// Zero means equal split across groups.
	ExpectedShare float64 `json:"expected_share"`
}

// MetricsSnapshot is the point-in-time view a tick hands to the monitor.
type MetricsSnapshot struct {
	EntityID           string                    `json:"entity_id"`
	SampleProgress     float64                   `json:"sample_progress"`
	HoursRunning       float64                   `json:"hours_running"`
	DaysRunning        float64                   `json:"days_running"`
	MaxDurationDays    int                       `json:"max_duration_days"`
	Groups             map[string]*GroupSnapshot `json:"groups"`
	CurrentPValue      float64                   `json:"current_p_value"`
	WinningProbability float64                   `json:"winning_probability"`
	SignificanceLevel  float64                   `json:"significance_level"`
	BayesianThreshold  float64                   `json:"bayesian_threshold"`
}

// AlertRule is a named predicate with a severity and cooldown.
type AlertRule struct {
	Name      string
	Severity  models.AlertSeverity
	Cooldown  time.Duration
	Predicate func(snapshot *MetricsSnapshot) (bool, string)
}

// Config holds monitor tunables.
type Config struct {
	DefaultCooldown time.Duration `json:"default_cooldown" yaml:"default_cooldown" mapstructure:"default_cooldown"`
	AlertsPerMinute float64       `json:"alerts_per_minute" yaml:"alerts_per_minute" mapstructure:"alerts_per_minute"`
	AlertBurst      int           `json:"alert_burst" yaml:"alert_burst" mapstructure:"alert_burst"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultCooldown: 30 * time.Minute,
		AlertsPerMinute: 20,
		AlertBurst:      10,
	}
}

// RealTimeMonitor evaluates alert rules with per rule+entity cooldown
// suppression and rate-limited emission.
type RealTimeMonitor struct {
	logger  *zap.Logger
	config  *Config
	limiter *rate.Limiter
	alerts  storage.AlertRepository
	bus     eventbus.EventBus

	mu        sync.Mutex
	rules     []*AlertRule
	cooldowns map[string]time.Time

	// now is replaceable in tests
	now func() time.Time
}

// NewRealTimeMonitor creates a monitor with the required rule set
// registered. The alert repository and event bus may be nil; evaluation
// then only returns the triggered alerts.
func NewRealTimeMonitor(config *Config, alerts storage.AlertRepository, bus eventbus.EventBus, logger *zap.Logger) *RealTimeMonitor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &RealTimeMonitor{
		logger:    logger,
		config:    config,
		limiter:   rate.NewLimiter(rate.Limit(config.AlertsPerMinute/60.0), config.AlertBurst),
		alerts:    alerts,
		bus:       bus,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}

	for _, rule := range defaultRules() {
		m.RegisterRule(rule)
	}
	return m
}

// RegisterRule adds an alert rule. A rule without a cooldown inherits
// the configured default.
func (m *RealTimeMonitor) RegisterRule(rule *AlertRule) {
	if rule.Cooldown <= 0 {
		rule.Cooldown = m.config.DefaultCooldown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// RegisterGuardrailRule adds a rule backed by a Rego guardrail policy.
// The snapshot is flattened into the policy input's metrics document.
func (m *RealTimeMonitor) RegisterGuardrailRule(name string, engine policy.Engine, policyName string, severity models.AlertSeverity) {
	m.RegisterRule(&AlertRule{
		Name:     name,
		Severity: severity,
		Predicate: func(snapshot *MetricsSnapshot) (bool, string) {
			decision, err := engine.EvaluateGuardrails(context.Background(), []string{policyName}, snapshotMetrics(snapshot))
			if err != nil {
				m.logger.Warn("Guardrail rule evaluation failed",
					zap.String("rule", name),
					zap.String("policy", policyName),
					zap.Error(err))
				return false, ""
			}
			if decision.Breached {
				return true, fmt.Sprintf("guardrail policy %s breached", policyName)
			}
			return false, ""
		},
	})
}

// Evaluate runs every rule against the snapshot. Rules in cooldown for
// this entity are suppressed. Triggered alerts are persisted and
// published, and returned to the caller.
func (m *RealTimeMonitor) Evaluate(ctx context.Context, snapshot *MetricsSnapshot) []*models.Alert {
	if snapshot == nil {
		return nil
	}

	m.mu.Lock()
	rules := make([]*AlertRule, len(m.rules))
	copy(rules, m.rules)
	m.mu.Unlock()

	var triggered []*models.Alert
	for _, rule := range rules {
		fired, message := rule.Predicate(snapshot)
		if !fired {
			continue
		}
		if !m.beginCooldown(rule, snapshot.EntityID) {
			continue
		}

		alert := &models.Alert{
			ID:        uuid.New().String(),
			RuleName:  rule.Name,
			EntityID:  snapshot.EntityID,
			Severity:  rule.Severity,
			Message:   message,
			Timestamp: m.now().UTC(),
		}
		triggered = append(triggered, alert)
		m.emit(ctx, alert)
	}
	return triggered
}

// beginCooldown reports whether the rule+entity pair is out of cooldown
// and, if so, starts a new cooldown window.
func (m *RealTimeMonitor) beginCooldown(rule *AlertRule, entityID string) bool {
	key := rule.Name + "/" + entityID

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.cooldowns[key]; ok && now.Before(until) {
		return false
	}

	// Drop expired windows so the ledger does not grow unbounded with
	// one entry for every rule+entity pair ever alerted.
	for staleKey, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, staleKey)
		}
	}

	m.cooldowns[key] = now.Add(rule.Cooldown)
	return true
}

func (m *RealTimeMonitor) emit(ctx context.Context, alert *models.Alert) {
	if !m.limiter.Allow() {
		m.logger.Warn("Alert emission rate limited",
			zap.String("rule", alert.RuleName),
			zap.String("entity_id", alert.EntityID))
		return
	}

	m.logger.Info("Alert triggered",
		zap.String("rule", alert.RuleName),
		zap.String("entity_id", alert.EntityID),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.alerts != nil {
		if err := m.alerts.SaveAlert(ctx, alert); err != nil {
			m.logger.Error("Failed to persist alert",
				zap.String("rule", alert.RuleName),
				zap.Error(err))
		}
	}

	if m.bus != nil {
		event := eventbus.NewAlertTriggeredEvent("monitor", alert, "")
		if err := m.bus.PublishEventAsync(ctx, event); err != nil {
			m.logger.Error("Failed to publish alert event",
				zap.String("rule", alert.RuleName),
				zap.Error(err))
		}
	}
}

// snapshotMetrics flattens a snapshot for policy evaluation.
func snapshotMetrics(snapshot *MetricsSnapshot) map[string]interface{} {
	metrics := map[string]interface{}{
		"sample_progress":     snapshot.SampleProgress,
		"hours_running":       snapshot.HoursRunning,
		"days_running":        snapshot.DaysRunning,
		"current_p_value":     snapshot.CurrentPValue,
		"winning_probability": snapshot.WinningProbability,
	}

	var totalSamples int64
	groups := make(map[string]interface{}, len(snapshot.Groups))
	for id, group := range snapshot.Groups {
		totalSamples += group.SampleSize
		groups[id] = map[string]interface{}{
			"conversion_rate": group.ConversionRate,
			"bounce_rate":     group.BounceRate,
			"sample_size":     group.SampleSize,
		}
	}
	metrics["groups"] = groups
	metrics["sample_size"] = totalSamples
	return metrics
}
