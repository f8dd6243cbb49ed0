package models

import (
	"fmt"
	"time"
)

// Sample is a single timestamped measurement from the metrics feed.
// Samples are immutable once produced.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	IsViolation bool      `json:"is_violation"`
	GroupID     string    `json:"group_id,omitempty"`
}

// ExperimentConfig holds the immutable configuration of an experiment,
// fixed at creation time.
type ExperimentConfig struct {
	ServiceType       string  `json:"service_type"`
	ControlValue      float64 `json:"control_value"`
	TestValue         float64 `json:"test_value"`
	DurationDays      int     `json:"duration_days"`
	TrafficSplit      float64 `json:"traffic_split"`
	MinimumSampleSize int     `json:"minimum_sample_size"`
	SignificanceLevel float64 `json:"significance_level"`
	Power             float64 `json:"power"`
	EffectSize        float64 `json:"effect_size"`
}

// GroupRole distinguishes the control arm from test arms.
type GroupRole string

const (
	GroupRoleControl GroupRole = "control"
	GroupRoleTest    GroupRole = "test"
)

// ExperimentGroup is one arm of an experiment.
type ExperimentGroup struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           GroupRole `json:"role"`
	ThresholdValue float64   `json:"threshold_value"`
	Allocation     float64   `json:"allocation"`
}

// ExperimentStatus represents the lifecycle state of an experiment.
// Terminal states are final; no further mutation is allowed.
type ExperimentStatus string

const (
	ExperimentStatusDraft        ExperimentStatus = "draft"
	ExperimentStatusRunning      ExperimentStatus = "running"
	ExperimentStatusCompleted    ExperimentStatus = "completed"
	ExperimentStatusEarlyStopped ExperimentStatus = "early_stopped"
	ExperimentStatusFailed       ExperimentStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExperimentStatus) IsTerminal() bool {
	switch s {
	case ExperimentStatusCompleted, ExperimentStatusEarlyStopped, ExperimentStatusFailed:
		return true
	}
	return false
}

// ParseExperimentStatus parses a status string at the system boundary.
func ParseExperimentStatus(s string) (ExperimentStatus, error) {
	switch ExperimentStatus(s) {
	case ExperimentStatusDraft, ExperimentStatusRunning, ExperimentStatusCompleted,
		ExperimentStatusEarlyStopped, ExperimentStatusFailed:
		return ExperimentStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown experiment status %q", ErrValidation, s)
}

// EventType is the kind of event recorded against an experiment group.
type EventType string

const (
	EventTypeView       EventType = "view"
	EventTypeClick      EventType = "click"
	EventTypeConversion EventType = "conversion"
	EventTypeBounce     EventType = "bounce"
)

// ParseEventType parses an event type string at the system boundary.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventTypeView, EventTypeClick, EventTypeConversion, EventTypeBounce:
		return EventType(s), nil
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
}

// GroupMetrics is a point-in-time aggregate snapshot for one group.
type GroupMetrics struct {
	GroupID         string  `json:"group_id"`
	SampleSize      int64   `json:"sample_size"`
	Views           int64   `json:"views"`
	Clicks          int64   `json:"clicks"`
	Conversions     int64   `json:"conversions"`
	Bounces         int64   `json:"bounces"`
	ConversionRate  float64 `json:"conversion_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	ViolationRate   float64 `json:"violation_rate"`
	MeanPerformance float64 `json:"mean_performance"`
	P95Performance  float64 `json:"p95_performance"`
	P99Performance  float64 `json:"p99_performance"`
}

// Experiment is the persisted experiment record.
type Experiment struct {
	ID          string                   `json:"id"`
	Config      *ExperimentConfig        `json:"config"`
	Groups      []*ExperimentGroup       `json:"groups"`
	Status      ExperimentStatus         `json:"status"`
	StopReason  StopReason               `json:"stop_reason,omitempty"`
	WinnerGroup string                   `json:"winner_group,omitempty"`
	Metrics     map[string]*GroupMetrics `json:"metrics,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// StopReason records why an experiment left the running state.
type StopReason string

const (
	StopReasonCompleted         StopReason = "completed"
	StopReasonEarlySignificance StopReason = "early_significance"
	StopReasonInsufficientData  StopReason = "insufficient_data"
	StopReasonTimeLimit         StopReason = "time_limit"
	StopReasonDegradation       StopReason = "performance_degradation"
	StopReasonManual            StopReason = "manual"
)

// AlertSeverity ranks alerts for downstream routing.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// ParseAlertSeverity parses a severity string at the system boundary.
func ParseAlertSeverity(s string) (AlertSeverity, error) {
	switch AlertSeverity(s) {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityCritical:
		return AlertSeverity(s), nil
	}
	return "", fmt.Errorf("%w: unknown alert severity %q", ErrValidation, s)
}

// Alert is an append-only record of a triggered alert rule.
type Alert struct {
	ID        string                 `json:"id"`
	RuleName  string                 `json:"rule_name"`
	EntityID  string                 `json:"entity_id"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ChangeStatus represents the lifecycle state of a threshold change.
type ChangeStatus string

const (
	ChangeStatusPending    ChangeStatus = "pending"
	ChangeStatusApplied    ChangeStatus = "applied"
	ChangeStatusMonitoring ChangeStatus = "monitoring"
	ChangeStatusSuccess    ChangeStatus = "success"
	ChangeStatusRolledBack ChangeStatus = "rolled_back"
	ChangeStatusFailed     ChangeStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ChangeStatus) IsTerminal() bool {
	switch s {
	case ChangeStatusSuccess, ChangeStatusRolledBack, ChangeStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the change currently owns its service type's
// configuration slot.
func (s ChangeStatus) IsActive() bool {
	return s == ChangeStatusApplied || s == ChangeStatusMonitoring
}

// ParseChangeStatus parses a change status string at the system boundary.
func ParseChangeStatus(s string) (ChangeStatus, error) {
	switch ChangeStatus(s) {
	case ChangeStatusPending, ChangeStatusApplied, ChangeStatusMonitoring,
		ChangeStatusSuccess, ChangeStatusRolledBack, ChangeStatusFailed:
		return ChangeStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown change status %q", ErrValidation, s)
}

// RiskLevel classifies the risk of applying a threshold change.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// ImpactAssessment is computed once when a change is requested and is
// read-only thereafter.
type ImpactAssessment struct {
	ExpectedViolationRateChange float64   `json:"expected_violation_rate_change"`
	PerformanceImpactEstimate   float64   `json:"performance_impact_estimate"`
	RiskLevel                   RiskLevel `json:"risk_level"`
	ConfidenceScore             float64   `json:"confidence_score"`
	BusinessImpactScore         float64   `json:"business_impact_score"`
	DataQualityScore            float64   `json:"data_quality_score"`
	AssessedAt                  time.Time `json:"assessed_at"`
}

// RollbackCriteria configures the automatic rollback triggers for a change.
type RollbackCriteria struct {
	MaxViolationRate       float64  `json:"max_violation_rate"`
	MaxResponseDegradation float64  `json:"max_response_degradation"`
	BaselineResponseMs     float64  `json:"baseline_response_ms"`
	GuardrailPolicies      []string `json:"guardrail_policies,omitempty"`
}

// ThresholdChangeRecord is the persisted record of one threshold change.
type ThresholdChangeRecord struct {
	ChangeID          string            `json:"change_id"`
	ServiceType       string            `json:"service_type"`
	PreviousValue     float64           `json:"previous_value"`
	NewValue          float64           `json:"new_value"`
	Status            ChangeStatus      `json:"status"`
	Impact            *ImpactAssessment `json:"impact,omitempty"`
	RollbackCriteria  *RollbackCriteria `json:"rollback_criteria,omitempty"`
	MonitoringWindow  time.Duration     `json:"monitoring_window,omitempty"`
	MonitoringSamples []*Sample         `json:"monitoring_samples,omitempty"`
	Error             string            `json:"error,omitempty"`
	RequestedBy       string            `json:"requested_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	AppliedAt         *time.Time        `json:"applied_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// RollbackTrigger identifies what caused a rollback.
type RollbackTrigger string

const (
	RollbackTriggerViolationRate RollbackTrigger = "violation_rate"
	RollbackTriggerDegradation   RollbackTrigger = "performance_degradation"
	RollbackTriggerAutomatic     RollbackTrigger = "automatic"
	RollbackTriggerManual        RollbackTrigger = "manual"
)

// RollbackOperation records a single rollback, created only as a side
// effect of rolling a change back.
type RollbackOperation struct {
	RollbackID       string             `json:"rollback_id"`
	OriginalChangeID string             `json:"original_change_id"`
	Trigger          RollbackTrigger    `json:"trigger"`
	TriggerMetrics   map[string]float64 `json:"trigger_metrics,omitempty"`
	Success          bool               `json:"success"`
	Error            string             `json:"error,omitempty"`
	ExecutedAt       time.Time          `json:"executed_at"`
}

// TrendDirection classifies the slope of a performance trend.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// DistributionType classifies the shape of a sample distribution.
type DistributionType string

const (
	DistributionNormal      DistributionType = "normal"
	DistributionRightSkewed DistributionType = "right_skewed"
	DistributionLeftSkewed  DistributionType = "left_skewed"
	DistributionHeavyTailed DistributionType = "heavy_tailed"
)
