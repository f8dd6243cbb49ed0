package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

func TestNewExperimentStoppedEvent(t *testing.T) {
	data := &ExperimentStoppedEvent{
		ExperimentID: "exp-1",
		ServiceType:  "payment",
		Status:       models.ExperimentStatusCompleted,
		StopReason:   models.StopReasonEarlySignificance,
		WinnerGroup:  "variant_a",
		StoppedAt:    time.Now().UTC(),
	}

	event := NewExperimentStoppedEvent("coordinator", data, "trace-123")

	assert.Equal(t, EventTypeExperimentStopped, event.Type)
	assert.Equal(t, "coordinator", event.Source)
	assert.Equal(t, "experiment.exp-1", event.Subject)
	assert.Equal(t, "trace-123", event.TraceID)
	assert.NotEmpty(t, event.ID)

	var payload ExperimentStoppedEvent
	require.NoError(t, ParseEventData(event, &payload))
	assert.Equal(t, "exp-1", payload.ExperimentID)
	assert.Equal(t, models.StopReasonEarlySignificance, payload.StopReason)
	assert.Equal(t, "variant_a", payload.WinnerGroup)
}

func TestNewExperimentStoppedEvent_FailedStatus(t *testing.T) {
	data := &ExperimentStoppedEvent{
		ExperimentID: "exp-2",
		Status:       models.ExperimentStatusFailed,
		StopReason:   models.StopReasonManual,
	}

	event := NewExperimentStoppedEvent("coordinator", data, "")
	assert.Equal(t, EventTypeExperimentFailed, event.Type)
	assert.Empty(t, event.TraceID)
}

func TestNewChangeLifecycleEvent_TypeByStatus(t *testing.T) {
	tests := []struct {
		status models.ChangeStatus
		want   EventType
	}{
		{models.ChangeStatusPending, EventTypeChangeRequested},
		{models.ChangeStatusApplied, EventTypeChangeApplied},
		{models.ChangeStatusMonitoring, EventTypeChangeApplied},
		{models.ChangeStatusSuccess, EventTypeChangeSucceeded},
		{models.ChangeStatusRolledBack, EventTypeChangeRolledBack},
		{models.ChangeStatusFailed, EventTypeChangeFailed},
	}

	for _, tt := range tests {
		event := NewChangeLifecycleEvent("change-manager", &ChangeLifecycleEvent{
			ChangeID:    "chg-1",
			ServiceType: "payment",
			Status:      tt.status,
		}, "")
		assert.Equal(t, tt.want, event.Type, "status %s", tt.status)
		assert.Equal(t, "change.chg-1", event.Subject)
	}
}

func TestNewChangeLifecycleEvent_PayloadRoundTrip(t *testing.T) {
	event := NewChangeLifecycleEvent("change-manager", &ChangeLifecycleEvent{
		ChangeID:      "chg-5",
		ServiceType:   "fraud",
		PreviousValue: 1800,
		NewValue:      2100,
		Status:        models.ChangeStatusRolledBack,
		Error:         "violation rate exceeded",
	}, "trace-9")

	var payload ChangeLifecycleEvent
	require.NoError(t, ParseEventData(event, &payload))
	assert.Equal(t, "chg-5", payload.ChangeID)
	assert.Equal(t, 1800.0, payload.PreviousValue)
	assert.Equal(t, 2100.0, payload.NewValue)
	assert.Equal(t, models.ChangeStatusRolledBack, payload.Status)
	assert.Equal(t, "violation rate exceeded", payload.Error)
}

func TestNewAlertTriggeredEvent(t *testing.T) {
	alert := &models.Alert{
		ID:       "alert-1",
		RuleName: "low_traffic",
		Severity: models.AlertSeverityWarning,
		EntityID: "exp-1",
		Message:  "sample accumulation below 5% after 24h",
	}

	event := NewAlertTriggeredEvent("monitor", alert, "")
	assert.Equal(t, EventTypeAlertTriggered, event.Type)
	assert.Equal(t, "exp-1", event.Subject)

	var payload models.Alert
	require.NoError(t, ParseEventData(event, &payload))
	assert.Equal(t, "low_traffic", payload.RuleName)
	assert.Equal(t, models.AlertSeverityWarning, payload.Severity)
}

func TestNewRollbackExecutedEvent(t *testing.T) {
	op := &models.RollbackOperation{
		RollbackID:       "rb-1",
		OriginalChangeID: "chg-1",
		Trigger:          models.RollbackTriggerViolationRate,
		TriggerMetrics:   map[string]float64{"violation_rate": 0.31},
		Success:          true,
		ExecutedAt:       time.Now().UTC(),
	}

	event := NewRollbackExecutedEvent("change-manager", op, "")
	assert.Equal(t, EventTypeRollbackExecuted, event.Type)
	assert.Equal(t, "change.chg-1", event.Subject)

	var payload models.RollbackOperation
	require.NoError(t, ParseEventData(event, &payload))
	assert.Equal(t, models.RollbackTriggerViolationRate, payload.Trigger)
	assert.True(t, payload.Success)
	assert.Equal(t, 0.31, payload.TriggerMetrics["violation_rate"])
}
