package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// ExperimentStoppedEvent is the payload published when an experiment
// reaches a terminal state.
type ExperimentStoppedEvent struct {
	ExperimentID string                  `json:"experiment_id"`
	ServiceType  string                  `json:"service_type"`
	Status       models.ExperimentStatus `json:"status"`
	StopReason   models.StopReason       `json:"stop_reason"`
	WinnerGroup  string                  `json:"winner_group,omitempty"`
	StoppedAt    time.Time               `json:"stopped_at"`
}

// ChangeLifecycleEvent is the payload for threshold change transitions.
type ChangeLifecycleEvent struct {
	ChangeID      string              `json:"change_id"`
	ServiceType   string              `json:"service_type"`
	PreviousValue float64             `json:"previous_value"`
	NewValue      float64             `json:"new_value"`
	Status        models.ChangeStatus `json:"status"`
	Error         string              `json:"error,omitempty"`
}

// NewExperimentCreatedEvent creates an experiment creation event.
func NewExperimentCreatedEvent(source string, experiment *models.Experiment, traceID string) *Event {
	event := NewEvent(EventTypeExperimentCreated, source, experimentSubject(experiment.ID), map[string]interface{}{
		"experiment_id": experiment.ID,
		"service_type":  experiment.Config.ServiceType,
		"groups":        len(experiment.Groups),
		"created_at":    experiment.CreatedAt,
	})
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewExperimentStartedEvent creates an experiment start event.
func NewExperimentStartedEvent(source, experimentID, serviceType string, traceID string) *Event {
	event := NewEvent(EventTypeExperimentStarted, source, experimentSubject(experimentID), map[string]interface{}{
		"experiment_id": experimentID,
		"service_type":  serviceType,
		"started_at":    time.Now().UTC(),
	})
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewExperimentStoppedEvent creates an experiment terminal-state event.
func NewExperimentStoppedEvent(source string, data *ExperimentStoppedEvent, traceID string) *Event {
	eventType := EventTypeExperimentStopped
	if data.Status == models.ExperimentStatusFailed {
		eventType = EventTypeExperimentFailed
	}

	event := NewEvent(eventType, source, experimentSubject(data.ExperimentID), toMap(data))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewExperimentResultEvent publishes a result snapshot for dashboards.
func NewExperimentResultEvent(source, experimentID string, result interface{}, traceID string) *Event {
	event := NewEvent(EventTypeExperimentResult, source, experimentSubject(experimentID), map[string]interface{}{
		"experiment_id": experimentID,
		"result":        result,
	})
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewChangeLifecycleEvent creates an event for a threshold change
// transition. The event type follows the new status.
func NewChangeLifecycleEvent(source string, data *ChangeLifecycleEvent, traceID string) *Event {
	var eventType EventType
	switch data.Status {
	case models.ChangeStatusPending:
		eventType = EventTypeChangeRequested
	case models.ChangeStatusApplied, models.ChangeStatusMonitoring:
		eventType = EventTypeChangeApplied
	case models.ChangeStatusSuccess:
		eventType = EventTypeChangeSucceeded
	case models.ChangeStatusRolledBack:
		eventType = EventTypeChangeRolledBack
	default:
		eventType = EventTypeChangeFailed
	}

	event := NewEvent(eventType, source, fmt.Sprintf("change.%s", data.ChangeID), toMap(data))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewRollbackExecutedEvent creates an event recording a rollback.
func NewRollbackExecutedEvent(source string, op *models.RollbackOperation, traceID string) *Event {
	event := NewEvent(EventTypeRollbackExecuted, source, fmt.Sprintf("change.%s", op.OriginalChangeID), toMap(op))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewAlertTriggeredEvent creates an event for a triggered alert.
func NewAlertTriggeredEvent(source string, alert *models.Alert, traceID string) *Event {
	event := NewEvent(EventTypeAlertTriggered, source, alert.EntityID, toMap(alert))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

func experimentSubject(id string) string {
	return fmt.Sprintf("experiment.%s", id)
}

func toMap(v interface{}) map[string]interface{} {
	data := make(map[string]interface{})
	if encoded, err := json.Marshal(v); err == nil {
		json.Unmarshal(encoded, &data)
	}
	return data
}
