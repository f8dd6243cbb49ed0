// Package eventbus emits the lifecycle records consumed by external
// dashboards and alerting: experiment results, threshold change records
// and alerts. Events are plain JSON with ISO-8601 timestamps.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Experiment lifecycle events
	EventTypeExperimentCreated EventType = "experiment.created"
	EventTypeExperimentStarted EventType = "experiment.started"
	EventTypeExperimentStopped EventType = "experiment.stopped"
	EventTypeExperimentFailed  EventType = "experiment.failed"
	EventTypeExperimentResult  EventType = "experiment.result"

	// Threshold change lifecycle events
	EventTypeChangeRequested  EventType = "change.requested"
	EventTypeChangeApplied    EventType = "change.applied"
	EventTypeChangeSucceeded  EventType = "change.succeeded"
	EventTypeChangeRolledBack EventType = "change.rolled_back"
	EventTypeChangeFailed     EventType = "change.failed"

	// Rollback events
	EventTypeRollbackExecuted EventType = "rollback.executed"

	// Alert events
	EventTypeAlertTriggered EventType = "alert.triggered"
)

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// EventHandler processes a received event
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}

// ParseEventData parses event data into a specific type
func ParseEventData[T any](event *Event, target *T) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	return nil
}
