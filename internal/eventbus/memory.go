package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MemoryEventBus is an in-process EventBus used for tests and
// single-node deployments without a broker.
type MemoryEventBus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
	patterns map[string][]EventHandler
	closed   bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(logger *zap.Logger) *MemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryEventBus{
		logger:   logger,
		handlers: make(map[string][]EventHandler),
		patterns: make(map[string][]EventHandler),
	}
}

// PublishEvent delivers the event synchronously to all matching handlers.
func (m *MemoryEventBus) PublishEvent(ctx context.Context, event *Event) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var matched []EventHandler
	matched = append(matched, m.handlers[string(event.Type)]...)
	for pattern, handlers := range m.patterns {
		if matchesPattern(string(event.Type), pattern) {
			matched = append(matched, handlers...)
		}
	}
	m.mu.RUnlock()

	for _, handler := range matched {
		if err := handler.Handle(ctx, event); err != nil {
			m.logger.Error("Event handler failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// PublishEventAsync delivers the event to handlers in a goroutine.
func (m *MemoryEventBus) PublishEventAsync(ctx context.Context, event *Event) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	go func() {
		if err := m.PublishEvent(context.Background(), event); err != nil {
			m.logger.Error("Async publish failed",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}()
	return nil
}

// SubscribeToEventType registers a handler for an exact event type.
func (m *MemoryEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("event bus is closed")
	}
	m.handlers[string(eventType)] = append(m.handlers[string(eventType)], handler)
	return nil
}

// SubscribeToPattern registers a handler for a subject pattern. The
// wildcard "*" matches a single token, ">" matches the remainder.
func (m *MemoryEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("event bus is closed")
	}
	m.patterns[pattern] = append(m.patterns[pattern], handler)
	return nil
}

// UnsubscribeFromEventType removes all handlers for an event type.
func (m *MemoryEventBus) UnsubscribeFromEventType(eventType EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[string(eventType)]; !exists {
		return fmt.Errorf("not subscribed to event type: %s", eventType)
	}
	delete(m.handlers, string(eventType))
	return nil
}

// Close stops the bus. Subsequent publishes fail.
func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.handlers = make(map[string][]EventHandler)
	m.patterns = make(map[string][]EventHandler)
	return nil
}

func matchesPattern(eventType, pattern string) bool {
	typeTokens := strings.Split(eventType, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return true
		}
		if i >= len(typeTokens) {
			return false
		}
		if token != "*" && token != typeTokens[i] {
			return false
		}
	}
	return len(typeTokens) == len(patternTokens)
}
