package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *server.Server {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return s
}

func testNATSConfig(s *server.Server) *NATSConfig {
	return &NATSConfig{
		URL:            s.ClientURL(),
		StreamName:     "TEST_EVENTS",
		StreamSubjects: []string{"trc.events.>"},
		MaxAge:         time.Hour,
		MaxBytes:       1024 * 1024,
		MaxMsgs:        1000,
		Replicas:       1,
	}
}

func TestNATSEventBus_NewNATSEventBus(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, bus)

	defer bus.Close()

	info, err := bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Equal(t, "TEST_EVENTS", info.Config.Name)
	assert.Equal(t, []string{"trc.events.>"}, info.Config.Subjects)
}

func TestNATSEventBus_PublishAndSubscribe(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testEvent := NewEvent(EventTypeExperimentStarted, "test-source", "experiment.exp-1", map[string]interface{}{
		"experiment_id": "exp-1",
		"service_type":  "payment",
	})

	var receivedEvent *Event
	var wg sync.WaitGroup
	wg.Add(1)

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		receivedEvent = event
		wg.Done()
		return nil
	})

	err = bus.SubscribeToEventType(ctx, EventTypeExperimentStarted, handler)
	require.NoError(t, err)

	// Give subscriber time to set up
	time.Sleep(100 * time.Millisecond)

	err = bus.PublishEvent(ctx, testEvent)
	require.NoError(t, err)

	wg.Wait()

	require.NotNil(t, receivedEvent)
	assert.Equal(t, testEvent.ID, receivedEvent.ID)
	assert.Equal(t, testEvent.Type, receivedEvent.Type)
	assert.Equal(t, testEvent.Source, receivedEvent.Source)
	assert.Equal(t, testEvent.Subject, receivedEvent.Subject)
	assert.Equal(t, testEvent.Data, receivedEvent.Data)
}

func TestNATSEventBus_PublishAsync(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testEvent := NewEvent(EventTypeChangeApplied, "test-source", "change.chg-1", map[string]interface{}{
		"change_id": "chg-1",
		"new_value": 2100.0,
	})

	var receivedEvent *Event
	var wg sync.WaitGroup
	wg.Add(1)

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		receivedEvent = event
		wg.Done()
		return nil
	})

	err = bus.SubscribeToEventType(ctx, EventTypeChangeApplied, handler)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	err = bus.PublishEventAsync(ctx, testEvent)
	require.NoError(t, err)

	wg.Wait()

	require.NotNil(t, receivedEvent)
	assert.Equal(t, testEvent.ID, receivedEvent.ID)
	assert.Equal(t, testEvent.Type, receivedEvent.Type)
}

func TestNATSEventBus_SubscribePattern(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var receivedEvents []*Event
	var mu sync.Mutex
	var wg sync.WaitGroup

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		receivedEvents = append(receivedEvents, event)
		mu.Unlock()
		wg.Done()
		return nil
	})

	err = bus.SubscribeToPattern(ctx, "change.*", handler)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	events := []*Event{
		NewEvent(EventTypeChangeRequested, "test", "change.chg-1", map[string]interface{}{"change_id": "chg-1"}),
		NewEvent(EventTypeChangeApplied, "test", "change.chg-2", map[string]interface{}{"change_id": "chg-2"}),
		NewEvent(EventTypeChangeRolledBack, "test", "change.chg-3", map[string]interface{}{"change_id": "chg-3"}),
	}

	wg.Add(len(events))

	for _, event := range events {
		err = bus.PublishEvent(ctx, event)
		require.NoError(t, err)
	}

	wg.Wait()

	mu.Lock()
	assert.Len(t, receivedEvents, len(events))
	mu.Unlock()
}

func TestNATSEventBus_MultipleSubscribers(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	logger := zaptest.NewLogger(t)
	config := testNATSConfig(s)

	// Create two separate event bus instances
	bus1, err := NewNATSEventBus(config, logger)
	require.NoError(t, err)
	defer bus1.Close()

	bus2, err := NewNATSEventBus(config, logger)
	require.NoError(t, err)
	defer bus2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var received1, received2 *Event
	var wg sync.WaitGroup
	wg.Add(2)

	handler1 := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		received1 = event
		wg.Done()
		return nil
	})

	handler2 := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		received2 = event
		wg.Done()
		return nil
	})

	err = bus1.SubscribeToEventType(ctx, EventTypeExperimentResult, handler1)
	require.NoError(t, err)

	err = bus2.SubscribeToEventType(ctx, EventTypeExperimentResult, handler2)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	testEvent := NewEvent(EventTypeExperimentResult, "test", "experiment.exp-1", map[string]interface{}{
		"experiment_id":   "exp-1",
		"sample_progress": 0.5,
	})

	err = bus1.PublishEvent(ctx, testEvent)
	require.NoError(t, err)

	wg.Wait()

	require.NotNil(t, received1)
	require.NotNil(t, received2)
	assert.Equal(t, testEvent.ID, received1.ID)
	assert.Equal(t, testEvent.ID, received2.ID)
}

func TestNATSEventBus_Unsubscribe(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		return nil
	})

	err = bus.SubscribeToEventType(ctx, EventTypeAlertTriggered, handler)
	require.NoError(t, err)

	err = bus.UnsubscribeFromEventType(EventTypeAlertTriggered)
	require.NoError(t, err)

	// Try to unsubscribe again (should fail)
	err = bus.UnsubscribeFromEventType(EventTypeAlertTriggered)
	assert.Error(t, err)
}

func TestNATSEventBus_MessageDeduplication(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testEvent := NewEvent(EventTypeRollbackExecuted, "test", "change.chg-1", map[string]interface{}{
		"change_id": "chg-1",
		"trigger":   "violation_rate",
	})

	var receivedCount int
	var mu sync.Mutex

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		receivedCount++
		mu.Unlock()
		return nil
	})

	err = bus.SubscribeToEventType(ctx, EventTypeRollbackExecuted, handler)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// Publish the same event multiple times
	for i := 0; i < 3; i++ {
		err = bus.PublishEvent(ctx, testEvent)
		require.NoError(t, err)
	}

	time.Sleep(500 * time.Millisecond)

	// Should only receive the event once due to deduplication
	mu.Lock()
	assert.Equal(t, 1, receivedCount)
	mu.Unlock()
}

func TestNATSEventBus_ErrorHandling(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		return nil
	})

	err = bus.SubscribeToEventType(ctx, EventTypeExperimentStopped, handler)
	require.NoError(t, err)

	err = bus.SubscribeToEventType(ctx, EventTypeExperimentStopped, handler)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already subscribed")
}

func TestNATSEventBus_ConnectionFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := &NATSConfig{
		URL:            "nats://localhost:9999", // Non-existent server
		StreamName:     "TEST_EVENTS",
		StreamSubjects: []string{"trc.events.>"},
		ConnectTimeout: 1 * time.Second,
	}

	_, err := NewNATSEventBus(config, logger)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestNATSEventBus_StreamPurge(t *testing.T) {
	s := startTestNATSServer(t)
	defer s.Shutdown()

	bus, err := NewNATSEventBus(testNATSConfig(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventTypeExperimentCreated, "test", "experiment.exp-1", map[string]interface{}{
			"experiment_id": "exp-1",
		})
		err = bus.PublishEvent(ctx, event)
		require.NoError(t, err)
	}

	info, err := bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Greater(t, info.State.Msgs, uint64(0))

	err = bus.PurgeStream()
	require.NoError(t, err)

	info, err = bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.State.Msgs)
}
