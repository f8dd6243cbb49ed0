package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// MemoryStore is an in-memory implementation of all repositories. It is
// used by unit tests and single-node deployments without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*models.Experiment
	changes     map[string]*models.ThresholdChangeRecord
	rollbacks   map[string][]*models.RollbackOperation
	alerts      map[string][]*models.Alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*models.Experiment),
		changes:     make(map[string]*models.ThresholdChangeRecord),
		rollbacks:   make(map[string][]*models.RollbackOperation),
		alerts:      make(map[string][]*models.Alert),
	}
}

// SaveExperiment stores the experiment, replacing any existing record.
func (m *MemoryStore) SaveExperiment(ctx context.Context, experiment *models.Experiment) error {
	if experiment == nil || experiment.ID == "" {
		return fmt.Errorf("%w: experiment id is required", models.ErrValidation)
	}

	clone, err := deepCopy(experiment)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[experiment.ID] = clone
	return nil
}

// GetExperiment returns the experiment or ErrNotFound.
func (m *MemoryStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	experiment, ok := m.experiments[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", models.ErrNotFound, id)
	}
	return deepCopy(experiment)
}

// ListExperiments returns experiments, optionally filtered by status.
// An empty status matches everything.
func (m *MemoryStore) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Experiment
	for _, experiment := range m.experiments {
		if status != "" && experiment.Status != status {
			continue
		}
		clone, err := deepCopy(experiment)
		if err != nil {
			return nil, err
		}
		result = append(result, clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SaveChange stores the change record, replacing any existing record.
func (m *MemoryStore) SaveChange(ctx context.Context, change *models.ThresholdChangeRecord) error {
	if change == nil || change.ChangeID == "" {
		return fmt.Errorf("%w: change id is required", models.ErrValidation)
	}

	clone, err := deepCopy(change)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[change.ChangeID] = clone
	return nil
}

// GetChange returns the change record or ErrNotFound.
func (m *MemoryStore) GetChange(ctx context.Context, changeID string) (*models.ThresholdChangeRecord, error) {
	m.mu.RLock()
	change, ok := m.changes[changeID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: change %s", models.ErrNotFound, changeID)
	}
	return deepCopy(change)
}

// ListChanges returns all change records for a service type, oldest first.
func (m *MemoryStore) ListChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error) {
	return m.listChanges(serviceType, func(*models.ThresholdChangeRecord) bool { return true })
}

// ListActiveChanges returns changes currently holding the service type's
// configuration slot (applied or monitoring).
func (m *MemoryStore) ListActiveChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error) {
	return m.listChanges(serviceType, func(c *models.ThresholdChangeRecord) bool {
		return c.Status.IsActive()
	})
}

func (m *MemoryStore) listChanges(serviceType string, match func(*models.ThresholdChangeRecord) bool) ([]*models.ThresholdChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.ThresholdChangeRecord
	for _, change := range m.changes {
		if serviceType != "" && change.ServiceType != serviceType {
			continue
		}
		if !match(change) {
			continue
		}
		clone, err := deepCopy(change)
		if err != nil {
			return nil, err
		}
		result = append(result, clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SaveRollback appends a rollback operation record.
func (m *MemoryStore) SaveRollback(ctx context.Context, op *models.RollbackOperation) error {
	if op == nil || op.RollbackID == "" {
		return fmt.Errorf("%w: rollback id is required", models.ErrValidation)
	}

	clone, err := deepCopy(op)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[op.OriginalChangeID] = append(m.rollbacks[op.OriginalChangeID], clone)
	return nil
}

// ListRollbacks returns rollback operations for a change, in insertion
// order. An empty changeID returns every rollback.
func (m *MemoryStore) ListRollbacks(ctx context.Context, changeID string) ([]*models.RollbackOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.RollbackOperation
	for id, ops := range m.rollbacks {
		if changeID != "" && id != changeID {
			continue
		}
		for _, op := range ops {
			clone, err := deepCopy(op)
			if err != nil {
				return nil, err
			}
			result = append(result, clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExecutedAt.Before(result[j].ExecutedAt)
	})
	return result, nil
}

// SaveAlert appends an alert to the log.
func (m *MemoryStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", models.ErrValidation)
	}

	clone, err := deepCopy(alert)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.EntityID] = append(m.alerts[alert.EntityID], clone)
	return nil
}

// ListAlerts returns alerts for an entity in insertion order. An empty
// entityID returns every alert.
func (m *MemoryStore) ListAlerts(ctx context.Context, entityID string) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Alert
	for id, alerts := range m.alerts {
		if entityID != "" && id != entityID {
			continue
		}
		for _, alert := range alerts {
			clone, err := deepCopy(alert)
			if err != nil {
				return nil, err
			}
			result = append(result, clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// deepCopy isolates stored records from caller mutation.
func deepCopy[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to copy record: %w", err)
	}
	clone := new(T)
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("failed to copy record: %w", err)
	}
	return clone, nil
}
