package change

import (
	"context"
	"fmt"
	"sync"
)

// MemoryConfigurationStore is a ConfigurationStore backed by a map, for
// single-node deployments and development. Production deployments are
// expected to supply their own store.
type MemoryConfigurationStore struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewMemoryConfigurationStore creates an empty in-memory store.
func NewMemoryConfigurationStore() *MemoryConfigurationStore {
	return &MemoryConfigurationStore{values: make(map[string]float64)}
}

// SetThreshold seeds a threshold value outside the change lifecycle.
func (s *MemoryConfigurationStore) SetThreshold(serviceType string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[serviceType] = value
}

func (s *MemoryConfigurationStore) WriteThreshold(ctx context.Context, serviceType string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[serviceType] = value
	return nil
}

func (s *MemoryConfigurationStore) ReadThreshold(ctx context.Context, serviceType string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[serviceType]
	if !ok {
		return 0, fmt.Errorf("no threshold configured for service %s", serviceType)
	}
	return value, nil
}
