package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemStore is an in-memory Store, standing in for the external KV
// collaborator (spec.md §6) in tests and for local development.
type MemStore struct {
	mu   sync.Mutex
	data map[string]*Device
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*Device)}
}

func (m *MemStore) Get(ctx context.Context, key string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("registry: key %q not found", key)
	}
	copy := *d
	return &copy, nil
}

func (m *MemStore) Put(ctx context.Context, key string, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *device
	m.data[key] = &copy
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for k, d := range m.data {
		if strings.HasPrefix(k, prefix+":") {
			copy := *d
			out = append(out, &copy)
		}
	}
	return out, nil
}
