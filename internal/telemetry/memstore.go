package telemetry

import (
	"context"
	"strconv"
	"sync"
)

// MemStore is an in-memory Store, used in tests and as a reference
// implementation of the append-only collection contract in spec.md §6.
type MemStore struct {
	mu         sync.Mutex
	Points     []Point
	Aggregates map[string]Aggregate
	Alerts     []Alert
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{Aggregates: make(map[string]Aggregate)}
}

func (m *MemStore) AppendPoints(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Points = append(m.Points, points...)
	return nil
}

func (m *MemStore) UpsertAggregate(_ context.Context, agg Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agg.Kind + "|" + agg.Source + "|" + strconv.FormatInt(agg.MinuteStart, 10)
	m.Aggregates[key] = agg
	return nil
}

func (m *MemStore) AppendAlert(_ context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, alert)
	return nil
}

func (m *MemStore) DeleteOlderThan(_ context.Context, cutoffMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.Points[:0]
	for _, p := range m.Points {
		if p.TimestampMs >= cutoffMs {
			kept = append(kept, p)
		}
	}
	m.Points = kept

	for k, agg := range m.Aggregates {
		if agg.MinuteStart < cutoffMs {
			delete(m.Aggregates, k)
		}
	}

	keptAlerts := m.Alerts[:0]
	for _, a := range m.Alerts {
		if a.TimestampMs >= cutoffMs {
			keptAlerts = append(keptAlerts, a)
		}
	}
	m.Alerts = keptAlerts
	return nil
}
