package reputation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reputation read store for tests; in
// production this same data is written by internal/batch into
// reputation_events and read back through PostgresStore.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]*Event // entityID -> events, insertion order
}

// NewMemoryStore creates a new in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

// Seed appends e directly, standing in for a row internal/batch would
// otherwise have flushed.
func (m *MemoryStore) Seed(e *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.EntityID] = append(m.events[e.EntityID], e)
}

func (m *MemoryStore) History(ctx context.Context, entityID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append([]*Event{}, m.events[entityID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) Sum(ctx context.Context, entityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, e := range m.events[entityID] {
		total += e.ScoreChange
	}
	return total, nil
}
