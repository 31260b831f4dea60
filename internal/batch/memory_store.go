package batch

import (
	"context"
	"sync"
)

// MemoryStore accumulates flushed rows in memory, for demo mode and tests
// that want to assert on what the Writer drained.
type MemoryStore struct {
	mu               sync.Mutex
	OrderEvents      []OrderEvent
	OutboxRows       []OutboxRow
	ReputationEvents []ReputationEvent
}

// NewMemoryStore creates an in-memory batch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) FlushOrderEvents(ctx context.Context, rows []OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderEvents = append(m.OrderEvents, rows...)
	return nil
}

func (m *MemoryStore) FlushOutboxRows(ctx context.Context, rows []OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OutboxRows = append(m.OutboxRows, rows...)
	return nil
}

func (m *MemoryStore) FlushReputationEvents(ctx context.Context, rows []ReputationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReputationEvents = append(m.ReputationEvents, rows...)
	return nil
}

// Snapshot returns copies of the accumulated rows for test assertions.
func (m *MemoryStore) Snapshot() (orderEvents []OrderEvent, outboxRows []OutboxRow, reputationEvents []ReputationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderEvent{}, m.OrderEvents...), append([]OutboxRow{}, m.OutboxRows...), append([]ReputationEvent{}, m.ReputationEvents...)
}
