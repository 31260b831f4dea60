package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, used in tests and non-Postgres
// deployments.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

// Seed inserts a row directly, bypassing the batch writer — used by tests
// and by the batch package's in-memory flush path when the two are wired
// together in a single-process deployment.
func (m *MemoryStore) Seed(row *Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	m.rows[cp.ID] = &cp
}

func (m *MemoryStore) ClaimBatch(ctx context.Context, now time.Time, retryWindow time.Duration, batchSize, maxAttempts int) ([]*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*Row
	for _, r := range m.rows {
		if r.Status != StatusPending && r.Status != StatusFailed {
			continue
		}
		if r.Attempts >= maxAttempts {
			continue
		}
		if r.LastAttemptAt != nil && r.LastAttemptAt.Add(retryWindow).After(now) {
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]*Row, 0, len(eligible))
	for _, r := range eligible {
		r.Status = StatusProcessing
		la := now
		r.LastAttemptAt = &la
		cp := *r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil
	}
	r.Status = StatusSent
	sa := now
	r.SentAt = &sa
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, now time.Time, errMsg string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil
	}
	r.Attempts++
	r.LastError = errMsg
	if r.Attempts >= maxAttempts {
		r.Status = StatusFailed
	} else {
		r.Status = StatusPending
	}
	return nil
}

func (m *MemoryStore) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.rows {
		if r.Status == StatusSent && r.SentAt != nil && r.SentAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}
