package conversion

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory conversion store for tests and MOCK_MODE.
type MemoryStore struct {
	mu           sync.Mutex
	byID         map[string]*Conversion
	byIdempotent map[string]*Conversion // accountID+":"+key -> conversion
	transactions []*MerchantTransaction
}

// NewMemoryStore creates a new in-memory conversion store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:         make(map[string]*Conversion),
		byIdempotent: make(map[string]*Conversion),
	}
}

func idempotentKey(accountID, key string) string {
	return accountID + ":" + key
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, accountID, key string) (*Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byIdempotent[idempotentKey(accountID, key)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, c *Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
	if c.IdempotencyKey != "" {
		m.byIdempotent[idempotentKey(c.AccountID, c.IdempotencyKey)] = &cp
	}
	return nil
}

func (m *MemoryStore) RecordMerchantTransaction(ctx context.Context, t *MerchantTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transactions = append(m.transactions, &cp)
	return nil
}
