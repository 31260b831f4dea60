package corridor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/corridor/internal/pagination"
)

// MemoryStore is an in-process Store for tests and MOCK_MODE.
type MemoryStore struct {
	mu           sync.Mutex
	providers    map[string]*Provider
	fulfillments map[string]*Fulfillment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    make(map[string]*Provider),
		fulfillments: make(map[string]*Fulfillment),
	}
}

func (m *MemoryStore) UpsertProvider(ctx context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[p.MerchantID] = &cp
	return nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, merchantID string) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[merchantID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func amountInRange(amount, min, max string) bool {
	a, ok1 := toFils(amount)
	lo, ok2 := toFils(min)
	hi, ok3 := toFils(max)
	if !ok1 {
		return false
	}
	if ok2 && min != "" && a.Cmp(lo) < 0 {
		return false
	}
	if ok3 && max != "" && a.Cmp(hi) > 0 {
		return false
	}
	return true
}

func (m *MemoryStore) SelectLP(ctx context.Context, fiatAmount string, exclude []string, now time.Time) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var candidates []*Provider
	for _, p := range m.providers {
		if !p.Active || excluded[p.MerchantID] {
			continue
		}
		if !p.inServiceHours(now) {
			continue
		}
		if !amountInRange(fiatAmount, p.MinAmount, p.MaxAmount) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, ErrProviderNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, _ := strconv.ParseFloat(candidates[i].FeePercent, 64)
		fj, _ := strconv.ParseFloat(candidates[j].FeePercent, 64)
		if fi != fj {
			return fi < fj
		}
		return candidates[i].Rating > candidates[j].Rating
	})

	cp := *candidates[0]
	return &cp, nil
}

func (m *MemoryStore) CreateFulfillment(ctx context.Context, f *Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.fulfillments[f.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fulfillments[id]
	if !ok {
		return nil, ErrFulfillmentNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) UpdateFulfillment(ctx context.Context, f *Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fulfillments[f.ID]; !ok {
		return ErrFulfillmentNotFound
	}
	cp := *f
	m.fulfillments[f.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerMerchantID string, after *pagination.Cursor, limit int) ([]*Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Fulfillment
	for _, f := range m.fulfillments {
		if f.ProviderMerchantID == providerMerchantID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.After(out[j].AssignedAt)
		}
		return out[i].ID > out[j].ID
	})
	if after != nil {
		var start int
		for start = 0; start < len(out); start++ {
			f := out[start]
			if f.AssignedAt.Before(after.CreatedAt) || (f.AssignedAt.Equal(after.CreatedAt) && f.ID < after.ID) {
				break
			}
		}
		out = out[start:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Fulfillment
	for _, f := range m.fulfillments {
		if f.ProviderStatus == StatusPending && f.SendDeadline.Before(before) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendDeadline.Before(out[j].SendDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
