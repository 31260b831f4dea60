package offers

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/corridor/internal/usdc"
)

// MemoryStore is an in-memory offers store for demo/development mode.
type MemoryStore struct {
	mu     sync.Mutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offers store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, currencyPair string, limit int) ([]*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Offer
	for _, o := range m.offers {
		if o.CurrencyPair != currencyPair || o.Status != StatusActive {
			continue
		}
		avail, _ := usdc.Parse(o.AvailableAmount)
		if avail.Sign() <= 0 {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rate < out[j].Rate })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Offer
	for _, o := range m.offers {
		if o.MerchantID != merchantID {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ReserveLiquidity(ctx context.Context, offerID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != StatusActive {
		return ErrOfferNotActive
	}
	avail, _ := usdc.Parse(o.AvailableAmount)
	amt, ok2 := usdc.Parse(amount)
	if !ok2 || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientLiquidity
	}
	o.AvailableAmount = usdc.Format(new(big.Int).Sub(avail, amt))
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RestoreLiquidity(ctx context.Context, offerID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	avail, _ := usdc.Parse(o.AvailableAmount)
	amt, _ := usdc.Parse(amount)
	o.AvailableAmount = usdc.Format(new(big.Int).Add(avail, amt))
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, offerID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}
