package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/usdc"
)

type balanceKey struct {
	accountID string
	asset     Asset
}

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests that don't need a real Postgres instance.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
	entries  map[string]*Entry
	byAccount map[string][]string // accountID -> entry IDs, insertion order
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[balanceKey]*Balance),
		entries:   make(map[string]*Entry),
		byAccount: make(map[string][]string),
	}
}

func (m *MemoryStore) getOrInit(accountID string, asset Asset) *Balance {
	key := balanceKey{accountID, asset}
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{AccountID: accountID, Asset: asset, Available: "0.000000", Escrowed: "0.000000", UpdatedAt: time.Now()}
		m.balances[key] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID string, asset Asset) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.balances[balanceKey{accountID, asset}]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{AccountID: accountID, Asset: asset, Available: "0.000000", Escrowed: "0.000000", UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAccount[accountID]
	result := make([]*Entry, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		if e, ok := m.entries[ids[i]]; ok {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) record(accountID string, asset Asset, typ EntryType, amount, before, after, reference, counterparty, description string) {
	e := &Entry{
		ID: idgen.WithPrefix("le"), AccountID: accountID, Asset: asset, Type: typ,
		Amount: amount, BalanceBefore: before, BalanceAfter: after,
		Reference: reference, Counterparty: counterparty, Description: description,
		CreatedAt: time.Now(),
	}
	m.entries[e.ID] = e
	m.byAccount[accountID] = append(m.byAccount[accountID], e.ID)
}

// move applies availableDelta/escrowedDelta to accountID/asset and returns
// the available balance before and after. Caller holds m.mu.
func (m *MemoryStore) move(accountID string, asset Asset, availableDelta, escrowedDelta *big.Int) (before, after string, err error) {
	bal := m.getOrInit(accountID, asset)
	availBig, _ := usdc.Parse(bal.Available)
	escrBig, _ := usdc.Parse(bal.Escrowed)

	newAvail := new(big.Int).Add(availBig, availableDelta)
	if newAvail.Sign() < 0 {
		return "", "", ErrInsufficientBalance
	}
	newEscr := new(big.Int).Add(escrBig, escrowedDelta)
	if newEscr.Sign() < 0 {
		return "", "", fmt.Errorf("escrowed balance would go negative for %s/%s", accountID, asset)
	}

	before = usdc.Format(availBig)
	after = usdc.Format(newAvail)
	bal.Available = after
	bal.Escrowed = usdc.Format(newEscr)
	bal.UpdatedAt = time.Now()
	return before, after, nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(accountID, asset, amt, big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(accountID, asset, EntryCredit, amount, before, after, reference, "", description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(accountID, asset, new(big.Int).Neg(amt), big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(accountID, asset, EntryDebit, amount, before, after, reference, "", description)
	return nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(accountID, asset, new(big.Int).Neg(amt), amt)
	if err != nil {
		return err
	}
	m.record(accountID, asset, EntryEscrowLock, amount, before, after, reference, "", "escrow lock")
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, buyerID, sellerID string, asset Asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)

	buyerBefore, buyerAfter, err := m.move(buyerID, asset, big.NewInt(0), new(big.Int).Neg(amt))
	if err != nil {
		return err
	}
	m.record(buyerID, asset, EntryEscrowRelease, amount, buyerBefore, buyerAfter, reference, sellerID, "escrow release")

	sellerBefore, sellerAfter, err := m.move(sellerID, asset, amt, big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(sellerID, asset, EntryEscrowRelease, amount, sellerBefore, sellerAfter, reference, buyerID, "escrow receive")
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(accountID, asset, amt, new(big.Int).Neg(amt))
	if err != nil {
		return err
	}
	m.record(accountID, asset, EntryEscrowRefund, amount, before, after, reference, "", "escrow refund")
	return nil
}

func (m *MemoryStore) CorridorLock(ctx context.Context, providerID string, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(providerID, AssetSAED, new(big.Int).Neg(amt), amt)
	if err != nil {
		return err
	}
	m.record(providerID, AssetSAED, EntryCorridorSaedLock, amount, before, after, reference, "", "corridor sAED lock")
	return nil
}

func (m *MemoryStore) CorridorTransfer(ctx context.Context, providerID, recipientID string, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)

	provBefore, provAfter, err := m.move(providerID, AssetSAED, big.NewInt(0), new(big.Int).Neg(amt))
	if err != nil {
		return err
	}
	m.record(providerID, AssetSAED, EntryCorridorSaedTransfer, amount, provBefore, provAfter, reference, recipientID, "corridor sAED transfer out")

	recBefore, recAfter, err := m.move(recipientID, AssetSAED, amt, big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(recipientID, AssetSAED, EntryCorridorSaedTransfer, amount, recBefore, recAfter, reference, providerID, "corridor sAED transfer in")
	return nil
}

func (m *MemoryStore) CorridorRefund(ctx context.Context, providerID string, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)
	before, after, err := m.move(providerID, AssetSAED, amt, new(big.Int).Neg(amt))
	if err != nil {
		return err
	}
	m.record(providerID, AssetSAED, EntryCorridorSaedRefund, amount, before, after, reference, "", "corridor sAED refund")
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromID, toID string, asset Asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, _ := usdc.Parse(amount)

	fromBefore, fromAfter, err := m.move(fromID, asset, new(big.Int).Neg(amt), big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(fromID, asset, EntryTransfer, amount, fromBefore, fromAfter, reference, toID, "transfer out")

	toBefore, toAfter, err := m.move(toID, asset, amt, big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(toID, asset, EntryTransfer, amount, toBefore, toAfter, reference, fromID, "transfer in")
	return nil
}

func (m *MemoryStore) SyntheticConvert(ctx context.Context, accountID string, debitAsset Asset, debitAmount string, creditAsset Asset, creditAmount string, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debitAmt, _ := usdc.Parse(debitAmount)
	before, after, err := m.move(accountID, debitAsset, new(big.Int).Neg(debitAmt), big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(accountID, debitAsset, EntrySyntheticConversion, debitAmount, before, after, reference, "", "synthetic conversion debit")

	creditAmt, _ := usdc.Parse(creditAmount)
	before, after, err = m.move(accountID, creditAsset, creditAmt, big.NewInt(0))
	if err != nil {
		return err
	}
	m.record(accountID, creditAsset, EntrySyntheticConversion, creditAmount, before, after, reference, "", "synthetic conversion credit")
	return nil
}

func (m *MemoryStore) SumAllBalances(ctx context.Context, asset Asset) (available, escrowed string, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	availSum := big.NewInt(0)
	escrSum := big.NewInt(0)
	for key, bal := range m.balances {
		if key.asset != asset {
			continue
		}
		a, _ := usdc.Parse(bal.Available)
		e, _ := usdc.Parse(bal.Escrowed)
		availSum.Add(availSum, a)
		escrSum.Add(escrSum, e)
	}
	return usdc.Format(availSum), usdc.Format(escrSum), nil
}
