// Package ledger tracks balances for every account the settlement core
// touches: merchants, users, corridor liquidity providers, and the
// platform fee account.
//
// A single account can hold more than one asset (USDT micro-units, sAED
// fils). Every mutation writes a Ledger Entry row carrying the balance
// before and after the change, so the Invariant Verifier never has to
// replay history to check a single operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/corridor/internal/traces"
	"github.com/mbd888/corridor/internal/usdc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrEntryNotFound       = errors.New("entry not found")
)

// Asset identifies the unit an entry or balance is denominated in.
type Asset string

const (
	AssetUSDT Asset = "USDT"
	AssetSAED Asset = "SAED"
)

// EntryType is the reason a ledger entry exists, per spec §3's Ledger
// Entry data model.
type EntryType string

const (
	EntryEscrowLock           EntryType = "ESCROW_LOCK"
	EntryEscrowRelease        EntryType = "ESCROW_RELEASE"
	EntryEscrowRefund         EntryType = "ESCROW_REFUND"
	EntryCorridorSaedLock     EntryType = "CORRIDOR_SAED_LOCK"
	EntryCorridorSaedTransfer EntryType = "CORRIDOR_SAED_TRANSFER"
	EntryCorridorSaedRefund   EntryType = "CORRIDOR_SAED_REFUND"
	EntrySyntheticConversion EntryType = "SYNTHETIC_CONVERSION"
	EntryFeeDeduction        EntryType = "FEE_DEDUCTION"
	EntryCredit              EntryType = "CREDIT"
	EntryDebit               EntryType = "DEBIT"
	EntryTransfer            EntryType = "TRANSFER"
)

// Entry is an immutable row recording a single balance movement.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Asset          Asset     `json:"asset"`
	Type           EntryType `json:"type"`
	Amount         string    `json:"amount"`
	BalanceBefore  string    `json:"balanceBefore"`
	BalanceAfter   string    `json:"balanceAfter"`
	Reference      string    `json:"reference,omitempty"` // order ID, fulfillment ID, conversion ID
	Counterparty   string    `json:"counterparty,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance is an account's current position in one asset.
type Balance struct {
	AccountID string    `json:"accountId"`
	Asset     Asset     `json:"asset"`
	Available string    `json:"available"`
	Escrowed  string    `json:"escrowed"` // locked: in escrow or committed to a corridor fulfillment
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and entries.
type Store interface {
	GetBalance(ctx context.Context, accountID string, asset Asset) (*Balance, error)
	GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	GetEntry(ctx context.Context, entryID string) (*Entry, error)

	// Credit/Debit adjust available balance directly: provider capital
	// top-ups, platform fee sweeps, admin corrections.
	Credit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error
	Debit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error

	// EscrowLock/ReleaseEscrow/RefundEscrow move funds between a buyer's
	// available and escrowed balance, exactly mirroring the two-phase
	// hold vocabulary but renamed onto order-settlement semantics.
	EscrowLock(ctx context.Context, accountID string, asset Asset, amount, reference string) error
	ReleaseEscrow(ctx context.Context, buyerID, sellerID string, asset Asset, amount, reference string) error
	RefundEscrow(ctx context.Context, accountID string, asset Asset, amount, reference string) error

	// CorridorLock/CorridorTransfer/CorridorRefund are the same two-phase
	// shape applied to a liquidity provider's sAED balance.
	CorridorLock(ctx context.Context, providerID string, amount, reference string) error
	CorridorTransfer(ctx context.Context, providerID, recipientID string, amount, reference string) error
	CorridorRefund(ctx context.Context, providerID string, amount, reference string) error

	// Transfer moves available balance between two accounts in the same
	// asset atomically; used by the conversion engine and fee sweeps.
	Transfer(ctx context.Context, fromID, toID string, asset Asset, amount, reference string) error

	// SyntheticConvert debits debitAsset and credits creditAsset on the
	// same account atomically, writing both legs as a single entry type;
	// used by the conversion engine's USDT<->sAED swap.
	SyntheticConvert(ctx context.Context, accountID string, debitAsset Asset, debitAmount string, creditAsset Asset, creditAmount string, reference string) error

	// SumAllBalances returns the platform-wide sum across all accounts in
	// one asset, for the Invariant Verifier's aggregate check.
	SumAllBalances(ctx context.Context, asset Asset) (available, escrowed string, err error)
}

// Ledger is the service-layer facade every domain package injects instead
// of talking to Store directly, so tracing/metrics stay in one place.
type Ledger struct {
	store Store
}

// New creates a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// StoreRef returns the underlying store (used by workers that need direct
// scan access, e.g. the invariant verifier's SumAllBalances check).
func (l *Ledger) StoreRef() Store {
	return l.store
}

func parseAmount(amount string) (*big.Int, error) {
	amountBig, ok := usdc.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return amountBig, nil
}

// GetBalance returns an account's current balance in asset.
func (l *Ledger) GetBalance(ctx context.Context, accountID string, asset Asset) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(accountID), asset)
}

// GetHistory returns an account's ledger entries, newest first.
func (l *Ledger) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(accountID), limit)
}

// Credit increases an account's available balance (provider funding, fee
// collection reversal, admin correction).
func (l *Ledger) Credit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("credit")
	defer done()
	return l.store.Credit(ctx, normalize(accountID), asset, amount, reference, description)
}

// Debit decreases an account's available balance (fee deduction, admin
// correction).
func (l *Ledger) Debit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("debit")
	defer done()
	return l.store.Debit(ctx, normalize(accountID), asset, amount, reference, description)
}

// EscrowLock moves amount from accountID's available to escrowed balance
// when an order enters the escrowed state.
func (l *Ledger) EscrowLock(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.EscrowLock",
		traces.AgentAddr(accountID), traces.Amount(amount), traces.Reference(reference))
	defer span.End()

	if _, err := parseAmount(amount); err != nil {
		span.SetStatus(codes.Error, "invalid amount")
		return err
	}
	done := observeOp("escrow_lock")
	defer done()
	if err := l.store.EscrowLock(ctx, normalize(accountID), asset, amount, reference); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ReleaseEscrow moves the buyer's escrowed funds to the seller's available
// balance on order completion.
func (l *Ledger) ReleaseEscrow(ctx context.Context, buyerID, sellerID string, asset Asset, amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.ReleaseEscrow",
		attribute.String("buyer.id", buyerID), attribute.String("seller.id", sellerID),
		traces.Amount(amount), traces.Reference(reference))
	defer span.End()

	if _, err := parseAmount(amount); err != nil {
		span.SetStatus(codes.Error, "invalid amount")
		return err
	}
	done := observeOp("escrow_release")
	defer done()
	if err := l.store.ReleaseEscrow(ctx, normalize(buyerID), normalize(sellerID), asset, amount, reference); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// RefundEscrow returns escrowed funds to the buyer on cancellation,
// expiry, or dispute resolution in the buyer's favor.
func (l *Ledger) RefundEscrow(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("escrow_refund")
	defer done()
	return l.store.RefundEscrow(ctx, normalize(accountID), asset, amount, reference)
}

// CorridorLock locks a liquidity provider's sAED balance against a
// matched fulfillment.
func (l *Ledger) CorridorLock(ctx context.Context, providerID string, amount, reference string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("corridor_lock")
	defer done()
	return l.store.CorridorLock(ctx, normalize(providerID), amount, reference)
}

// CorridorTransfer moves a provider's locked sAED to the recipient's
// available balance on bridge completion.
func (l *Ledger) CorridorTransfer(ctx context.Context, providerID, recipientID string, amount, reference string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("corridor_transfer")
	defer done()
	return l.store.CorridorTransfer(ctx, normalize(providerID), normalize(recipientID), amount, reference)
}

// CorridorRefund returns a provider's locked sAED to available on
// fulfillment timeout.
func (l *Ledger) CorridorRefund(ctx context.Context, providerID string, amount, reference string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("corridor_refund")
	defer done()
	return l.store.CorridorRefund(ctx, normalize(providerID), amount, reference)
}

// Transfer atomically debits fromID and credits toID in a single asset;
// used by the conversion engine and fee sweeps.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, asset Asset, amount, reference string) error {
	if _, err := parseAmount(amount); err != nil {
		return err
	}
	done := observeOp("transfer")
	defer done()
	if err := l.store.Transfer(ctx, normalize(fromID), normalize(toID), asset, amount, reference); err != nil {
		return fmt.Errorf("transfer %s -> %s failed: %w", fromID, toID, err)
	}
	return nil
}

// SyntheticConvert swaps debitAmount of debitAsset for creditAmount of
// creditAsset on accountID, recording both legs under one entry type so
// the conversion is traceable as a single operation rather than a debit
// and an unrelated credit.
func (l *Ledger) SyntheticConvert(ctx context.Context, accountID string, debitAsset Asset, debitAmount string, creditAsset Asset, creditAmount string, reference string) error {
	if _, err := parseAmount(debitAmount); err != nil {
		return err
	}
	if _, err := parseAmount(creditAmount); err != nil {
		return err
	}
	done := observeOp("synthetic_convert")
	defer done()
	return l.store.SyntheticConvert(ctx, normalize(accountID), debitAsset, debitAmount, creditAsset, creditAmount, reference)
}

// CanAfford reports whether accountID's available balance covers amount.
func (l *Ledger) CanAfford(ctx context.Context, accountID string, asset Asset, amount string) (bool, error) {
	amountBig, err := parseAmount(amount)
	if err != nil {
		return false, err
	}
	bal, err := l.store.GetBalance(ctx, normalize(accountID), asset)
	if err != nil {
		return false, err
	}
	availableBig, ok := usdc.Parse(bal.Available)
	if !ok {
		return false, fmt.Errorf("corrupted balance for %s/%s: %q", accountID, asset, bal.Available)
	}
	return availableBig.Cmp(amountBig) >= 0, nil
}

// SumAllBalances returns the platform-wide available/escrowed totals in
// one asset.
func (l *Ledger) SumAllBalances(ctx context.Context, asset Asset) (available, escrowed string, err error) {
	return l.store.SumAllBalances(ctx, asset)
}

// GetEntry fetches a single ledger entry by ID.
func (l *Ledger) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	return l.store.GetEntry(ctx, entryID)
}

func normalize(accountID string) string {
	return strings.TrimSpace(accountID)
}
