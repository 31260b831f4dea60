// Package corridor implements the parallel settlement rail where a
// third-party liquidity provider (LP) sends fiat directly to the buyer
// while the buyer locks synthetic fiat (sAED) against the LP's fee.
package corridor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/metrics"
	"github.com/mbd888/corridor/internal/pagination"
)

var (
	ErrProviderNotFound     = errors.New("corridor provider not found")
	ErrProviderExists       = errors.New("merchant already has a corridor provider configuration")
	ErrNoLPAvailable        = errors.New("no liquidity provider available")
	ErrFulfillmentNotFound  = errors.New("fulfillment not found")
	ErrBuyerNotFound        = errors.New("buyer not found")
	ErrInsufficientSAED     = errors.New("insufficient sAED balance")
	ErrUnauthorized         = errors.New("not authorized for this fulfillment")
	ErrInvalidStatus        = errors.New("fulfillment is not in the required status")
	ErrAlreadyCompleted     = errors.New("fulfillment already completed")
)

// FilsPerAED is the synthetic-currency denomination: 100 fils = 1 AED.
const FilsPerAED = 100

// ProviderStatus is the lifecycle state of a corridor fulfillment.
type ProviderStatus string

const (
	StatusPending      ProviderStatus = "pending"
	StatusPaymentSent  ProviderStatus = "payment_sent"
	StatusCompleted    ProviderStatus = "completed"
	StatusFailed       ProviderStatus = "failed"
)

// Provider is a merchant's liquidity-provider configuration, per spec §3.
type Provider struct {
	MerchantID     string    `json:"merchantId"`
	Active         bool      `json:"active"`
	FeePercent     string    `json:"feePercent"` // 0-10
	MinAmount      string    `json:"minAmount"`
	MaxAmount      string    `json:"maxAmount"`
	ServiceHourStart int     `json:"serviceHourStart"` // 0-23, inclusive window
	ServiceHourEnd   int     `json:"serviceHourEnd"`
	Rating         float64   `json:"rating"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (p *Provider) inServiceHours(now time.Time) bool {
	if p.ServiceHourStart == 0 && p.ServiceHourEnd == 0 {
		return true // no window configured: always on
	}
	h := now.UTC().Hour()
	if p.ServiceHourStart <= p.ServiceHourEnd {
		return h >= p.ServiceHourStart && h <= p.ServiceHourEnd
	}
	return h >= p.ServiceHourStart || h <= p.ServiceHourEnd // wraps past midnight
}

// Fulfillment links an order to the LP servicing it, per spec §3.
type Fulfillment struct {
	ID                string         `json:"id"`
	OrderID           string         `json:"orderId"`
	BuyerID           string         `json:"buyerId"` // account whose sAED is locked
	ProviderMerchantID string        `json:"providerMerchantId"`
	SaedAmountLocked  string         `json:"saedAmountLocked"` // fils
	FiatAmount        string         `json:"fiatAmount"`
	CorridorFee       string         `json:"corridorFee"` // fils
	BankDetails       string         `json:"bankDetails"`
	SendDeadline      time.Time      `json:"sendDeadline"`
	ProviderStatus    ProviderStatus `json:"providerStatus"`
	PaymentSentAt     *time.Time     `json:"paymentSentAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	FailedAt          *time.Time     `json:"failedAt,omitempty"`
	AssignedAt        time.Time      `json:"assignedAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Store persists providers and fulfillments.
type Store interface {
	UpsertProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, merchantID string) (*Provider, error)

	// SelectLP locks and returns the cheapest-fee, online, in-hours,
	// amount-capable provider excluding the given merchant IDs, per
	// spec §4.3's `ORDER BY fee_percentage ASC, rating DESC LIMIT 1`.
	SelectLP(ctx context.Context, fiatAmount string, exclude []string, now time.Time) (*Provider, error)

	CreateFulfillment(ctx context.Context, f *Fulfillment) error
	GetFulfillment(ctx context.Context, id string) (*Fulfillment, error)
	UpdateFulfillment(ctx context.Context, f *Fulfillment) error
	// ListByProvider returns up to limit fulfillments older than after
	// (nil fetches from the most recent), ordered assigned_at DESC, id DESC.
	ListByProvider(ctx context.Context, providerMerchantID string, after *pagination.Cursor, limit int) ([]*Fulfillment, error)
	// ListOverdue returns up to limit pending fulfillments whose deadline
	// has passed, locked SKIP LOCKED for concurrent worker scans.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Fulfillment, error)
}

// OrderLinker lets the corridor engine attach/detach the fulfillment link
// on the order without importing the orders package directly.
type OrderLinker interface {
	LinkCorridorFulfillment(ctx context.Context, orderID, fulfillmentID string) error
	UnlinkCorridorFulfillment(ctx context.Context, orderID string) error
}

// Service implements corridor matching and settlement.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	orders OrderLinker
}

// New creates a corridor Service.
func New(store Store, lg *ledger.Ledger, orders OrderLinker) *Service {
	return &Service{store: store, ledger: lg, orders: orders}
}

// MatchRequest carries the inputs for Match.
type MatchRequest struct {
	OrderID    string
	BuyerID    string
	SellerID   string
	FiatAmount string // AED, decimal
	Now        time.Time
}

// Match selects the cheapest-fee eligible LP, locks the buyer's sAED, and
// creates a Fulfillment, per spec §4.3.
func (s *Service) Match(ctx context.Context, req MatchRequest) (*Fulfillment, error) {
	fiatFils, ok := toFils(req.FiatAmount)
	if !ok {
		return nil, fmt.Errorf("invalid fiat amount %q", req.FiatAmount)
	}

	provider, err := s.store.SelectLP(ctx, req.FiatAmount, []string{req.BuyerID, req.SellerID}, req.Now)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, ErrNoLPAvailable
		}
		return nil, err
	}

	feePct, _ := new(big.Float).SetString(provider.FeePercent)
	if feePct == nil {
		feePct = big.NewFloat(0)
	}
	feeFils := roundFils(fiatFils, feePct)
	lockFils := new(big.Int).Add(fiatFils, feeFils)
	lockAmount := fromFils(lockFils)

	if err := s.ledger.CorridorLock(ctx, req.BuyerID, lockAmount, req.OrderID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientSAED
		}
		return nil, err
	}

	f := &Fulfillment{
		ID:                 idgen.WithPrefix("cfl_"),
		OrderID:            req.OrderID,
		BuyerID:            req.BuyerID,
		ProviderMerchantID: provider.MerchantID,
		SaedAmountLocked:   lockAmount,
		FiatAmount:         req.FiatAmount,
		CorridorFee:        fromFils(feeFils),
		ProviderStatus:     StatusPending,
		SendDeadline:       req.Now.Add(30 * time.Minute),
		AssignedAt:         req.Now,
		UpdatedAt:          req.Now,
	}
	if err := s.store.CreateFulfillment(ctx, f); err != nil {
		_ = s.ledger.CorridorRefund(ctx, req.BuyerID, lockAmount, req.OrderID)
		return nil, err
	}

	if err := s.orders.LinkCorridorFulfillment(ctx, req.OrderID, f.ID); err != nil {
		return nil, fmt.Errorf("link fulfillment to order: %w", err)
	}

	return f, nil
}

// MarkPaymentSent is called by the assigned LP once fiat has been sent.
func (s *Service) MarkPaymentSent(ctx context.Context, fulfillmentID, callerMerchantID string, now time.Time) (*Fulfillment, error) {
	f, err := s.store.GetFulfillment(ctx, fulfillmentID)
	if err != nil {
		return nil, err
	}
	if f.ProviderMerchantID != callerMerchantID {
		return nil, ErrUnauthorized
	}
	if f.ProviderStatus != StatusPending {
		return nil, ErrInvalidStatus
	}
	f.ProviderStatus = StatusPaymentSent
	f.PaymentSentAt = &now
	f.UpdatedAt = now
	if err := s.store.UpdateFulfillment(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// BridgeOnCompletion credits the LP's sAED balance when an order routed
// through the corridor transitions to completed. Called by the order
// engine before it commits the order's completion; an error returned here
// aborts that completion.
func (s *Service) BridgeOnCompletion(ctx context.Context, fulfillmentID string, now time.Time) error {
	f, err := s.store.GetFulfillment(ctx, fulfillmentID)
	if err != nil {
		return err
	}
	if f.ProviderStatus == StatusCompleted {
		return nil // idempotent: already bridged
	}
	if err := s.ledger.CorridorTransfer(ctx, f.BuyerID, f.ProviderMerchantID, f.SaedAmountLocked, f.OrderID); err != nil {
		return fmt.Errorf("credit provider on bridge completion: %w", err)
	}
	f.ProviderStatus = StatusCompleted
	f.CompletedAt = &now
	f.UpdatedAt = now
	if err := s.store.UpdateFulfillment(ctx, f); err != nil {
		return err
	}
	metrics.CorridorFulfillmentsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return nil
}

// GetFulfillment fetches a fulfillment by ID.
func (s *Service) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	return s.store.GetFulfillment(ctx, id)
}

// ListByProvider returns a page of a provider's fulfillments, newest first.
func (s *Service) ListByProvider(ctx context.Context, providerMerchantID string, after *pagination.Cursor, limit int) ([]*Fulfillment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByProvider(ctx, providerMerchantID, after, limit)
}

// UpsertProvider creates or updates a merchant's LP configuration.
func (s *Service) UpsertProvider(ctx context.Context, p *Provider) error {
	return s.store.UpsertProvider(ctx, p)
}

// GetProvider reads a merchant's LP configuration.
func (s *Service) GetProvider(ctx context.Context, merchantID string) (*Provider, error) {
	return s.store.GetProvider(ctx, merchantID)
}

// Availability reports whether an eligible LP exists for fiatAmount,
// excluding the named merchant IDs (buyer/seller probing before match).
func (s *Service) Availability(ctx context.Context, fiatAmount string, exclude []string, now time.Time) (bool, error) {
	_, err := s.store.SelectLP(ctx, fiatAmount, exclude, now)
	if errors.Is(err, ErrProviderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RefundOverdue refunds and detaches up to limit fulfillments whose send
// deadline has passed, per spec §4.3's timeout-refund protocol. It is the
// body of Worker K's poll cycle.
func (s *Service) RefundOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range overdue {
		if err := s.refundOne(ctx, f, now); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Service) refundOne(ctx context.Context, f *Fulfillment, now time.Time) error {
	if err := s.ledger.CorridorRefund(ctx, f.BuyerID, f.SaedAmountLocked, f.OrderID); err != nil {
		return err
	}
	f.ProviderStatus = StatusFailed
	f.FailedAt = &now
	f.UpdatedAt = now
	if err := s.store.UpdateFulfillment(ctx, f); err != nil {
		return err
	}
	if err := s.orders.UnlinkCorridorFulfillment(ctx, f.OrderID); err != nil {
		return err
	}
	metrics.CorridorFulfillmentsTotal.WithLabelValues(string(StatusFailed)).Inc()
	metrics.CorridorTimeoutsTotal.Inc()
	return nil
}

func toFils(aed string) (*big.Int, bool) {
	f, ok := new(big.Float).SetString(aed)
	if !ok {
		return nil, false
	}
	f.Mul(f, big.NewFloat(FilsPerAED))
	i, _ := f.Int(nil)
	return i, true
}

func fromFils(fils *big.Int) string {
	f := new(big.Float).SetInt(fils)
	f.Quo(f, big.NewFloat(FilsPerAED))
	return f.Text('f', 2)
}

// roundFils computes round(fiatFils * pct / 100), rounding halves up.
func roundFils(fiatFils *big.Int, pct *big.Float) *big.Int {
	amount := new(big.Float).SetInt(fiatFils)
	amount.Mul(amount, pct)
	amount.Quo(amount, big.NewFloat(100))
	amount.Add(amount, big.NewFloat(0.5))
	i, _ := amount.Int(nil)
	return i
}
