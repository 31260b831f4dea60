// Package offers manages merchant liquidity postings: the standing offers
// buyers match against when creating an order. Liquidity is consumed
// optimistically at order creation and restored if the order exits
// without reaching a completed settlement.
package offers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrOfferNotFound        = errors.New("offer not found")
	ErrOfferNotActive       = errors.New("offer is not active")
	ErrInsufficientLiquidity = errors.New("insufficient available liquidity")
	ErrInvalidAmount        = errors.New("invalid amount")
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Offer is a merchant's standing liquidity posting.
type Offer struct {
	ID               string    `json:"id"`
	MerchantID       string    `json:"merchantId"`
	CurrencyPair     string    `json:"currencyPair"` // e.g. "USDT/AED"
	Rate             string    `json:"rate"`          // quote currency per USDT
	TotalAmount      string    `json:"totalAmount"`
	AvailableAmount  string    `json:"availableAmount"`
	MinOrderAmount   string    `json:"minOrderAmount"`
	MaxOrderAmount   string    `json:"maxOrderAmount"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	ListActive(ctx context.Context, currencyPair string, limit int) ([]*Offer, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]*Offer, error)

	// ReserveLiquidity atomically decrements available_amount, failing
	// with ErrInsufficientLiquidity if the optimistic guard
	// (available_amount >= amount) doesn't hold.
	ReserveLiquidity(ctx context.Context, offerID, amount string) error
	// RestoreLiquidity atomically increments available_amount back, used
	// when an order built against this offer cancels or expires.
	RestoreLiquidity(ctx context.Context, offerID, amount string) error

	SetStatus(ctx context.Context, offerID string, status Status) error
}

// Service is the offers domain facade.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates an offers Service.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Create posts a new standing offer with available_amount = total_amount.
func (s *Service) Create(ctx context.Context, merchantID, currencyPair, rate, totalAmount, minOrderAmount, maxOrderAmount string) (*Offer, error) {
	_, span := traces.StartSpan(ctx, "offers.Create", attribute.String("merchant.id", merchantID))
	defer span.End()

	o := &Offer{
		ID:              idgen.WithPrefix("offer"),
		MerchantID:      merchantID,
		CurrencyPair:    currencyPair,
		Rate:            rate,
		TotalAmount:     totalAmount,
		AvailableAmount: totalAmount,
		MinOrderAmount:  minOrderAmount,
		MaxOrderAmount:  maxOrderAmount,
		Status:          StatusActive,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get fetches an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns active offers for a currency pair, e.g. for order
// creation UI to pick a counterparty rate.
func (s *Service) ListActive(ctx context.Context, currencyPair string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListActive(ctx, currencyPair, limit)
}

// ListByMerchant returns every offer a merchant has posted.
func (s *Service) ListByMerchant(ctx context.Context, merchantID string) ([]*Offer, error) {
	return s.store.ListByMerchant(ctx, merchantID)
}

// ReserveLiquidity consumes amount from an offer's available_amount when
// an order is created against it. Returns ErrInsufficientLiquidity if a
// concurrent order already consumed the remaining balance.
func (s *Service) ReserveLiquidity(ctx context.Context, offerID, amount string) error {
	ctx, span := traces.StartSpan(ctx, "offers.ReserveLiquidity", traces.Reference(offerID), traces.Amount(amount))
	defer span.End()
	if err := s.store.ReserveLiquidity(ctx, offerID, amount); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// RestoreLiquidity gives amount back to an offer when its order cancels or
// expires without completing, per statemachine.ShouldRestoreLiquidity.
func (s *Service) RestoreLiquidity(ctx context.Context, offerID, amount string) error {
	return s.store.RestoreLiquidity(ctx, offerID, amount)
}

// Pause marks an offer paused, so it no longer matches new orders but
// keeps its history and remaining liquidity intact.
func (s *Service) Pause(ctx context.Context, offerID string) error {
	return s.store.SetStatus(ctx, offerID, StatusPaused)
}

// Close marks an offer closed permanently.
func (s *Service) Close(ctx context.Context, offerID string) error {
	return s.store.SetStatus(ctx, offerID, StatusClosed)
}
