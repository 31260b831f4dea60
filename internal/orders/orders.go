// Package orders implements the order lifecycle engine: creation,
// status transitions, escrow lock/release, cancel-with-refund, extension,
// and dispute resolution. It is the primary entrypoint composing the
// state machine, ledger, offers, batch writer, and subscription fabric.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/corridor/internal/batch"
	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/invariant"
	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/metrics"
	"github.com/mbd888/corridor/internal/realtime"
	"github.com/mbd888/corridor/internal/statemachine"
	"github.com/mbd888/corridor/internal/usdc"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyEscrowed     = errors.New("escrow already locked for this order")
	ErrOrderStatusChanged  = errors.New("order status changed since the request was issued")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoDebitRecord       = errors.New("order has no recorded escrow debit")
	ErrUnauthorized        = errors.New("not authorized for this order operation")
	ErrMaxExtensions       = errors.New("order has reached its extension limit")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Direction is the trade direction of an order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// PaymentMethod is how the fiat leg settles.
type PaymentMethod string

const (
	PaymentBank PaymentMethod = "bank"
	PaymentCash PaymentMethod = "cash"
)

// PaymentVia identifies which settlement rail carries the fiat leg.
type PaymentVia string

const (
	PaymentViaBank     PaymentVia = "bank"
	PaymentViaCorridor PaymentVia = "saed_corridor"
)

const (
	defaultUnacceptedTTL = 15 * time.Minute
	defaultAcceptedTTL   = 120 * time.Minute
	defaultExtension     = 30 * time.Minute
	maxExtensions        = 3
)

// Order is the central entity: a single P2P fiat<->stablecoin trade.
type Order struct {
	ID     string `json:"id"`
	Number string `json:"number"`

	UserID          string `json:"userId,omitempty"`
	MerchantID      string `json:"merchantId"`
	BuyerMerchantID string `json:"buyerMerchantId,omitempty"`
	OfferID         string `json:"offerId"`

	Direction     Direction     `json:"direction"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	PaymentVia    PaymentVia    `json:"paymentVia"`

	CryptoAmount   string `json:"cryptoAmount"`
	CryptoCurrency string `json:"cryptoCurrency"`
	FiatAmount     string `json:"fiatAmount"`
	FiatCurrency   string `json:"fiatCurrency"`
	Rate           string `json:"rate"`

	ProtocolFeePercent string `json:"protocolFeePercent,omitempty"`
	ProtocolFeeAmount  string `json:"protocolFeeAmount,omitempty"`

	Status statemachine.Status `json:"status"`

	CreatedAt          time.Time  `json:"createdAt"`
	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	EscrowedAt         *time.Time `json:"escrowedAt,omitempty"`
	PaymentSentAt      *time.Time `json:"paymentSentAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	ExpiredAt          *time.Time `json:"expiredAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	EscrowTxHash           string     `json:"escrowTxHash,omitempty"`
	EscrowProgramAddress   string     `json:"escrowProgramAddress,omitempty"`
	EscrowCreatorWallet    string     `json:"escrowCreatorWallet,omitempty"`
	EscrowTradeID          string     `json:"escrowTradeId,omitempty"`
	EscrowDebitedEntityType string    `json:"escrowDebitedEntityType,omitempty"`
	EscrowDebitedEntityID   string    `json:"escrowDebitedEntityId,omitempty"`
	EscrowDebitedAmount     string    `json:"escrowDebitedAmount,omitempty"`
	EscrowDebitedAt         *time.Time `json:"escrowDebitedAt,omitempty"`

	ReleaseTxHash string `json:"releaseTxHash,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`

	CancelledBy        string `json:"cancelledBy,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	ExtensionCount       int        `json:"extensionCount"`
	ExtensionRequestedBy string     `json:"extensionRequestedBy,omitempty"`
	ExtensionRequestedAt *time.Time `json:"extensionRequestedAt,omitempty"`
	ExtensionMinutes     int        `json:"extensionMinutes,omitempty"`

	DisputeReason           string `json:"disputeReason,omitempty"`
	DisputeProposedKind     string `json:"disputeProposedKind,omitempty"` // user | merchant | split
	DisputeSplitUserPct     int    `json:"disputeSplitUserPct,omitempty"`
	DisputeSplitMerchantPct int    `json:"disputeSplitMerchantPct,omitempty"`
	DisputeUserConfirmed    bool   `json:"disputeUserConfirmed,omitempty"`
	DisputeMerchantConfirmed bool  `json:"disputeMerchantConfirmed,omitempty"`

	CorridorFulfillmentID string `json:"corridorFulfillmentId,omitempty"`

	OrderVersion int `json:"orderVersion"`
}

// IsM2M reports whether this is a merchant-to-merchant order (no end user
// on either side).
func (o *Order) IsM2M() bool {
	return o.UserID == "" && o.MerchantID != "" && o.BuyerMerchantID != ""
}

// determineEscrowPayer resolves who funds the escrow lock, per §4.2:
// M2M -> the seller merchant; user<->merchant buy -> the merchant;
// user<->merchant sell -> the user.
func (o *Order) determineEscrowPayer() (entityType, entityID string) {
	if o.UserID == "" {
		// M2M: the order's creator-merchant sells into escrow.
		return "merchant", o.MerchantID
	}
	if o.Direction == DirectionBuy {
		return "merchant", o.MerchantID
	}
	return "user", o.UserID
}

// releaseRecipient resolves who is credited on release, per the concrete
// end-to-end scenarios in §8: buy -> buyerMerchant or user; sell ->
// buyerMerchant or merchant.
func (o *Order) releaseRecipient() (entityType, entityID string) {
	if o.BuyerMerchantID != "" {
		return "merchant", o.BuyerMerchantID
	}
	if o.Direction == DirectionBuy {
		return "user", o.UserID
	}
	return "merchant", o.MerchantID
}

// Store persists orders with row-level locking semantics: Mutate locks the
// target row for the duration of fn, so every multi-field update that must
// commit atomically (status, timestamps, version, escrow fields) goes
// through it exactly once.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Mutate locks the order row, loads it, invokes fn to mutate it in
	// place, and persists the result in the same transaction. fn's error
	// aborts the transaction and is returned as-is.
	Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

// OffersService abstracts offer liquidity reservation so orders doesn't
// need the concrete offers.Service type.
type OffersService interface {
	ReserveLiquidity(ctx context.Context, offerID, amount string) error
	RestoreLiquidity(ctx context.Context, offerID, amount string) error
}

// CorridorBridge abstracts the corridor engine's completion hook so orders
// doesn't need the concrete corridor.Service type, per spec §4.3's bridge
// step ("when an order with payment_via='saed_corridor' transitions to
// completed... credit the LP's sAED balance").
type CorridorBridge interface {
	BridgeOnCompletion(ctx context.Context, fulfillmentID string, now time.Time) error
}

// Publisher delivers a live order event to subscribed websocket clients.
// The notification outbox remains the durable retry path; this is the
// best-effort inline fan-out alongside it, per spec §4.8/§9.
type Publisher interface {
	Publish(event realtime.Event)
}

// Service implements order lifecycle business logic.
type Service struct {
	store     Store
	ledger    *ledger.Ledger
	offers    OffersService
	corridor  CorridorBridge
	realtime  Publisher
	batch     *batch.Writer
	clock     clock.Clock
	logger    *slog.Logger
	invariant *invariant.Verifier

	locks sync.Map // per-order-ID request-level serialization, layered atop the store's row lock
}

// New creates an order service. corridor may be nil if this deployment
// never routes orders through the corridor rail. rt may be nil in tests
// that don't exercise live subscription fan-out.
func New(store Store, lg *ledger.Ledger, offers OffersService, corridor CorridorBridge, rt Publisher, bw *batch.Writer, clk clock.Clock, logger *slog.Logger) *Service {
	s := &Service{store: store, ledger: lg, offers: offers, corridor: corridor, realtime: rt, batch: bw, clock: clk, logger: logger}
	s.invariant = invariant.New(s, logger)
	return s
}

// publish is a nil-safe wrapper so call sites don't each need the guard.
func (s *Service) publish(event realtime.Event) {
	if s.realtime == nil {
		return
	}
	s.realtime.Publish(event)
}

// realtimeEventType maps an order's resulting status to the subscription
// fabric's event vocabulary; unrecognized statuses fall back to a derived
// name rather than panicking, since new statuses shouldn't break publish.
func realtimeEventType(status statemachine.Status) realtime.EventType {
	switch status {
	case statemachine.StatusAccepted:
		return realtime.EventOrderAccepted
	case statemachine.StatusEscrowed:
		return realtime.EventOrderEscrowed
	case statemachine.StatusCompleted:
		return realtime.EventOrderReleased
	case statemachine.StatusCancelled:
		return realtime.EventOrderCancelled
	case statemachine.StatusExpired:
		return realtime.EventOrderExpired
	case statemachine.StatusDisputed:
		return realtime.EventOrderDisputed
	default:
		return realtime.EventType(strings.ToUpper(fmt.Sprintf("status_changed_to_%s", status)))
	}
}

// FetchOrderSnapshot implements invariant.Fetcher by re-reading the order
// fresh from the store, independent of whatever in-memory struct a
// mutating call already returned.
func (s *Service) FetchOrderSnapshot(ctx context.Context, orderID string) (invariant.Snapshot, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return invariant.Snapshot{}, err
	}
	return invariant.Snapshot{
		Status:        string(o.Status),
		OrderVersion:  o.OrderVersion,
		ReleaseTxHash: o.ReleaseTxHash,
		CancelledAt:   o.CancelledAt,
	}, nil
}

// LinkCorridorFulfillment attaches a corridor fulfillment to an order and
// switches its payment rail, per spec §4.3's "link back to the order with
// payment_via='saed_corridor', corridor_fulfillment_id=id".
func (s *Service) LinkCorridorFulfillment(ctx context.Context, orderID, fulfillmentID string) error {
	unlock := s.lockOrder(orderID)
	defer unlock()
	_, err := s.store.Mutate(ctx, orderID, func(o *Order) error {
		o.PaymentVia = PaymentViaCorridor
		o.CorridorFulfillmentID = fulfillmentID
		o.OrderVersion++
		o.UpdatedAt = s.clock.Now()
		return nil
	})
	return err
}

// UnlinkCorridorFulfillment detaches a timed-out fulfillment and reverts
// the order to the bank rail, per spec §4.3's timeout-refund protocol.
func (s *Service) UnlinkCorridorFulfillment(ctx context.Context, orderID string) error {
	unlock := s.lockOrder(orderID)
	defer unlock()
	_, err := s.store.Mutate(ctx, orderID, func(o *Order) error {
		o.PaymentVia = PaymentViaBank
		o.CorridorFulfillmentID = ""
		o.OrderVersion++
		o.UpdatedAt = s.clock.Now()
		return nil
	})
	return err
}

func (s *Service) orderLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	UserID          string
	MerchantID      string
	BuyerMerchantID string
	OfferID         string
	Direction       Direction
	PaymentMethod   PaymentMethod
	CryptoAmount    string
	CryptoCurrency  string
	FiatAmount      string
	FiatCurrency    string
	Rate            string
	ProtocolFeePct  string
	ProtocolFeeAmt  string
	EscrowTxHash    string // optional: escrow-first creation
}

// Create reserves offer liquidity and inserts a new order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if err := s.offers.ReserveLiquidity(ctx, req.OfferID, req.CryptoAmount); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	status := statemachine.StatusPending
	var escrowedAt *time.Time
	if req.EscrowTxHash != "" {
		status = statemachine.StatusEscrowed
		t := now
		escrowedAt = &t
	}
	expiresAt := now.Add(defaultUnacceptedTTL)

	o := &Order{
		ID:              idgen.WithPrefix("ord_"),
		Number:          shortNumber(),
		UserID:          req.UserID,
		MerchantID:      req.MerchantID,
		BuyerMerchantID: req.BuyerMerchantID,
		OfferID:         req.OfferID,
		Direction:       req.Direction,
		PaymentMethod:   req.PaymentMethod,
		PaymentVia:      PaymentViaBank,
		CryptoAmount:    req.CryptoAmount,
		CryptoCurrency:  req.CryptoCurrency,
		FiatAmount:      req.FiatAmount,
		FiatCurrency:    req.FiatCurrency,
		Rate:            req.Rate,
		ProtocolFeePercent: req.ProtocolFeePct,
		ProtocolFeeAmount:  req.ProtocolFeeAmt,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       &expiresAt,
		EscrowedAt:      escrowedAt,
		EscrowTxHash:    req.EscrowTxHash,
		OrderVersion:    1,
	}

	if err := s.store.Create(ctx, o); err != nil {
		_ = s.offers.RestoreLiquidity(ctx, req.OfferID, req.CryptoAmount)
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: o.ID, EventType: "order_created",
		ActorType: string(actorForCreator(o)), ActorID: creatorID(o), CreatedAt: now,
	})
	s.batch.AddOutboxRow(batch.OutboxRow{
		ID: idgen.WithPrefix("nob_"), RecipientType: "market", RecipientID: "*",
		EventType: "ORDER_CREATED", Payload: o.ID, CreatedAt: now,
	})
	s.publish(realtime.Event{
		Type: realtime.EventOrderCreated, Timestamp: now, OrderID: o.ID,
		UserID: o.UserID, MerchantID: o.MerchantID, BuyerMerchantID: o.BuyerMerchantID,
	})
	metrics.OrdersCreatedTotal.WithLabelValues(string(o.Direction)).Inc()

	return o, nil
}

func actorForCreator(o *Order) statemachine.Actor {
	if o.UserID != "" {
		return statemachine.ActorUser
	}
	return statemachine.ActorMerchant
}

func creatorID(o *Order) string {
	if o.UserID != "" {
		return o.UserID
	}
	return o.MerchantID
}

func shortNumber() string {
	return strings.ToUpper(idgen.Hex(4))
}

// TransitionRequest drives a state transition.
type TransitionRequest struct {
	OrderID      string
	To           statemachine.Status
	Actor        statemachine.ActorRef
	Reason       string
	AcceptorWallet string
	Metadata     string
}

// Transition drives the order through the state machine, per §4.2.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	unlock := s.lockOrder(req.OrderID)
	defer unlock()

	var from statemachine.Status
	var restoreLiquidity bool
	var offerID, cryptoAmount string
	var terminal bool

	updated, err := s.store.Mutate(ctx, req.OrderID, func(o *Order) error {
		from = o.Status
		tc := statemachine.TransitionContext{
			Actor:           req.Actor,
			UserID:          o.UserID,
			MerchantID:      o.MerchantID,
			BuyerMerchantID: o.BuyerMerchantID,
			EscrowLocked:    o.EscrowTxHash != "",
			ReleaseTxHash:   o.ReleaseTxHash,
			IsM2M:           o.IsM2M(),
		}
		result := statemachine.ValidateTransition(from, req.To, tc)
		if !result.Valid {
			return classifyTransitionError(result.Error)
		}

		// Acceptance claiming, per §9: the escrow creator stays merchantId;
		// the acceptor becomes buyerMerchantId. Only applies when a second
		// merchant actor is accepting.
		if req.To == statemachine.StatusAccepted && req.Actor.Type == statemachine.ActorMerchant && req.Actor.ID != o.MerchantID {
			o.BuyerMerchantID = req.Actor.ID
		}

		effective := req.To
		if from == statemachine.StatusEscrowed && req.To == statemachine.StatusAccepted {
			effective = statemachine.StatusEscrowed // acceptance does not regress
		}

		now := s.clock.Now()
		applyTransitionTimestamps(o, effective, now, req)

		o.Status = effective
		o.OrderVersion++
		o.UpdatedAt = now

		restoreLiquidity = statemachine.ShouldRestoreLiquidity(from, effective)
		offerID, cryptoAmount = o.OfferID, o.CryptoAmount
		terminal = statemachine.IsTerminal(effective)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if restoreLiquidity {
		if rerr := s.offers.RestoreLiquidity(ctx, offerID, cryptoAmount); rerr != nil {
			s.logger.Error("restore liquidity failed", "order_id", req.OrderID, "offer_id", offerID, "error", rerr)
		}
	}

	s.enqueueTransitionSideEffects(updated, from, req, terminal)
	metrics.OrderTransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
	if updated.Status == statemachine.StatusCompleted && updated.CompletedAt != nil {
		metrics.OrderSettlementDuration.Observe(updated.CompletedAt.Sub(updated.CreatedAt).Seconds())
	}
	return updated, nil
}

func classifyTransitionError(code string) error {
	switch {
	case code == "ORDER_ALREADY_TERMINAL" || strings.HasPrefix(code, "INVALID_TRANSITION") || strings.HasPrefix(code, "transient status") || strings.HasPrefix(code, "unknown target") || code == "CANNOT_COMPLETE_WITHOUT_RELEASE":
		return fmt.Errorf("%w: %s", ErrInvalidTransition, code)
	case strings.HasPrefix(code, "UNAUTHORIZED"):
		return fmt.Errorf("%w: %s", ErrUnauthorized, code)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, code)
	}
}

func applyTransitionTimestamps(o *Order, to statemachine.Status, now time.Time, req TransitionRequest) {
	switch to {
	case statemachine.StatusAccepted:
		o.AcceptedAt = &now
		expires := now.Add(defaultAcceptedTTL)
		o.ExpiresAt = &expires
	case statemachine.StatusEscrowed:
		if o.EscrowedAt == nil {
			o.EscrowedAt = &now
		}
	case statemachine.StatusPaymentSent:
		o.PaymentSentAt = &now
	case statemachine.StatusPaymentConfirmed:
		o.PaymentConfirmedAt = &now
	case statemachine.StatusCompleted:
		o.CompletedAt = &now
		if o.PaymentConfirmedAt == nil {
			o.PaymentConfirmedAt = &now
		}
	case statemachine.StatusCancelled:
		o.CancelledAt = &now
		o.CancelledBy = req.Actor.ID
		o.CancellationReason = req.Reason
	case statemachine.StatusExpired:
		o.ExpiredAt = &now
	case statemachine.StatusDisputed:
		o.DisputeReason = req.Reason
	}
}

func (s *Service) enqueueTransitionSideEffects(o *Order, from statemachine.Status, req TransitionRequest, terminal bool) {
	now := s.clock.Now()
	eventType := statemachine.GetTransitionEventType(from, o.Status)
	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: o.ID, EventType: eventType,
		ActorType: string(req.Actor.Type), ActorID: req.Actor.ID,
		Metadata: req.Metadata, CreatedAt: now,
	})
	s.batch.AddOutboxRow(batch.OutboxRow{
		ID: idgen.WithPrefix("nob_"), RecipientType: "order", RecipientID: o.ID,
		EventType: strings.ToUpper(eventType), Payload: o.ID, CreatedAt: now,
	})
	s.publish(realtime.Event{
		Type: realtimeEventType(o.Status), Timestamp: now, OrderID: o.ID,
		UserID: o.UserID, MerchantID: o.MerchantID, BuyerMerchantID: o.BuyerMerchantID,
	})

	if terminal {
		for _, party := range terminalParties(o) {
			change, reason := reputationDelta(o.Status)
			s.batch.AddReputationEvent(batch.ReputationEvent{
				ID: idgen.WithPrefix("rep_"), EntityID: party.id, EntityType: party.kind,
				EventType: string(o.Status), ScoreChange: change, Reason: reason, CreatedAt: now,
			})
		}
	}
}

type party struct{ kind, id string }

func terminalParties(o *Order) []party {
	var out []party
	if o.UserID != "" {
		out = append(out, party{"user", o.UserID})
	}
	if o.MerchantID != "" {
		out = append(out, party{"merchant", o.MerchantID})
	}
	if o.BuyerMerchantID != "" {
		out = append(out, party{"merchant", o.BuyerMerchantID})
	}
	return out
}

func reputationDelta(status statemachine.Status) (int, string) {
	switch status {
	case statemachine.StatusCompleted:
		return 5, "order_completed"
	case statemachine.StatusCancelled:
		return -2, "order_cancelled"
	case statemachine.StatusDisputed, statemachine.StatusExpired:
		return -5, "order_" + string(status)
	default:
		return 0, ""
	}
}

// EscrowLockRequest locks the payer's funds and marks an order escrowed.
type EscrowLockRequest struct {
	OrderID              string
	TxHash               string
	Actor                statemachine.ActorRef
	EscrowProgramAddress string
	EscrowCreatorWallet  string
	EscrowTradeID        string
	MockMode             bool
}

// EscrowLock locks the determined payer's balance and transitions the
// order to escrowed, per §4.2.
func (s *Service) EscrowLock(ctx context.Context, req EscrowLockRequest) (*Order, error) {
	unlock := s.lockOrder(req.OrderID)
	defer unlock()

	current, err := s.store.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if current.EscrowTxHash != "" {
		return nil, ErrAlreadyEscrowed
	}
	tc := statemachine.TransitionContext{
		Actor: req.Actor, UserID: current.UserID, MerchantID: current.MerchantID,
		BuyerMerchantID: current.BuyerMerchantID, IsM2M: current.IsM2M(),
	}
	if result := statemachine.ValidateTransition(current.Status, statemachine.StatusEscrowed, tc); !result.Valid {
		if current.Status != statemachine.StatusEscrowed {
			return nil, ErrOrderStatusChanged
		}
	}

	entityType, entityID := current.determineEscrowPayer()

	if req.MockMode {
		ok, err := s.ledger.CanAfford(ctx, entityID, ledger.AssetUSDT, current.CryptoAmount)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInsufficientBalance
		}
		if err := s.ledger.EscrowLock(ctx, entityID, ledger.AssetUSDT, current.CryptoAmount, current.ID); err != nil {
			return nil, fmt.Errorf("lock escrow funds: %w", err)
		}
	}

	updated, err := s.store.Mutate(ctx, req.OrderID, func(o *Order) error {
		if o.EscrowTxHash != "" {
			return ErrAlreadyEscrowed
		}
		now := s.clock.Now()
		o.Status = statemachine.StatusEscrowed
		o.EscrowTxHash = req.TxHash
		o.EscrowProgramAddress = req.EscrowProgramAddress
		o.EscrowCreatorWallet = req.EscrowCreatorWallet
		o.EscrowTradeID = req.EscrowTradeID
		o.EscrowedAt = &now
		o.EscrowDebitedEntityType = entityType
		o.EscrowDebitedEntityID = entityID
		o.EscrowDebitedAmount = o.CryptoAmount
		o.EscrowDebitedAt = &now
		expires := now.Add(defaultAcceptedTTL)
		o.ExpiresAt = &expires
		o.OrderVersion++
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		if req.MockMode {
			_ = s.ledger.RefundEscrow(ctx, entityID, ledger.AssetUSDT, current.CryptoAmount, current.ID)
		}
		return nil, err
	}

	now := s.clock.Now()
	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: updated.ID, EventType: "status_changed_to_escrowed",
		ActorType: string(req.Actor.Type), ActorID: req.Actor.ID, CreatedAt: now,
	})
	s.batch.AddOutboxRow(batch.OutboxRow{
		ID: idgen.WithPrefix("nob_"), RecipientType: "order", RecipientID: updated.ID,
		EventType: "ESCROW_LOCKED", Payload: updated.ID, CreatedAt: now,
	})
	s.publish(realtime.Event{
		Type: realtime.EventOrderEscrowed, Timestamp: now, OrderID: updated.ID,
		UserID: updated.UserID, MerchantID: updated.MerchantID, BuyerMerchantID: updated.BuyerMerchantID,
	})
	return updated, nil
}

// Release marks an order completed after the buyer's payment is confirmed
// on-chain, crediting the recipient in mock mode.
func (s *Service) Release(ctx context.Context, orderID, txHash string, mockMode bool) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	current, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if statemachine.IsTerminal(current.Status) {
		return nil, fmt.Errorf("%w: ORDER_ALREADY_TERMINAL", ErrInvalidTransition)
	}

	if mockMode {
		payerType, payerID := current.determineEscrowPayer()
		recipientType, recipientID := current.releaseRecipient()
		_, _ = payerType, recipientType
		if err := s.ledger.ReleaseEscrow(ctx, payerID, recipientID, ledger.AssetUSDT, current.CryptoAmount, current.ID); err != nil {
			return nil, fmt.Errorf("release escrow funds: %w", err)
		}
	}

	if current.PaymentVia == PaymentViaCorridor && current.CorridorFulfillmentID != "" && s.corridor != nil {
		if err := s.corridor.BridgeOnCompletion(ctx, current.CorridorFulfillmentID, s.clock.Now()); err != nil {
			return nil, fmt.Errorf("corridor bridge on completion: %w", err)
		}
	}

	updated, err := s.store.Mutate(ctx, orderID, func(o *Order) error {
		if statemachine.IsTerminal(o.Status) {
			return fmt.Errorf("%w: ORDER_ALREADY_TERMINAL", ErrInvalidTransition)
		}
		now := s.clock.Now()
		o.Status = statemachine.StatusCompleted
		o.ReleaseTxHash = txHash
		o.CompletedAt = &now
		if o.PaymentConfirmedAt == nil {
			o.PaymentConfirmedAt = &now
		}
		o.OrderVersion++
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: updated.ID, EventType: "status_changed_to_completed",
		ActorType: "system", ActorID: "release", CreatedAt: now,
	})
	s.batch.AddOutboxRow(batch.OutboxRow{
		ID: idgen.WithPrefix("nob_"), RecipientType: "order", RecipientID: updated.ID,
		EventType: "ORDER_RELEASED", Payload: updated.ID, CreatedAt: now,
	})
	s.publish(realtime.Event{
		Type: realtime.EventOrderReleased, Timestamp: now, OrderID: updated.ID,
		UserID: updated.UserID, MerchantID: updated.MerchantID, BuyerMerchantID: updated.BuyerMerchantID,
	})
	for _, p := range terminalParties(updated) {
		s.batch.AddReputationEvent(batch.ReputationEvent{
			ID: idgen.WithPrefix("rep_"), EntityID: p.id, EntityType: p.kind,
			EventType: "completed", ScoreChange: 5, Reason: "order_completed", CreatedAt: now,
		})
	}
	s.invariant.VerifyRelease(ctx, invariant.ReleaseExpectation{
		OrderID: updated.ID, ExpectedTxHash: updated.ReleaseTxHash, ExpectedMinVersion: updated.OrderVersion,
	})
	return updated, nil
}

// CancelWithRefund is the dedicated atomic path for cancelling an
// escrow-locked order: it must refund the exact recorded escrow-debit
// payer, per §4.2.
func (s *Service) CancelWithRefund(ctx context.Context, orderID string, actor statemachine.ActorRef, reason, refundTxHash string) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	current, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.EscrowDebitedEntityID == "" {
		return nil, ErrNoDebitRecord
	}
	tc := statemachine.TransitionContext{
		Actor: actor, UserID: current.UserID, MerchantID: current.MerchantID,
		BuyerMerchantID: current.BuyerMerchantID, EscrowLocked: true,
	}
	if result := statemachine.ValidateTransition(current.Status, statemachine.StatusCancelled, tc); !result.Valid {
		return nil, classifyTransitionError(result.Error)
	}

	if err := s.ledger.RefundEscrow(ctx, current.EscrowDebitedEntityID, ledger.AssetUSDT, current.EscrowDebitedAmount, current.ID); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}

	var restoreLiquidity bool
	var offerID, cryptoAmount string
	updated, err := s.store.Mutate(ctx, orderID, func(o *Order) error {
		from := o.Status
		now := s.clock.Now()
		o.Status = statemachine.StatusCancelled
		o.CancelledAt = &now
		o.CancelledBy = actor.ID
		o.CancellationReason = reason
		if refundTxHash != "" {
			o.RefundTxHash = refundTxHash
		}
		o.OrderVersion++
		o.UpdatedAt = now
		restoreLiquidity = statemachine.ShouldRestoreLiquidity(from, statemachine.StatusCancelled)
		offerID, cryptoAmount = o.OfferID, o.CryptoAmount
		return nil
	})
	if err != nil {
		// Compensate: re-lock the refunded funds since the order mutation failed.
		_ = s.ledger.EscrowLock(ctx, current.EscrowDebitedEntityID, ledger.AssetUSDT, current.EscrowDebitedAmount, current.ID)
		return nil, err
	}

	if restoreLiquidity {
		if rerr := s.offers.RestoreLiquidity(ctx, offerID, cryptoAmount); rerr != nil {
			s.logger.Error("restore liquidity failed", "order_id", orderID, "error", rerr)
		}
	}

	now := s.clock.Now()
	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: updated.ID, EventType: "status_changed_to_cancelled",
		ActorType: string(actor.Type), ActorID: actor.ID, Metadata: reason, CreatedAt: now,
	})
	s.batch.AddOutboxRow(batch.OutboxRow{
		ID: idgen.WithPrefix("nob_"), RecipientType: "order", RecipientID: updated.ID,
		EventType: "ORDER_CANCELLED", Payload: updated.ID, CreatedAt: now,
	})
	s.publish(realtime.Event{
		Type: realtime.EventOrderCancelled, Timestamp: now, OrderID: updated.ID,
		UserID: updated.UserID, MerchantID: updated.MerchantID, BuyerMerchantID: updated.BuyerMerchantID,
	})
	for _, p := range terminalParties(updated) {
		s.batch.AddReputationEvent(batch.ReputationEvent{
			ID: idgen.WithPrefix("rep_"), EntityID: p.id, EntityType: p.kind,
			EventType: "cancelled", ScoreChange: -2, Reason: "order_cancelled", CreatedAt: now,
		})
	}
	if verr := s.invariant.VerifyRefund(ctx, invariant.RefundExpectation{
		OrderID: updated.ID, ExpectedMinVersion: updated.OrderVersion,
	}); verr != nil {
		return updated, verr
	}
	return updated, nil
}

// Extend increases an order's expiry deadline by minutes (default 30),
// refusing once the per-order extension cap is reached.
func (s *Service) Extend(ctx context.Context, orderID, requestedBy string, minutes int) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	if minutes <= 0 {
		minutes = int(defaultExtension.Minutes())
	}

	return s.store.Mutate(ctx, orderID, func(o *Order) error {
		if o.ExtensionCount >= maxExtensions {
			return ErrMaxExtensions
		}
		now := s.clock.Now()
		base := now
		if o.ExpiresAt != nil && o.ExpiresAt.After(now) {
			base = *o.ExpiresAt
		}
		newExpiry := base.Add(time.Duration(minutes) * time.Minute)
		o.ExpiresAt = &newExpiry
		o.ExtensionCount++
		o.ExtensionRequestedBy = requestedBy
		o.ExtensionRequestedAt = &now
		o.ExtensionMinutes = minutes
		o.OrderVersion++
		o.UpdatedAt = now
		return nil
	})
}

// OpenDispute transitions an order to disputed and records the reason.
func (s *Service) OpenDispute(ctx context.Context, orderID string, actor statemachine.ActorRef, reason string) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	return s.store.Mutate(ctx, orderID, func(o *Order) error {
		tc := statemachine.TransitionContext{
			Actor: actor, UserID: o.UserID, MerchantID: o.MerchantID,
			BuyerMerchantID: o.BuyerMerchantID, EscrowLocked: o.EscrowTxHash != "",
		}
		result := statemachine.ValidateTransition(o.Status, statemachine.StatusDisputed, tc)
		if !result.Valid {
			return classifyTransitionError(result.Error)
		}
		now := s.clock.Now()
		o.Status = statemachine.StatusDisputed
		o.DisputeReason = reason
		o.OrderVersion++
		o.UpdatedAt = now
		return nil
	})
}

// ProposeDisputeResolution records a proposed split and the proposer's
// confirmation; resolution kinds user/merchant are sugar for a 100/0 or
// 0/100 split.
func (s *Service) ProposeDisputeResolution(ctx context.Context, orderID string, actor statemachine.ActorRef, kind string, userPct, merchantPct int) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	switch kind {
	case "user":
		userPct, merchantPct = 100, 0
	case "merchant":
		userPct, merchantPct = 0, 100
	case "split":
		if userPct == 0 && merchantPct == 0 {
			userPct, merchantPct = 50, 50
		}
	}

	return s.store.Mutate(ctx, orderID, func(o *Order) error {
		if o.Status != statemachine.StatusDisputed {
			return fmt.Errorf("%w: order is not disputed", ErrInvalidTransition)
		}
		o.DisputeProposedKind = kind
		o.DisputeSplitUserPct = userPct
		o.DisputeSplitMerchantPct = merchantPct
		if actor.Type == statemachine.ActorUser {
			o.DisputeUserConfirmed = true
		} else if actor.Type == statemachine.ActorMerchant {
			o.DisputeMerchantConfirmed = true
		}
		o.OrderVersion++
		o.UpdatedAt = s.clock.Now()
		return nil
	})
}

// ConfirmDisputeResolution records the counterparty's confirmation and, once
// both parties have confirmed, credits the split and finalizes the order.
func (s *Service) ConfirmDisputeResolution(ctx context.Context, orderID string, actor statemachine.ActorRef) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	current, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != statemachine.StatusDisputed {
		return nil, fmt.Errorf("%w: order is not disputed", ErrInvalidTransition)
	}

	if actor.Type == statemachine.ActorUser {
		current.DisputeUserConfirmed = true
	} else if actor.Type == statemachine.ActorMerchant {
		current.DisputeMerchantConfirmed = true
	}

	if !(current.DisputeUserConfirmed && current.DisputeMerchantConfirmed) {
		return s.store.Mutate(ctx, orderID, func(o *Order) error {
			if actor.Type == statemachine.ActorUser {
				o.DisputeUserConfirmed = true
			} else if actor.Type == statemachine.ActorMerchant {
				o.DisputeMerchantConfirmed = true
			}
			o.OrderVersion++
			o.UpdatedAt = s.clock.Now()
			return nil
		})
	}

	// Both parties confirmed: credit the split from the recorded escrow
	// debit, then finalize in one mutation.
	total := current.EscrowDebitedAmount
	if total == "" {
		total = current.CryptoAmount
	}
	userShare, merchantShare := splitAmount(total, current.DisputeSplitUserPct, current.DisputeSplitMerchantPct)

	payerID := current.EscrowDebitedEntityID
	if payerID == "" {
		payerID = current.MerchantID
	}
	if userShare != "" && userShare != "0.000000" && current.UserID != "" && current.UserID != payerID {
		if err := s.ledger.Transfer(ctx, payerID, current.UserID, ledger.AssetUSDT, userShare, current.ID); err != nil {
			return nil, fmt.Errorf("credit user dispute share: %w", err)
		}
	}
	if merchantShare != "" && merchantShare != "0.000000" {
		recipient := current.MerchantID
		if current.BuyerMerchantID != "" {
			recipient = current.BuyerMerchantID
		}
		if recipient != payerID {
			if err := s.ledger.Transfer(ctx, payerID, recipient, ledger.AssetUSDT, merchantShare, current.ID); err != nil {
				return nil, fmt.Errorf("credit merchant dispute share: %w", err)
			}
		}
	}

	finalStatus := statemachine.StatusCompleted
	if current.DisputeSplitUserPct == 100 {
		finalStatus = statemachine.StatusCancelled
	}

	updated, err := s.store.Mutate(ctx, orderID, func(o *Order) error {
		now := s.clock.Now()
		o.Status = finalStatus
		o.OrderVersion++
		o.UpdatedAt = now
		if finalStatus == statemachine.StatusCompleted {
			o.CompletedAt = &now
		} else {
			o.CancelledAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.batch.AddOrderEvent(batch.OrderEvent{
		ID: idgen.WithPrefix("oev_"), OrderID: updated.ID, EventType: "dispute_resolved",
		ActorType: string(actor.Type), ActorID: actor.ID, CreatedAt: now,
	})
	return updated, nil
}

func splitAmount(total string, userPct, merchantPct int) (userShare, merchantShare string) {
	amt, ok := usdc.Parse(total)
	if !ok {
		return "", ""
	}
	return percentOf(amt, userPct), percentOf(amt, merchantPct)
}

// percentOf floors amt*pct/100, matching the conversion engine's no-value-
// creation rounding rule.
func percentOf(amt *big.Int, pct int) string {
	if pct <= 0 {
		return "0.000000"
	}
	product := new(big.Int).Mul(amt, big.NewInt(int64(pct)))
	result := new(big.Int).Div(product, big.NewInt(100))
	return usdc.Format(result)
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ExpireBatch expires up to limit stale orders, per §4.6. It is called by
// the expiry worker's poll loop.
func (s *Service) ExpireBatch(ctx context.Context, limit int) (int, error) {
	candidates, err := s.store.ListExpirable(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, c := range candidates {
		target := statemachine.StatusExpired
		if statemachine.IsTerminal(c.Status) {
			continue
		}
		if c.Status != statemachine.StatusPending && c.EscrowTxHash != "" {
			target = statemachine.StatusDisputed
		} else if c.Status != statemachine.StatusPending {
			target = statemachine.StatusCancelled
		}
		if _, err := s.Transition(ctx, TransitionRequest{
			OrderID: c.ID, To: target,
			Actor:  statemachine.ActorRef{Type: statemachine.ActorSystem, ID: "expiry_worker"},
			Reason: "expired",
		}); err != nil {
			s.logger.Error("expire order failed", "order_id", c.ID, "error", err)
			continue
		}
		count++
		metrics.OrderExpiredTotal.Inc()
	}
	return count, nil
}

func (s *Service) lockOrder(id string) func() {
	mu := s.orderLock(id)
	mu.Lock()
	return mu.Unlock
}
