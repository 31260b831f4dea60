package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/corridor/internal/invariant"
	"github.com/mbd888/corridor/internal/offers"
	"github.com/mbd888/corridor/internal/statemachine"
	"github.com/mbd888/corridor/internal/validation"
)

// Handler provides HTTP endpoints for order operations, mirroring the
// teacher's escrow.Handler shape.
type Handler struct {
	service  *Service
	mockMode bool
}

// NewHandler creates a new orders handler. mockMode enables off-chain
// balance mutation on escrow lock/release, per spec's MOCK_MODE config.
func NewHandler(service *Service, mockMode bool) *Handler {
	return &Handler{service: service, mockMode: mockMode}
}

// RegisterRoutes wires every route spec §6 names for the order engine.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.Get)
	r.POST("/orders", h.Create)
	r.POST("/merchant/orders", h.CreateMerchant)
	r.PATCH("/orders/:id", h.Transition)
	r.DELETE("/orders/:id", h.Cancel)
	r.POST("/orders/:id/events", h.FinalizationEvent)
	r.POST("/orders/:id/escrow", h.EscrowLock)
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.POST("/orders/:id/dispute/confirm", h.ConfirmDispute)
	r.POST("/orders/expire", h.ExpireBatch)
}

func actorFromHeaders(c *gin.Context) statemachine.ActorRef {
	t := c.GetHeader("x-actor-type")
	id := c.GetHeader("x-actor-id")
	if t == "" {
		t = c.Query("actor_type")
	}
	if id == "" {
		id = c.Query("actor_id")
	}
	return statemachine.ActorRef{Type: statemachine.Actor(t), ID: id}
}

func (h *Handler) writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ErrAlreadyEscrowed), errors.Is(err, ErrOrderStatusChanged):
		status, code = http.StatusConflict, err.Error()
	case errors.Is(err, offers.ErrInsufficientLiquidity):
		status, code = http.StatusConflict, "insufficient_liquidity"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoDebitRecord), errors.Is(err, ErrMaxExtensions), errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_state"
	case errors.Is(err, invariant.ErrRefundInvariantFailed):
		status, code = http.StatusInternalServerError, "ORDER_REFUND_INVARIANT_FAILED"
	default:
	}
	c.JSON(status, gin.H{"success": false, "error": code, "message": err.Error()})
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

type createOrderRequest struct {
	UserID          string `json:"userId"`
	MerchantID      string `json:"merchantId"`
	BuyerMerchantID string `json:"buyerMerchantId"`
	OfferID         string `json:"offerId" binding:"required"`
	Direction       string `json:"direction" binding:"required"`
	PaymentMethod   string `json:"paymentMethod" binding:"required"`
	CryptoAmount    string `json:"cryptoAmount" binding:"required"`
	CryptoCurrency  string `json:"cryptoCurrency"`
	FiatAmount      string `json:"fiatAmount" binding:"required"`
	FiatCurrency    string `json:"fiatCurrency"`
	Rate            string `json:"rate" binding:"required"`
	ProtocolFeePct  string `json:"protocolFeePercent"`
	ProtocolFeeAmt  string `json:"protocolFeeAmount"`
	EscrowTxHash    string `json:"escrowTxHash"`
}

func (h *Handler) createFromRequest(c *gin.Context, requireMerchant bool) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	if requireMerchant && req.MerchantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "merchantId is required"})
		return
	}

	if errs := validation.Validate(
		validation.Required("offerId", req.OfferID),
		validation.OneOf("direction", req.Direction, string(DirectionBuy), string(DirectionSell)),
		validation.OneOf("paymentMethod", req.PaymentMethod, string(PaymentBank), string(PaymentCash)),
		validation.ValidAmount("cryptoAmount", req.CryptoAmount),
		validation.ValidAmount("fiatAmount", req.FiatAmount),
		validation.ValidAmount("rate", req.Rate),
		validation.ValidCurrencyCode("cryptoCurrency", req.CryptoCurrency),
		validation.ValidCurrencyCode("fiatCurrency", req.FiatCurrency),
		validation.ValidTxHash("escrowTxHash", req.EscrowTxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_failed", "message": errs.Error(), "fields": errs})
		return
	}

	o, err := h.service.Create(c.Request.Context(), CreateRequest{
		UserID: req.UserID, MerchantID: req.MerchantID, BuyerMerchantID: req.BuyerMerchantID,
		OfferID: req.OfferID, Direction: Direction(req.Direction), PaymentMethod: PaymentMethod(req.PaymentMethod),
		CryptoAmount: req.CryptoAmount, CryptoCurrency: req.CryptoCurrency,
		FiatAmount: req.FiatAmount, FiatCurrency: req.FiatCurrency, Rate: req.Rate,
		ProtocolFeePct: req.ProtocolFeePct, ProtocolFeeAmt: req.ProtocolFeeAmt, EscrowTxHash: req.EscrowTxHash,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": o})
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) { h.createFromRequest(c, false) }

// CreateMerchant handles POST /v1/merchant/orders
func (h *Handler) CreateMerchant(c *gin.Context) { h.createFromRequest(c, true) }

type transitionRequest struct {
	Status         string `json:"status" binding:"required"`
	Reason         string `json:"reason"`
	AcceptorWallet string `json:"acceptorWallet"`
	Metadata       string `json:"metadata"`
}

// Transition handles PATCH /v1/orders/:id
func (h *Handler) Transition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	o, err := h.service.Transition(c.Request.Context(), TransitionRequest{
		OrderID: c.Param("id"), To: statemachine.Status(req.Status), Actor: actorFromHeaders(c),
		Reason: req.Reason, AcceptorWallet: req.AcceptorWallet, Metadata: req.Metadata,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

// Cancel handles DELETE /v1/orders/:id?actor_type&actor_id&reason
func (h *Handler) Cancel(c *gin.Context) {
	actor := actorFromHeaders(c)
	reason := c.Query("reason")

	current, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeErr(c, err)
		return
	}

	if current.EscrowTxHash != "" {
		o, err := h.service.CancelWithRefund(c.Request.Context(), c.Param("id"), actor, reason, "")
		if err != nil {
			h.writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
		return
	}

	o, err := h.service.Transition(c.Request.Context(), TransitionRequest{
		OrderID: c.Param("id"), To: statemachine.StatusCancelled, Actor: actor, Reason: reason,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

type finalizationRequest struct {
	EventType string `json:"event_type" binding:"required"`
	TxHash    string `json:"tx_hash"`
	Reason    string `json:"reason"`
}

// FinalizationEvent handles POST /v1/orders/:id/events
func (h *Handler) FinalizationEvent(c *gin.Context) {
	var req finalizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}

	switch req.EventType {
	case "release":
		o, err := h.service.Release(c.Request.Context(), c.Param("id"), req.TxHash, h.mockMode)
		if err != nil {
			h.writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
	case "refund":
		actor := actorFromHeaders(c)
		o, err := h.service.CancelWithRefund(c.Request.Context(), c.Param("id"), actor, req.Reason, req.TxHash)
		if err != nil {
			h.writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "event_type must be release or refund"})
	}
}

type escrowLockRequest struct {
	TxHash               string `json:"txHash" binding:"required"`
	EscrowProgramAddress string `json:"escrowProgramAddress"`
	EscrowCreatorWallet  string `json:"escrowCreatorWallet"`
	EscrowTradeID        string `json:"escrowTradeId"`
}

// EscrowLock handles POST /v1/orders/:id/escrow
func (h *Handler) EscrowLock(c *gin.Context) {
	var req escrowLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidTxHash("txHash", req.TxHash),
		validation.ValidHexAddress("escrowProgramAddress", req.EscrowProgramAddress),
		validation.ValidHexAddress("escrowCreatorWallet", req.EscrowCreatorWallet),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_failed", "message": errs.Error(), "fields": errs})
		return
	}
	o, err := h.service.EscrowLock(c.Request.Context(), EscrowLockRequest{
		OrderID: c.Param("id"), TxHash: req.TxHash, Actor: actorFromHeaders(c),
		EscrowProgramAddress: req.EscrowProgramAddress, EscrowCreatorWallet: req.EscrowCreatorWallet,
		EscrowTradeID: req.EscrowTradeID, MockMode: h.mockMode,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	o, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actorFromHeaders(c), req.Reason)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

type disputeConfirmRequest struct {
	Kind          string `json:"kind"` // user | merchant | split; first call of a pair proposes
	UserPct       int    `json:"userPct"`
	MerchantPct   int    `json:"merchantPct"`
}

// ConfirmDispute handles POST /v1/orders/:id/dispute/confirm
func (h *Handler) ConfirmDispute(c *gin.Context) {
	var req disputeConfirmRequest
	_ = c.ShouldBindJSON(&req)
	actor := actorFromHeaders(c)

	if req.Kind != "" {
		if _, err := h.service.ProposeDisputeResolution(c.Request.Context(), c.Param("id"), actor, req.Kind, req.UserPct, req.MerchantPct); err != nil {
			h.writeErr(c, err)
			return
		}
	}

	o, err := h.service.ConfirmDisputeResolution(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": o})
}

// ExpireBatch handles POST /v1/orders/expire
func (h *Handler) ExpireBatch(c *gin.Context) {
	limit := 20
	count, err := h.service.ExpireBatch(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"expired": count}})
}
