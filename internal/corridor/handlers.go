package corridor

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/pagination"
	"github.com/mbd888/corridor/internal/validation"
)

// Handler exposes the corridor engine over HTTP, mirroring the teacher's
// escrow.Handler shape.
type Handler struct {
	service *Service
	clock   clock.Clock
}

// NewHandler creates a corridor handler.
func NewHandler(service *Service, clk clock.Clock) *Handler {
	return &Handler{service: service, clock: clk}
}

// RegisterRoutes wires the routes spec §6 names for the corridor engine.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/corridor/match", h.Match)
	r.PATCH("/corridor/fulfillments/:id", h.MarkPaymentSent)
	r.GET("/corridor/fulfillments", h.ListByProvider)
	r.GET("/corridor/providers", h.GetProvider)
	r.POST("/corridor/providers", h.UpsertProvider)
	r.GET("/corridor/availability", h.Availability)
}

func (h *Handler) writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrFulfillmentNotFound), errors.Is(err, ErrProviderNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInsufficientSAED), errors.Is(err, ErrBuyerNotFound):
		status, code = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNoLPAvailable):
		status, code = http.StatusConflict, "no_lp_available"
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_state"
	default:
	}
	c.JSON(status, gin.H{"success": false, "error": code, "message": err.Error()})
}

type matchRequest struct {
	OrderID    string `json:"orderId" binding:"required"`
	BuyerID    string `json:"buyerId" binding:"required"`
	SellerID   string `json:"sellerId"`
	FiatAmount string `json:"fiatAmount" binding:"required"`
}

// Match handles POST /v1/corridor/match
func (h *Handler) Match(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("buyerId", req.BuyerID),
		validation.ValidAmount("fiatAmount", req.FiatAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_failed", "message": errs.Error(), "fields": errs})
		return
	}

	f, err := h.service.Match(c.Request.Context(), MatchRequest{
		OrderID: req.OrderID, BuyerID: req.BuyerID, SellerID: req.SellerID,
		FiatAmount: req.FiatAmount, Now: h.clock.Now(),
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": f})
}

type markPaymentSentRequest struct {
	ProviderMerchantID string `json:"providerMerchantId" binding:"required"`
}

// MarkPaymentSent handles PATCH /v1/corridor/fulfillments/:id
func (h *Handler) MarkPaymentSent(c *gin.Context) {
	var req markPaymentSentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	f, err := h.service.MarkPaymentSent(c.Request.Context(), c.Param("id"), req.ProviderMerchantID, h.clock.Now())
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": f})
}

// ListByProvider handles GET /v1/corridor/fulfillments?provider_merchant_id=&cursor=&limit=
func (h *Handler) ListByProvider(c *gin.Context) {
	providerMerchantID := c.Query("provider_merchant_id")
	if providerMerchantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "provider_merchant_id is required"})
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "invalid cursor"})
		return
	}
	list, err := h.service.ListByProvider(c.Request.Context(), providerMerchantID, after, limit+1)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	page, nextCursor, hasMore := pagination.ComputePage(list, limit, func(f *Fulfillment) (time.Time, string) {
		return f.AssignedAt, f.ID
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": page, "next_cursor": nextCursor, "has_more": hasMore})
}

// GetProvider handles GET /v1/corridor/providers?merchant_id=
func (h *Handler) GetProvider(c *gin.Context) {
	merchantID := c.Query("merchant_id")
	if merchantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "merchant_id is required"})
		return
	}
	p, err := h.service.GetProvider(c.Request.Context(), merchantID)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": p})
}

type upsertProviderRequest struct {
	MerchantID       string  `json:"merchantId" binding:"required"`
	Active           bool    `json:"active"`
	FeePercent       string  `json:"feePercent" binding:"required"`
	MinAmount        string  `json:"minAmount"`
	MaxAmount        string  `json:"maxAmount"`
	ServiceHourStart int     `json:"serviceHourStart"`
	ServiceHourEnd   int     `json:"serviceHourEnd"`
	Rating           float64 `json:"rating"`
}

// UpsertProvider handles POST /v1/corridor/providers
func (h *Handler) UpsertProvider(c *gin.Context) {
	var req upsertProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("merchantId", req.MerchantID),
		validation.ValidAmount("feePercent", req.FeePercent),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_failed", "message": errs.Error(), "fields": errs})
		return
	}

	rating := req.Rating
	if rating == 0 {
		rating = 5.0
	}
	p := &Provider{
		MerchantID: req.MerchantID, Active: req.Active, FeePercent: req.FeePercent,
		MinAmount: req.MinAmount, MaxAmount: req.MaxAmount,
		ServiceHourStart: req.ServiceHourStart, ServiceHourEnd: req.ServiceHourEnd,
		Rating: rating, UpdatedAt: h.clock.Now(),
	}
	if err := h.service.UpsertProvider(c.Request.Context(), p); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": p})
}

// Availability handles GET /v1/corridor/availability?fiat_amount=&exclude=
func (h *Handler) Availability(c *gin.Context) {
	fiatAmount := c.Query("fiat_amount")
	if fiatAmount == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "fiat_amount is required"})
		return
	}
	var exclude []string
	if raw := c.Query("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
	}
	available, err := h.service.Availability(c.Request.Context(), fiatAmount, exclude, h.clock.Now())
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"available": available}})
}
