package conversion

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/validation"
)

// Handler exposes the conversion engine over HTTP, mirroring corridor.Handler.
type Handler struct {
	service *Service
	clock   clock.Clock
}

// NewHandler creates a conversion handler.
func NewHandler(service *Service, clk clock.Clock) *Handler {
	return &Handler{service: service, clock: clk}
}

// RegisterRoutes wires the routes spec §6 names for the conversion engine.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/convert/usdt-to-sinr", h.ConvertUSDTToSAED)
	r.POST("/convert/sinr-to-usdt", h.ConvertSAEDToUSDT)
}

func (h *Handler) writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ErrExposureLimitExceeded):
		status, code = http.StatusConflict, "exposure_limit_exceeded"
	default:
	}
	c.JSON(status, gin.H{"success": false, "error": code, "message": err.Error()})
}

type convertRequest struct {
	AccountID      string `json:"accountId" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handler) bind(c *gin.Context) (ConvertRequest, bool) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return ConvertRequest{}, false
	}
	if errs := validation.Validate(
		validation.Required("accountId", req.AccountID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_failed", "message": errs.Error(), "fields": errs})
		return ConvertRequest{}, false
	}
	return ConvertRequest{
		AccountID: req.AccountID, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey,
		Now: h.clock.Now(),
	}, true
}

// ConvertUSDTToSAED handles POST /v1/convert/usdt-to-sinr
func (h *Handler) ConvertUSDTToSAED(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	conv, err := h.service.ConvertUSDTToSAED(c.Request.Context(), req)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": conv})
}

// ConvertSAEDToUSDT handles POST /v1/convert/sinr-to-usdt
func (h *Handler) ConvertSAEDToUSDT(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	conv, err := h.service.ConvertSAEDToUSDT(c.Request.Context(), req)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": conv})
}
