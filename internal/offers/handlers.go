package offers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/corridor/internal/validation"
)

// Handler exposes offers over HTTP, mirroring the teacher's
// escrow.Handler shape (thin gin wrapper over a Service).
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an offers handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires the offers routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.Create)
	r.GET("/offers/:id", h.Get)
	r.GET("/offers", h.ListActive)
}

type createOfferRequest struct {
	MerchantID     string `json:"merchantId"`
	CurrencyPair   string `json:"currencyPair"`
	Rate           string `json:"rate"`
	TotalAmount    string `json:"totalAmount"`
	MinOrderAmount string `json:"minOrderAmount"`
	MaxOrderAmount string `json:"maxOrderAmount"`
}

// Create handles POST /offers
func (h *Handler) Create(c *gin.Context) {
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.Required("merchantId", req.MerchantID),
		validation.Required("currencyPair", req.CurrencyPair),
		validation.ValidAmount("rate", req.Rate),
		validation.Required("rate", req.Rate),
		validation.ValidAmount("totalAmount", req.TotalAmount),
		validation.Required("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "fields": errs})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req.MerchantID, req.CurrencyPair, req.Rate,
		req.TotalAmount, req.MinOrderAmount, req.MaxOrderAmount)
	if err != nil {
		h.logger.Error("create offer failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create offer"})
		return
	}
	c.JSON(http.StatusCreated, o)
}

// Get handles GET /offers/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "offer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to fetch offer"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListActive handles GET /offers?currencyPair=USDT/AED
func (h *Handler) ListActive(c *gin.Context) {
	currencyPair := c.Query("currencyPair")
	if currencyPair == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "currencyPair is required"})
		return
	}
	list, err := h.service.ListActive(c.Request.Context(), currencyPair, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list offers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list})
}
