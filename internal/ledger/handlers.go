package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for ledger balances and
// history. Every balance mutation happens through the domain package that
// owns it (orders, corridor, conversion) rather than directly here.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
}

// GetBalance handles GET /accounts/:id/balance?asset=USDT
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Param("id")
	asset := Asset(c.DefaultQuery("asset", string(AssetUSDT)))

	bal, err := h.ledger.GetBalance(c.Request.Context(), accountID, asset)
	if err != nil {
		h.logger.Error("get balance failed", "account", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to fetch balance"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetHistory handles GET /accounts/:id/ledger?limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	accountID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), accountID, limit)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no ledger history"})
			return
		}
		h.logger.Error("get history failed", "account", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to fetch history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
