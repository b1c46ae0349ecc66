package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reading and amending escrow records.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/review", h.ListReview)
	r.POST("/transactions/:id/receipt", h.BackfillReceipt)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// ListReview handles GET /v1/transactions/review
func (h *Handler) ListReview(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListForReview(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": escrows,
		"count":        len(escrows),
	})
}

// ReceiptRequest contains the parameters for backfilling a fiat receipt.
type ReceiptRequest struct {
	Receipt string `json:"receipt" binding:"required"`
}

// BackfillReceipt handles POST /v1/transactions/:id/receipt
func (h *Handler) BackfillReceipt(c *gin.Context) {
	id := c.Param("id")

	var req ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "receipt is required",
		})
		return
	}

	escrow, err := h.service.BackfillReceipt(c.Request.Context(), id, req.Receipt)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrEscrowNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrReceiptUsed):
			status = http.StatusConflict
			code = "receipt_conflict"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}
