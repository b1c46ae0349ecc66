package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/mpesa"
)

// Handler serves the settlement API.
type Handler struct {
	service *Service
}

// NewHandler creates a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the settlement endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/onramp", h.handleOnramp)
	rg.POST("/onramp/:id/resubmit", h.handleResubmit)
	rg.POST("/offramp", h.handleOfframp)
	rg.POST("/offramp/:id/deposit", h.handleDeposit)
}

// OnrampRequest is the request body for POST /onramp.
type OnrampRequest struct {
	Phone         string `json:"phone" binding:"required"`
	FiatAmount    string `json:"fiatAmount" binding:"required"`
	Chain         string `json:"chain"`
	Token         string `json:"token"`
	RecipientAddr string `json:"recipientAddr" binding:"required"`
}

func (h *Handler) handleOnramp(c *gin.Context) {
	var req OnrampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	amount, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fiatAmount must be a decimal number",
		})
		return
	}

	e, err := h.service.CreateOnramp(c.Request.Context(), OnrampParams{
		Phone:         req.Phone,
		FiatAmount:    amount,
		Chain:         req.Chain,
		Token:         req.Token,
		RecipientAddr: req.RecipientAddr,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, e)
}

// OfframpRequest is the request body for POST /offramp.
type OfframpRequest struct {
	Phone        string `json:"phone" binding:"required"`
	CryptoAmount string `json:"cryptoAmount" binding:"required"`
	Chain        string `json:"chain"`
	Token        string `json:"token"`
	RefundAddr   string `json:"refundAddr"`
}

func (h *Handler) handleOfframp(c *gin.Context) {
	var req OfframpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	e, err := h.service.CreateOfframp(c.Request.Context(), OfframpParams{
		Phone:        req.Phone,
		CryptoAmount: req.CryptoAmount,
		Chain:        req.Chain,
		Token:        req.Token,
		RefundAddr:   req.RefundAddr,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, e)
}

// ResubmitRequest is the request body for POST /onramp/:id/resubmit.
type ResubmitRequest struct {
	Receipt string `json:"receipt" binding:"required"`
}

func (h *Handler) handleResubmit(c *gin.Context) {
	var req ResubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	e, err := h.service.ResubmitReceipt(c.Request.Context(), c.Param("id"), req.Receipt)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

// DepositRequest is the request body for POST /offramp/:id/deposit.
type DepositRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	e, err := h.service.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoRate):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "no_rate",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrReceiptUsed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "receipt_conflict",
			"message": err.Error(),
		})
	case errors.Is(err, mpesa.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "payment gateway is unavailable, try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
	}
}
