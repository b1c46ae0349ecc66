package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pesabridge/pesabridge/internal/mpesa"
)

// Handler serves the gateway callback endpoints.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a callback handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes mounts the callback endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/callbacks/stk", h.handleSTK)
	rg.POST("/callbacks/b2c", h.handleB2C)
}

// Daraja retries callbacks it considers failed, so every parseable payload
// is acknowledged with ResultCode 0 regardless of how the apply went. The
// outcome lands in logs and metrics, not in the response.
func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *Handler) handleSTK(c *gin.Context) {
	var cb mpesa.STKCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "malformed callback body",
		})
		return
	}

	h.ingestor.SubmitSTK(c.Request.Context(), &cb)
	ack(c)
}

func (h *Handler) handleB2C(c *gin.Context) {
	var cb mpesa.B2CCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "malformed callback body",
		})
		return
	}

	h.ingestor.SubmitB2C(c.Request.Context(), &cb)
	ack(c)
}
