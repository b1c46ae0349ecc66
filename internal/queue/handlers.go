package queue

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for queue observability.
type Handler struct {
	queue *Queue
}

// NewHandler creates a new queue handler.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// RegisterRoutes sets up queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue/stats", h.GetStats)
}

// GetStats handles GET /v1/queue/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"waiting":    stats.Waiting(),
		"high":       stats.High,
		"normal":     stats.Normal,
		"low":        stats.Low,
		"processing": stats.Processing,
		"retry":      stats.Retry,
	})
}
