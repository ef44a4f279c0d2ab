package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/visionsearch/internal/service"
)

// ModelLister lists the registered embedding models.
type ModelLister interface {
	Models() []service.ModelInfo
}

// HealthHandler handles health check and model listing endpoints
type HealthHandler struct {
	serviceName string
	models      ModelLister
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(serviceName string, models ModelLister) *HealthHandler {
	return &HealthHandler{serviceName: serviceName, models: models}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   h.serviceName,
	})
}

// Models handles GET /api/models.
func (h *HealthHandler) Models(c *gin.Context) {
	models := h.models.Models()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    models,
		"total":   len(models),
	})
}
