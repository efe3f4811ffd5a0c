package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tubedrop/config"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	cfg *config.Config
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(cfg *config.Config) *HealthHandler {
	return &HealthHandler{cfg: cfg}
}

// HealthCheck returns the health status of the service
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "tubedrop",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus returns the status of the API
func (h *HealthHandler) APIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":           "Tubedrop API is running",
		"download_location": h.cfg.Downloads.Dir,
	})
}
