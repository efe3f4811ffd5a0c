package middleware

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// Logging returns a structured request logging middleware
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger := log.Info
		if c.Writer.Status() >= 500 {
			logger = log.Error
		} else if c.Writer.Status() >= 400 {
			logger = log.Warn
		}
		logger("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
