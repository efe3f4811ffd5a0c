package middleware

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS returns a configured CORS middleware. Origins come from the
// CORS_ORIGINS env var, defaulting to the usual local dev servers.
func CORS() gin.HandlerFunc {
	origins := os.Getenv("CORS_ORIGINS")
	if origins == "" {
		origins = "http://localhost:3000,http://localhost:5173"
	}

	config := cors.DefaultConfig()
	config.AllowOrigins = strings.Split(origins, ",")
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type"}

	return cors.New(config)
}
