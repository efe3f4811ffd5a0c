package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"tubedrop/config"
	"tubedrop/handlers"
	"tubedrop/media"
	"tubedrop/middleware"
	"tubedrop/services"
	"tubedrop/store"
)

// BuildEngine wires the full download stack: task store, media tool,
// broadcaster and lifecycle engine. The caller owns the returned store and
// must Close it on shutdown.
func BuildEngine(cfg *config.Config) (services.Engine, *store.TaskStore, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task store: %w", err)
	}

	transcoder := media.NewTranscoder(cfg.Transcode.OutputFormat)
	tool := media.NewYTDLP(transcoder, cfg.Downloads.CookieFile)
	broadcaster := services.NewBroadcaster(cfg.Downloads.PublishInterval())
	engine := services.NewEngine(cfg, st, tool, broadcaster)
	return engine, st, nil
}

// StartWebServer starts the web server
func StartWebServer(cfg *config.Config) {
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine, st, err := BuildEngine(cfg)
	if err != nil {
		log.Fatal("failed to initialize", "err", err)
	}
	defer st.Close()
	engine.Start()

	downloadHandler := handlers.NewDownloadHandler(engine, cfg.Formats.PreferredExt)
	healthHandler := handlers.NewHealthHandler(cfg)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logging())

	setupRoutes(r, downloadHandler, healthHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("web server starting", "addr", addr)
	if err := r.Run(addr); err != nil {
		log.Fatal("failed to start server", "err", err)
	}
}

// setupRoutes configures all the HTTP routes
func setupRoutes(r *gin.Engine, downloadHandler *handlers.DownloadHandler, healthHandler *handlers.HealthHandler) {
	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)

		// Format resolution without download
		apiGroup.POST("/video-info", downloadHandler.VideoInfo)

		// Download Management Endpoints
		downloadsGroup := apiGroup.Group("/downloads")
		{
			downloadsGroup.POST("", downloadHandler.SubmitDownload)
			downloadsGroup.GET("/:taskId", downloadHandler.GetDownload)
			downloadsGroup.DELETE("/:taskId", downloadHandler.CancelDownload)
			downloadsGroup.POST("/:taskId/redownload", downloadHandler.Redownload)
			downloadsGroup.GET("/:taskId/file", downloadHandler.ServeFile)
		}

		// History endpoints
		apiGroup.GET("/history", downloadHandler.GetHistory)
		apiGroup.DELETE("/history/:taskId", downloadHandler.DeleteHistory)

		// WebSocket endpoint for real-time progress
		apiGroup.GET("/ws/downloads/:taskId", downloadHandler.HandleWebSocketConnection)
	}
}
