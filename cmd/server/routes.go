package main

import (
	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/handlers"
	"github.com/tokengate/tokengate/internal/middleware"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Rate limiter for the ingest surface
	ingestLimiter := middleware.NewRateLimiter(svc.cfg.Collector.IngestRPS, svc.cfg.Collector.IngestBurst)

	// Health check
	healthHandler := handlers.NewHealthHandler()
	r.GET("/health", healthHandler.CheckHealth)

	db := models.GetDB()
	aggregator := services.NewUsageAggregatorService(db)

	// API routes
	api := r.Group("/api")
	{
		// Auth routes (public)
		authHandler := handlers.NewAuthHandler(db, &svc.cfg.JWT)
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
		}

		// Ingest routes (rate limited; trusted forwarders submit here)
		ingestHandler := handlers.NewIngestHandler(svc.listener, svc.collector)
		ingest := api.Group("/ingest", ingestLimiter.Middleware())
		{
			ingest.POST("/response", ingestHandler.IngestResponse)
			ingest.POST("/usage", ingestHandler.IngestUsage)
			ingest.POST("/batch", ingestHandler.IngestBatch)
		}

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Auth
			protected.GET("/auth/me", authHandler.Me)

			// Usage queries (read for all users)
			usageHandler := handlers.NewUsageHandler(db)
			protected.GET("/usage/access-keys/:id/stats", usageHandler.GetAccessKeyStats)
			protected.GET("/usage/users/:id/stats", usageHandler.GetUserStats)
			protected.GET("/usage/logs", usageHandler.ListLogs)
			protected.GET("/usage/trend", usageHandler.GetTrend)
			protected.GET("/usage/top-access-keys", usageHandler.GetTopAccessKeys)
			protected.GET("/usage/top-users", usageHandler.GetTopUsers)
		}

		// Admin only routes
		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
		{
			// Access Keys
			accessKeyHandler := handlers.NewAccessKeyHandler(db)
			admin.GET("/access-keys", accessKeyHandler.List)
			admin.GET("/access-keys/:id", accessKeyHandler.GetByID)
			admin.POST("/access-keys", accessKeyHandler.Create)
			admin.PUT("/access-keys/:id", accessKeyHandler.Update)
			admin.DELETE("/access-keys/:id", accessKeyHandler.Delete)

			// Usage administration
			usageAdminHandler := handlers.NewUsageAdminHandler(db, aggregator)
			admin.GET("/admin/usage/overview", usageAdminHandler.GetOverview)
			admin.GET("/admin/usage/top-consumers", usageAdminHandler.GetTopConsumers)
			admin.GET("/admin/usage/export", usageAdminHandler.Export)
			admin.GET("/admin/usage/health", usageAdminHandler.GetDataHealth)
			admin.POST("/admin/usage/rebuild", usageAdminHandler.Rebuild)
			admin.POST("/admin/usage/cleanup", usageAdminHandler.Cleanup)

			// System Logs
			systemLogHandler := handlers.NewSystemLogHandler(db)
			admin.GET("/system-logs", systemLogHandler.List)
		}
	}
}
