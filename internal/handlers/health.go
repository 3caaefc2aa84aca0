package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
)

// HealthHandler provides health check endpoints.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	// Database check
	dbStatus := "ok"
	sqlDB, err := models.GetDB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Queue mode
	taskQueue := services.GetTaskQueue()
	queueMode := "sync"
	if taskQueue != nil && taskQueue.IsAsync() {
		queueMode = "async (Redis)"
	}

	// Raw usage rows waiting in the current aggregation window
	var logCount int64
	models.GetDB().Model(&models.AccessKeyUsageLog{}).Count(&logCount)

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "tokengate",
		"components": gin.H{
			"database":       dbStatus,
			"queue_mode":     queueMode,
			"usage_log_rows": logCount,
		},
	})
}
