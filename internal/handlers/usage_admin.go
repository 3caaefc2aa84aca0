package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/middleware"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/response"
	"gorm.io/gorm"
)

// UsageAdminHandler exposes the operator surface: overview, export, data
// health and the repair triggers.
type UsageAdminHandler struct {
	adminService *services.UsageAdminService
}

func NewUsageAdminHandler(db *gorm.DB, aggregator *services.UsageAggregatorService) *UsageAdminHandler {
	query := services.NewUsageQueryService(db)
	return &UsageAdminHandler{
		adminService: services.NewUsageAdminService(db, query, aggregator),
	}
}

// GetOverview returns system-wide usage totals.
// GET /api/admin/usage/overview
func (h *UsageAdminHandler) GetOverview(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	overview, err := h.adminService.GetOverview(start, end)
	if err != nil {
		response.ServerError(c, "failed to get usage overview: "+err.Error())
		return
	}
	response.Success(c, overview)
}

// GetTopConsumers ranks a dimension over a range.
// GET /api/admin/usage/top-consumers
func (h *UsageAdminHandler) GetTopConsumers(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		response.BadRequest(c, "start_date and end_date are required")
		return
	}
	dimensionType := c.DefaultQuery("dimension_type", models.DimensionAccessKey)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	top, err := h.adminService.GetTopConsumers(dimensionType, start, end, limit)
	if err != nil {
		response.ServerError(c, "failed to rank consumers: "+err.Error())
		return
	}
	response.Success(c, top)
}

// Export streams raw usage rows for offline processing.
// GET /api/admin/usage/export
func (h *UsageAdminHandler) Export(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}
	afterID, _ := strconv.ParseUint(c.DefaultQuery("after_id", "0"), 10, 32)

	rows, err := h.adminService.Export(start, end, uint(afterID))
	if err != nil {
		response.ServerError(c, "failed to export usage logs: "+err.Error())
		return
	}
	response.Success(c, gin.H{"rows": rows, "count": len(rows)})
}

// GetDataHealth reports table volumes and aggregation lag.
// GET /api/admin/usage/health
func (h *UsageAdminHandler) GetDataHealth(c *gin.Context) {
	health, err := h.adminService.GetDataHealth()
	if err != nil {
		response.ServerError(c, "failed to get data health: "+err.Error())
		return
	}
	response.Success(c, health)
}

type rebuildRequest struct {
	DimensionType string `json:"dimension_type" binding:"required"`
	DimensionID   uint   `json:"dimension_id" binding:"required"`
	StartDate     string `json:"start_date" binding:"required"`
	EndDate       string `json:"end_date" binding:"required"`
}

// Rebuild recomputes statistics for one dimension and range.
// POST /api/admin/usage/rebuild
func (h *UsageAdminHandler) Rebuild(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		response.BadRequest(c, "invalid start_date, expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		response.BadRequest(c, "invalid end_date, expected YYYY-MM-DD")
		return
	}

	result, err := h.adminService.Rebuild(req.DimensionType, req.DimensionID, start, end)
	if err != nil {
		response.ServerError(c, "rebuild failed: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	services.LogInfo("usage", "rebuild", "statistics rebuilt", &userID, c.ClientIP(), req)
	response.Success(c, result)
}

type cleanupRequest struct {
	Before string `json:"before" binding:"required"` // YYYY-MM-DD
}

// Cleanup expires statistics buckets older than the cutoff.
// POST /api/admin/usage/cleanup
func (h *UsageAdminHandler) Cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	before, err := time.Parse("2006-01-02", req.Before)
	if err != nil {
		response.BadRequest(c, "invalid before date, expected YYYY-MM-DD")
		return
	}

	deleted, err := h.adminService.Cleanup(before)
	if err != nil {
		response.ServerError(c, "cleanup failed: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	services.LogInfo("usage", "cleanup", "expired statistics removed", &userID, c.ClientIP(), gin.H{"deleted": deleted})
	response.Success(c, gin.H{"deleted": deleted})
}
