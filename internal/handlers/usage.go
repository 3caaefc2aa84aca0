package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/response"
	"gorm.io/gorm"
)

// UsageHandler exposes the per-dimension usage query surface.
type UsageHandler struct {
	queryService *services.UsageQueryService
}

func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{
		queryService: services.NewUsageQueryService(db),
	}
}

// parseDateRange reads start_date/end_date query params (YYYY-MM-DD).
// end_date is exclusive.
func parseDateRange(c *gin.Context) (time.Time, time.Time, bool) {
	var start, end time.Time
	if s := c.Query("start_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			response.BadRequest(c, "invalid start_date, expected YYYY-MM-DD")
			return start, end, false
		}
		start = t
	}
	if s := c.Query("end_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			response.BadRequest(c, "invalid end_date, expected YYYY-MM-DD")
			return start, end, false
		}
		end = t
	}
	return start, end, true
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// GetAccessKeyStats returns summed statistics for one access key.
// GET /api/usage/access-keys/:id/stats
func (h *UsageHandler) GetAccessKeyStats(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	stats, err := h.queryService.GetAccessKeyStats(id, start, end)
	if err != nil {
		response.ServerError(c, "failed to get access key stats: "+err.Error())
		return
	}
	response.Success(c, stats)
}

// GetUserStats returns summed statistics for one user.
// GET /api/usage/users/:id/stats
func (h *UsageHandler) GetUserStats(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	stats, err := h.queryService.GetUserStats(id, start, end)
	if err != nil {
		response.ServerError(c, "failed to get user stats: "+err.Error())
		return
	}
	response.Success(c, stats)
}

// ListLogs returns a paginated page of raw usage log rows.
// GET /api/usage/logs
func (h *UsageHandler) ListLogs(c *gin.Context) {
	var req services.UsageLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.queryService.ListUsageLogs(&req)
	if err != nil {
		response.ServerError(c, "failed to list usage logs: "+err.Error())
		return
	}
	response.Success(c, resp)
}

// GetTrend returns the bucket series for one dimension.
// GET /api/usage/trend
func (h *UsageHandler) GetTrend(c *gin.Context) {
	dimensionType := c.DefaultQuery("dimension_type", models.DimensionAccessKey)
	periodType := c.DefaultQuery("period_type", models.PeriodDay)

	dimensionID, err := strconv.ParseUint(c.Query("dimension_id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid dimension_id")
		return
	}

	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}

	trend, err := h.queryService.GetTrend(dimensionType, uint(dimensionID), periodType, start, end)
	if err != nil {
		response.ServerError(c, "failed to get usage trend: "+err.Error())
		return
	}
	response.Success(c, trend)
}

// GetTopAccessKeys ranks access keys by tokens over a range.
// GET /api/usage/top-access-keys
func (h *UsageHandler) GetTopAccessKeys(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		response.BadRequest(c, "start_date and end_date are required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	top, err := h.queryService.GetTopAccessKeys(start, end, limit)
	if err != nil {
		response.ServerError(c, "failed to rank access keys: "+err.Error())
		return
	}
	response.Success(c, top)
}

// GetTopUsers ranks users by tokens over a range.
// GET /api/usage/top-users
func (h *UsageHandler) GetTopUsers(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		response.BadRequest(c, "start_date and end_date are required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	top, err := h.queryService.GetTopUsers(start, end, limit)
	if err != nil {
		response.ServerError(c, "failed to rank users: "+err.Error())
		return
	}
	response.Success(c, top)
}
