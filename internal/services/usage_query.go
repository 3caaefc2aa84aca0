package services

import (
	"fmt"
	"time"

	"github.com/tokengate/tokengate/internal/models"
	"gorm.io/gorm"
)

// UsageQueryService is the read surface over usage logs and statistics for
// dashboards and per-caller reporting.
type UsageQueryService struct {
	db *gorm.DB
}

func NewUsageQueryService(db *gorm.DB) *UsageQueryService {
	return &UsageQueryService{db: db}
}

// DimensionStats holds aggregated usage for one dimension over a range.
type DimensionStats struct {
	DimensionType            string  `json:"dimension_type"`
	DimensionID              uint    `json:"dimension_id"`
	TotalRequests            int64   `json:"total_requests"`
	InputTokens              int64   `json:"input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	TotalTokens              int64   `json:"total_tokens"`
	AvgTokensPerRequest      float64 `json:"avg_tokens_per_request"`
}

// GetAccessKeyStats sums the day buckets for one access key over
// [startDate, endDate).
func (s *UsageQueryService) GetAccessKeyStats(accessKeyID uint, startDate, endDate time.Time) (*DimensionStats, error) {
	return s.getDimensionStats(models.DimensionAccessKey, accessKeyID, startDate, endDate)
}

// GetUserStats sums the day buckets for one user over [startDate, endDate).
func (s *UsageQueryService) GetUserStats(userID uint, startDate, endDate time.Time) (*DimensionStats, error) {
	return s.getDimensionStats(models.DimensionUser, userID, startDate, endDate)
}

func (s *UsageQueryService) getDimensionStats(dimensionType string, dimensionID uint, startDate, endDate time.Time) (*DimensionStats, error) {
	stats := &DimensionStats{
		DimensionType: dimensionType,
		DimensionID:   dimensionID,
	}

	query := s.db.Model(&models.UsageStatistics{}).
		Where("dimension_type = ? AND dimension_id = ? AND period_type = ?",
			dimensionType, dimensionID, models.PeriodDay)
	if !startDate.IsZero() {
		query = query.Where("period_start >= ?", startDate.UTC())
	}
	if !endDate.IsZero() {
		query = query.Where("period_start < ?", endDate.UTC())
	}

	err := query.Select(
		"COALESCE(SUM(total_requests), 0) as total_requests, " +
			"COALESCE(SUM(input_tokens), 0) as input_tokens, " +
			"COALESCE(SUM(cache_creation_input_tokens), 0) as cache_creation_input_tokens, " +
			"COALESCE(SUM(cache_read_input_tokens), 0) as cache_read_input_tokens, " +
			"COALESCE(SUM(output_tokens), 0) as output_tokens",
	).Scan(stats).Error
	if err != nil {
		return nil, err
	}

	stats.TotalTokens = stats.InputTokens + stats.CacheCreationInputTokens +
		stats.CacheReadInputTokens + stats.OutputTokens
	if stats.TotalRequests > 0 {
		stats.AvgTokensPerRequest = float64(stats.TotalTokens) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// UsageLogListRequest filters the paginated detail listing.
type UsageLogListRequest struct {
	DimensionType string    `form:"dimension_type"` // access_key (default) or user
	DimensionID   uint      `form:"dimension_id"`
	Model         string    `form:"model"`
	Feature       string    `form:"feature"`
	StartDate     time.Time `form:"start_date" time_format:"2006-01-02"`
	EndDate       time.Time `form:"end_date" time_format:"2006-01-02"`
	Page          int       `form:"page"`
	PageSize      int       `form:"page_size"`
}

// UsageLogListResponse is one page of usage log rows.
type UsageLogListResponse struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Items    interface{} `json:"items"`
}

// ListUsageLogs returns a page of raw usage log rows for one dimension,
// newest occur time first.
func (s *UsageQueryService) ListUsageLogs(req *UsageLogListRequest) (*UsageLogListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 200 {
		req.PageSize = 20
	}

	var query *gorm.DB
	switch req.DimensionType {
	case models.DimensionUser:
		query = s.db.Model(&models.UserUsageLog{})
		if req.DimensionID != 0 {
			query = query.Where("user_id = ?", req.DimensionID)
		}
	case "", models.DimensionAccessKey:
		query = s.db.Model(&models.AccessKeyUsageLog{})
		if req.DimensionID != 0 {
			query = query.Where("access_key_id = ?", req.DimensionID)
		}
	default:
		return nil, fmt.Errorf("unknown dimension type %q", req.DimensionType)
	}

	if req.Model != "" {
		query = query.Where("model = ?", req.Model)
	}
	if req.Feature != "" {
		query = query.Where("feature = ?", req.Feature)
	}
	if !req.StartDate.IsZero() {
		query = query.Where("occur_time >= ?", req.StartDate.UTC())
	}
	if !req.EndDate.IsZero() {
		query = query.Where("occur_time < ?", req.EndDate.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	offset := (req.Page - 1) * req.PageSize
	resp := &UsageLogListResponse{Total: total, Page: req.Page, PageSize: req.PageSize}

	if req.DimensionType == models.DimensionUser {
		var items []models.UserUsageLog
		if err := query.Offset(offset).Limit(req.PageSize).Order("occur_time DESC").Find(&items).Error; err != nil {
			return nil, err
		}
		resp.Items = items
	} else {
		var items []models.AccessKeyUsageLog
		if err := query.Offset(offset).Limit(req.PageSize).Order("occur_time DESC").Find(&items).Error; err != nil {
			return nil, err
		}
		resp.Items = items
	}

	return resp, nil
}

// TrendPoint is one statistics bucket in a series.
type TrendPoint struct {
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	TotalRequests int64     `json:"total_requests"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	TotalTokens   int64     `json:"total_tokens"`
}

// GetTrend returns the bucket series for one dimension and granularity
// over [startDate, endDate), oldest first.
func (s *UsageQueryService) GetTrend(dimensionType string, dimensionID uint, periodType string, startDate, endDate time.Time) ([]TrendPoint, error) {
	switch periodType {
	case models.PeriodHour, models.PeriodDay, models.PeriodMonth:
	default:
		return nil, fmt.Errorf("unknown period type %q", periodType)
	}

	var rows []models.UsageStatistics
	query := s.db.Model(&models.UsageStatistics{}).
		Where("dimension_type = ? AND dimension_id = ? AND period_type = ?",
			dimensionType, dimensionID, periodType)
	if !startDate.IsZero() {
		query = query.Where("period_start >= ?", startDate.UTC())
	}
	if !endDate.IsZero() {
		query = query.Where("period_start < ?", endDate.UTC())
	}
	if err := query.Order("period_start ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	points := make([]TrendPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, TrendPoint{
			PeriodStart:   row.PeriodStart,
			PeriodEnd:     row.PeriodEnd,
			TotalRequests: row.TotalRequests,
			InputTokens:   row.UsageData.InputTokens,
			OutputTokens:  row.UsageData.OutputTokens,
			TotalTokens:   row.TotalTokens(),
		})
	}
	return points, nil
}

// TopConsumer is one entry of a top-N ranking, computed from raw log rows
// so first/last usage times are exact.
type TopConsumer struct {
	DimensionID              uint      `json:"dimension_id"`
	Name                     string    `json:"name"`
	TotalRequests            int64     `json:"total_requests"`
	InputTokens              int64     `json:"input_tokens"`
	CacheCreationInputTokens int64     `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64     `json:"cache_read_input_tokens"`
	OutputTokens             int64     `json:"output_tokens"`
	TotalTokens              int64     `json:"total_tokens"`
	FirstUsageTime           time.Time `json:"first_usage_time"`
	LastUsageTime            time.Time `json:"last_usage_time"`
}

// GetTopAccessKeys ranks access keys by total tokens over [startDate, endDate).
func (s *UsageQueryService) GetTopAccessKeys(startDate, endDate time.Time, limit int) ([]TopConsumer, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var results []TopConsumer
	err := s.db.Model(&models.AccessKeyUsageLog{}).
		Select("access_key_usage_logs.access_key_id as dimension_id, "+
			"access_keys.name as name, "+
			"COUNT(*) as total_requests, "+
			"COALESCE(SUM(access_key_usage_logs.input_tokens), 0) as input_tokens, "+
			"COALESCE(SUM(access_key_usage_logs.cache_creation_input_tokens), 0) as cache_creation_input_tokens, "+
			"COALESCE(SUM(access_key_usage_logs.cache_read_input_tokens), 0) as cache_read_input_tokens, "+
			"COALESCE(SUM(access_key_usage_logs.output_tokens), 0) as output_tokens, "+
			"COALESCE(SUM(access_key_usage_logs.input_tokens + access_key_usage_logs.cache_creation_input_tokens + access_key_usage_logs.cache_read_input_tokens + access_key_usage_logs.output_tokens), 0) as total_tokens, "+
			"MIN(access_key_usage_logs.occur_time) as first_usage_time, "+
			"MAX(access_key_usage_logs.occur_time) as last_usage_time").
		Joins("LEFT JOIN access_keys ON access_keys.id = access_key_usage_logs.access_key_id").
		Where("access_key_usage_logs.occur_time >= ? AND access_key_usage_logs.occur_time < ?", startDate.UTC(), endDate.UTC()).
		Group("access_key_usage_logs.access_key_id, access_keys.name").
		Order("total_tokens DESC").
		Limit(limit).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []TopConsumer{}
	}
	return results, nil
}

// GetTopUsers ranks users by total tokens over [startDate, endDate).
func (s *UsageQueryService) GetTopUsers(startDate, endDate time.Time, limit int) ([]TopConsumer, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var results []TopConsumer
	err := s.db.Model(&models.UserUsageLog{}).
		Select("user_usage_logs.user_id as dimension_id, "+
			"users.username as name, "+
			"COUNT(*) as total_requests, "+
			"COALESCE(SUM(user_usage_logs.input_tokens), 0) as input_tokens, "+
			"COALESCE(SUM(user_usage_logs.cache_creation_input_tokens), 0) as cache_creation_input_tokens, "+
			"COALESCE(SUM(user_usage_logs.cache_read_input_tokens), 0) as cache_read_input_tokens, "+
			"COALESCE(SUM(user_usage_logs.output_tokens), 0) as output_tokens, "+
			"COALESCE(SUM(user_usage_logs.input_tokens + user_usage_logs.cache_creation_input_tokens + user_usage_logs.cache_read_input_tokens + user_usage_logs.output_tokens), 0) as total_tokens, "+
			"MIN(user_usage_logs.occur_time) as first_usage_time, "+
			"MAX(user_usage_logs.occur_time) as last_usage_time").
		Joins("LEFT JOIN users ON users.id = user_usage_logs.user_id").
		Where("user_usage_logs.occur_time >= ? AND user_usage_logs.occur_time < ?", startDate.UTC(), endDate.UTC()).
		Group("user_usage_logs.user_id, users.username").
		Order("total_tokens DESC").
		Limit(limit).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []TopConsumer{}
	}
	return results, nil
}
