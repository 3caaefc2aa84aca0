package services

import (
	"errors"
	"time"

	"github.com/tokengate/tokengate/internal/models"
	"gorm.io/gorm"
)

// UsageAdminService is the operator-facing read/repair surface: system-wide
// overview, bulk export, data health, and the rebuild/cleanup triggers.
type UsageAdminService struct {
	db         *gorm.DB
	query      *UsageQueryService
	aggregator *UsageAggregatorService
}

func NewUsageAdminService(db *gorm.DB, query *UsageQueryService, aggregator *UsageAggregatorService) *UsageAdminService {
	return &UsageAdminService{db: db, query: query, aggregator: aggregator}
}

// SystemOverview summarizes gateway-wide usage over a range. Access-key
// logs are the billing dimension; user rows that carry a key reference
// would double count, so the totals come from the key table alone.
type SystemOverview struct {
	TotalRequests            int64 `json:"total_requests"`
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	TotalTokens              int64 `json:"total_tokens"`
	ActiveAccessKeys         int64 `json:"active_access_keys"`
	ActiveUsers              int64 `json:"active_users"`
}

// GetOverview returns system-wide usage totals over [startDate, endDate).
func (s *UsageAdminService) GetOverview(startDate, endDate time.Time) (*SystemOverview, error) {
	overview := &SystemOverview{}

	query := s.db.Model(&models.AccessKeyUsageLog{})
	if !startDate.IsZero() {
		query = query.Where("occur_time >= ?", startDate.UTC())
	}
	if !endDate.IsZero() {
		query = query.Where("occur_time < ?", endDate.UTC())
	}

	err := query.Select(
		"COUNT(*) as total_requests, " +
			"COALESCE(SUM(input_tokens), 0) as input_tokens, " +
			"COALESCE(SUM(cache_creation_input_tokens), 0) as cache_creation_input_tokens, " +
			"COALESCE(SUM(cache_read_input_tokens), 0) as cache_read_input_tokens, " +
			"COALESCE(SUM(output_tokens), 0) as output_tokens, " +
			"COUNT(DISTINCT access_key_id) as active_access_keys, " +
			"COUNT(DISTINCT user_id) as active_users",
	).Scan(overview).Error
	if err != nil {
		return nil, err
	}

	overview.TotalTokens = overview.InputTokens + overview.CacheCreationInputTokens +
		overview.CacheReadInputTokens + overview.OutputTokens
	return overview, nil
}

// GetTopConsumers ranks either dimension over a range.
func (s *UsageAdminService) GetTopConsumers(dimensionType string, startDate, endDate time.Time, limit int) ([]TopConsumer, error) {
	if dimensionType == models.DimensionUser {
		return s.query.GetTopUsers(startDate, endDate, limit)
	}
	return s.query.GetTopAccessKeys(startDate, endDate, limit)
}

const exportBatchLimit = 10000

// Export returns raw access-key usage rows over [startDate, endDate) for
// offline processing, capped per call; page with the last seen id.
func (s *UsageAdminService) Export(startDate, endDate time.Time, afterID uint) ([]models.AccessKeyUsageLog, error) {
	var rows []models.AccessKeyUsageLog
	query := s.db.Model(&models.AccessKeyUsageLog{}).Where("id > ?", afterID)
	if !startDate.IsZero() {
		query = query.Where("occur_time >= ?", startDate.UTC())
	}
	if !endDate.IsZero() {
		query = query.Where("occur_time < ?", endDate.UTC())
	}
	if err := query.Order("id ASC").Limit(exportBatchLimit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DataHealth reports pipeline freshness and volume for monitoring.
type DataHealth struct {
	AccessKeyLogRows  int64      `json:"access_key_log_rows"`
	UserLogRows       int64      `json:"user_log_rows"`
	StatisticsRows    int64      `json:"statistics_rows"`
	OldestOccurTime   *time.Time `json:"oldest_occur_time,omitempty"`
	NewestOccurTime   *time.Time `json:"newest_occur_time,omitempty"`
	AggregatedUpTo    *time.Time `json:"aggregated_up_to,omitempty"`
	AggregationLagSec float64    `json:"aggregation_lag_sec"`
}

// GetDataHealth collects table sizes and the aggregation watermark lag.
func (s *UsageAdminService) GetDataHealth() (*DataHealth, error) {
	health := &DataHealth{}

	if err := s.db.Model(&models.AccessKeyUsageLog{}).Count(&health.AccessKeyLogRows).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.UserUsageLog{}).Count(&health.UserLogRows).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.UsageStatistics{}).Count(&health.StatisticsRows).Error; err != nil {
		return nil, err
	}

	var bounds struct {
		Oldest *time.Time
		Newest *time.Time
	}
	if err := s.db.Model(&models.AccessKeyUsageLog{}).
		Select("MIN(occur_time) as oldest, MAX(occur_time) as newest").
		Scan(&bounds).Error; err != nil {
		return nil, err
	}
	health.OldestOccurTime = bounds.Oldest
	health.NewestOccurTime = bounds.Newest

	var cp models.AggregationCheckpoint
	err := s.db.Where("name = ?", aggregationCheckName).First(&cp).Error
	if err == nil {
		upTo := cp.AggregatedUpTo.UTC()
		health.AggregatedUpTo = &upTo
		if health.NewestOccurTime != nil && health.NewestOccurTime.After(upTo) {
			health.AggregationLagSec = health.NewestOccurTime.Sub(upTo).Seconds()
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return health, nil
}

// Rebuild recomputes statistics for one dimension and date range.
func (s *UsageAdminService) Rebuild(dimensionType string, dimensionID uint, startDate, endDate time.Time) (*RebuildResult, error) {
	return s.aggregator.RebuildAggregateData(dimensionType, dimensionID, startDate, endDate)
}

// Cleanup expires statistics buckets that ended before the cutoff.
func (s *UsageAdminService) Cleanup(before time.Time) (int64, error) {
	return s.aggregator.CleanupExpiredData(before)
}
