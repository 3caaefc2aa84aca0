package models

import "time"

// Dimension types a statistics row can be grouped by.
const (
	DimensionAccessKey = "access_key"
	DimensionUser      = "user"
)

// Period granularities for statistics buckets.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// UsageStatistics is a rolled-up bucket of usage for one dimension over one
// period. Raw usage log rows are the source of truth; every statistics row
// can be rebuilt from them. At most one row exists per
// (dimension_type, dimension_id, period_type, period_start).
type UsageStatistics struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DimensionType string    `gorm:"size:20;not null;uniqueIndex:idx_usage_stats_bucket,priority:1" json:"dimension_type"`
	DimensionID   uint      `gorm:"not null;uniqueIndex:idx_usage_stats_bucket,priority:2" json:"dimension_id"`
	PeriodType    string    `gorm:"size:10;not null;uniqueIndex:idx_usage_stats_bucket,priority:3" json:"period_type"`
	PeriodStart   time.Time `gorm:"not null;uniqueIndex:idx_usage_stats_bucket,priority:4" json:"period_start"`
	PeriodEnd     time.Time `gorm:"not null;index" json:"period_end"`

	UsageData     UsageData `gorm:"embedded" json:"usage"`
	TotalRequests int64     `gorm:"default:0" json:"total_requests"`

	LastUpdateTime time.Time `json:"last_update_time"`
	CreatedAt      time.Time `json:"created_at"`
}

func (UsageStatistics) TableName() string { return "usage_statistics" }

// AddUsageData folds one usage occurrence into the bucket. It is the only
// mutator besides a full rebuild and never decrements.
func (s *UsageStatistics) AddUsageData(u UsageData, now time.Time) {
	s.UsageData.InputTokens += u.InputTokens
	s.UsageData.CacheCreationInputTokens += u.CacheCreationInputTokens
	s.UsageData.CacheReadInputTokens += u.CacheReadInputTokens
	s.UsageData.OutputTokens += u.OutputTokens
	s.TotalRequests++
	s.LastUpdateTime = now
}

// TotalTokens returns the summed token count for the bucket.
func (s *UsageStatistics) TotalTokens() int64 {
	return s.UsageData.TotalTokens()
}

// AvgTokensPerRequest returns the mean tokens per request, 0 for an empty
// bucket.
func (s *UsageStatistics) AvgTokensPerRequest() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalTokens()) / float64(s.TotalRequests)
}

// PeriodBounds returns the start and end of the period containing t for the
// given granularity. End is exclusive.
func PeriodBounds(periodType string, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	switch periodType {
	case PeriodHour:
		start := t.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case PeriodMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default: // day
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}
