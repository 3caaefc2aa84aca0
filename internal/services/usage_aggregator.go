package services

import (
	"fmt"
	"time"

	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/pkg/logger"
	"gorm.io/gorm"
)

var periodTypes = []string{models.PeriodHour, models.PeriodDay, models.PeriodMonth}

// UsageAggregatorService folds raw usage log rows into time-bucketed
// statistics. Raw rows stay the source of truth; every statistics row can
// be recomputed from them via Rebuild.
type UsageAggregatorService struct {
	db *gorm.DB
}

func NewUsageAggregatorService(db *gorm.DB) *UsageAggregatorService {
	return &UsageAggregatorService{db: db}
}

// AggregationResult summarizes one incremental run.
type AggregationResult struct {
	ProcessedCount  int64    `json:"processed_count"`
	UpdatedStatRows int64    `json:"updated_stat_rows"`
	Errors          []string `json:"errors,omitempty"`
}

// RebuildResult summarizes one rebuild run.
type RebuildResult struct {
	RowsRebuilt int64 `json:"rows_rebuilt"`
}

// bucketKey identifies one statistics bucket.
type bucketKey struct {
	dimensionType string
	dimensionID   uint
	periodType    string
	periodStart   time.Time
}

// bucketDelta accumulates log rows destined for one bucket.
type bucketDelta struct {
	usage     models.UsageData
	requests  int64
	periodEnd time.Time
	lastOccur time.Time
}

func (d *bucketDelta) add(u models.UsageData, occur time.Time) {
	d.usage.InputTokens += u.InputTokens
	d.usage.CacheCreationInputTokens += u.CacheCreationInputTokens
	d.usage.CacheReadInputTokens += u.CacheReadInputTokens
	d.usage.OutputTokens += u.OutputTokens
	d.requests++
	if occur.After(d.lastOccur) {
		d.lastOccur = occur
	}
}

// PerformIncrementalAggregation folds every usage log row with occur_time
// in [from, to) into the matching statistics buckets. The caller guarantees
// successive windows do not overlap; within that contract each row is
// counted exactly once.
func (s *UsageAggregatorService) PerformIncrementalAggregation(from, to time.Time) (*AggregationResult, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid aggregation window [%s, %s)", from, to)
	}
	from, to = from.UTC(), to.UTC()

	result := &AggregationResult{}
	deltas := make(map[bucketKey]*bucketDelta)

	processed, err := s.scanAccessKeyLogs(from, to, deltas)
	if err != nil {
		return nil, fmt.Errorf("scan access key usage logs: %w", err)
	}
	result.ProcessedCount += processed

	processed, err = s.scanUserLogs(from, to, deltas)
	if err != nil {
		return nil, fmt.Errorf("scan user usage logs: %w", err)
	}
	result.ProcessedCount += processed

	for key, delta := range deltas {
		if err := s.applyDelta(key, delta); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bucket %s/%d/%s/%s: %v",
				key.dimensionType, key.dimensionID, key.periodType,
				key.periodStart.Format(time.RFC3339), err))
			continue
		}
		result.UpdatedStatRows++
	}

	logger.Infof("[Aggregator] incremental run [%s, %s): %d rows into %d buckets, %d errors",
		from.Format(time.RFC3339), to.Format(time.RFC3339),
		result.ProcessedCount, result.UpdatedStatRows, len(result.Errors))
	return result, nil
}

func (s *UsageAggregatorService) scanAccessKeyLogs(from, to time.Time, deltas map[bucketKey]*bucketDelta) (int64, error) {
	var count int64
	var batch []models.AccessKeyUsageLog
	err := s.db.
		Where("occur_time >= ? AND occur_time < ?", from, to).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, row := range batch {
				count++
				foldRow(deltas, models.DimensionAccessKey, row.AccessKeyID, row.UsageData, row.OccurTime)
			}
			return nil
		}).Error
	return count, err
}

func (s *UsageAggregatorService) scanUserLogs(from, to time.Time, deltas map[bucketKey]*bucketDelta) (int64, error) {
	var count int64
	var batch []models.UserUsageLog
	err := s.db.
		Where("occur_time >= ? AND occur_time < ?", from, to).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, row := range batch {
				count++
				foldRow(deltas, models.DimensionUser, row.UserID, row.UsageData, row.OccurTime)
			}
			return nil
		}).Error
	return count, err
}

func foldRow(deltas map[bucketKey]*bucketDelta, dimensionType string, dimensionID uint, usage models.UsageData, occur time.Time) {
	for _, pt := range periodTypes {
		start, end := models.PeriodBounds(pt, occur)
		key := bucketKey{
			dimensionType: dimensionType,
			dimensionID:   dimensionID,
			periodType:    pt,
			periodStart:   start,
		}
		delta, ok := deltas[key]
		if !ok {
			delta = &bucketDelta{periodEnd: end}
			deltas[key] = delta
		}
		delta.add(usage, occur)
	}
}

// applyDelta increments one statistics bucket, creating it if absent. The
// increment is an in-place SQL update so concurrent writers to the same
// bucket cannot lose updates; insert races fall back to the update path.
func (s *UsageAggregatorService) applyDelta(key bucketKey, delta *bucketDelta) error {
	now := time.Now().UTC()

	update := func(tx *gorm.DB) (int64, error) {
		res := tx.Model(&models.UsageStatistics{}).
			Where("dimension_type = ? AND dimension_id = ? AND period_type = ? AND period_start = ?",
				key.dimensionType, key.dimensionID, key.periodType, key.periodStart).
			Updates(map[string]interface{}{
				"input_tokens":                gorm.Expr("input_tokens + ?", delta.usage.InputTokens),
				"cache_creation_input_tokens": gorm.Expr("cache_creation_input_tokens + ?", delta.usage.CacheCreationInputTokens),
				"cache_read_input_tokens":     gorm.Expr("cache_read_input_tokens + ?", delta.usage.CacheReadInputTokens),
				"output_tokens":               gorm.Expr("output_tokens + ?", delta.usage.OutputTokens),
				"total_requests":              gorm.Expr("total_requests + ?", delta.requests),
				"last_update_time":            now,
			})
		return res.RowsAffected, res.Error
	}

	affected, err := update(s.db)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	row := models.UsageStatistics{
		DimensionType:  key.dimensionType,
		DimensionID:    key.dimensionID,
		PeriodType:     key.periodType,
		PeriodStart:    key.periodStart,
		PeriodEnd:      delta.periodEnd,
		UsageData:      delta.usage,
		TotalRequests:  delta.requests,
		LastUpdateTime: now,
	}
	if err := s.db.Create(&row).Error; err == nil {
		return nil
	}
	// Unique key collision: another writer created the bucket first.
	affected, err = update(s.db)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("statistics bucket neither updatable nor creatable")
	}
	return nil
}

// RebuildAggregateData recomputes every statistics bucket for one dimension
// whose period start falls in [startDate, endDate), replacing whatever is
// there. Safe to run any number of times: identical inputs produce
// identical rows.
func (s *UsageAggregatorService) RebuildAggregateData(dimensionType string, dimensionID uint, startDate, endDate time.Time) (*RebuildResult, error) {
	if dimensionType != models.DimensionAccessKey && dimensionType != models.DimensionUser {
		return nil, fmt.Errorf("unknown dimension type %q", dimensionType)
	}
	if !endDate.After(startDate) {
		return nil, fmt.Errorf("invalid rebuild range [%s, %s)", startDate, endDate)
	}
	startDate, endDate = startDate.UTC(), endDate.UTC()

	// The widest bucket containing startDate begins at the month boundary;
	// the widest containing the range's last instant ends at the next one.
	scanFrom, _ := models.PeriodBounds(models.PeriodMonth, startDate)
	_, scanTo := models.PeriodBounds(models.PeriodMonth, endDate.Add(-time.Nanosecond))

	deltas := make(map[bucketKey]*bucketDelta)
	var err error
	if dimensionType == models.DimensionAccessKey {
		var batch []models.AccessKeyUsageLog
		err = s.db.
			Where("access_key_id = ? AND occur_time >= ? AND occur_time < ?", dimensionID, scanFrom, scanTo).
			FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
				for _, row := range batch {
					foldRow(deltas, dimensionType, dimensionID, row.UsageData, row.OccurTime)
				}
				return nil
			}).Error
	} else {
		var batch []models.UserUsageLog
		err = s.db.
			Where("user_id = ? AND occur_time >= ? AND occur_time < ?", dimensionID, scanFrom, scanTo).
			FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
				for _, row := range batch {
					foldRow(deltas, dimensionType, dimensionID, row.UsageData, row.OccurTime)
				}
				return nil
			}).Error
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage logs for rebuild: %w", err)
	}

	result := &RebuildResult{}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, pt := range periodTypes {
			alignedStart, _ := models.PeriodBounds(pt, startDate)
			if err := tx.
				Where("dimension_type = ? AND dimension_id = ? AND period_type = ? AND period_start >= ? AND period_start < ?",
					dimensionType, dimensionID, pt, alignedStart, endDate).
				Delete(&models.UsageStatistics{}).Error; err != nil {
				return fmt.Errorf("delete stale %s buckets: %w", pt, err)
			}
		}

		for key, delta := range deltas {
			alignedStart, _ := models.PeriodBounds(key.periodType, startDate)
			if key.periodStart.Before(alignedStart) || !key.periodStart.Before(endDate) {
				continue
			}
			row := models.UsageStatistics{
				DimensionType: key.dimensionType,
				DimensionID:   key.dimensionID,
				PeriodType:    key.periodType,
				PeriodStart:   key.periodStart,
				PeriodEnd:     delta.periodEnd,
				UsageData:     delta.usage,
				TotalRequests: delta.requests,
				// Deterministic, so repeated rebuilds yield identical rows.
				LastUpdateTime: delta.lastOccur,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("write rebuilt bucket: %w", err)
			}
			result.RowsRebuilt++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("[Aggregator] rebuilt %d buckets for %s %d in [%s, %s)",
		result.RowsRebuilt, dimensionType, dimensionID,
		startDate.Format(time.RFC3339), endDate.Format(time.RFC3339))
	return result, nil
}

// CleanupExpiredData deletes statistics buckets that ended before the
// cutoff. Raw usage log rows are untouched; their retention is a separate
// policy.
func (s *UsageAggregatorService) CleanupExpiredData(before time.Time) (int64, error) {
	res := s.db.Where("period_end < ?", before.UTC()).Delete(&models.UsageStatistics{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Infof("[Aggregator] expired %d statistics buckets older than %s",
			res.RowsAffected, before.UTC().Format(time.RFC3339))
	}
	return res.RowsAffected, nil
}
