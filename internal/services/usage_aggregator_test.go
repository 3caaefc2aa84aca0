package services

import (
	"context"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/models"
)

// ingestAt writes one access-key usage log row with the given counters and
// occur time, going through the full ingestion path.
func ingestAt(t *testing.T, svc *UsageIngestionService, keyID uint, usage models.UsageData, occur time.Time) {
	t.Helper()
	task := NewUsageTask(usage, &keyID, nil, UsageMetadata{OccurTime: &occur})
	if err := svc.Process(context.Background(), task); err != nil {
		t.Fatalf("ingest usage at %v: %v", occur, err)
	}
}

func TestIncrementalAggregation_FoldsRowsIntoBuckets(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 10}, day.Add(9*time.Hour))
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 20}, day.Add(10*time.Hour))
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 30}, day.Add(10*time.Hour+30*time.Minute))

	result, err := aggregator.PerformIncrementalAggregation(day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("PerformIncrementalAggregation() error: %v", err)
	}
	if result.ProcessedCount != 3 {
		t.Errorf("ProcessedCount = %d, expected 3", result.ProcessedCount)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	// Day bucket sums all three rows.
	var dayBucket models.UsageStatistics
	err = db.Where("dimension_type = ? AND dimension_id = ? AND period_type = ? AND period_start = ?",
		models.DimensionAccessKey, key.ID, models.PeriodDay, day).First(&dayBucket).Error
	if err != nil {
		t.Fatalf("day bucket missing: %v", err)
	}
	if dayBucket.UsageData.InputTokens != 60 {
		t.Errorf("day bucket InputTokens = %d, expected 60", dayBucket.UsageData.InputTokens)
	}
	if dayBucket.TotalRequests != 3 {
		t.Errorf("day bucket TotalRequests = %d, expected 3", dayBucket.TotalRequests)
	}
	if !dayBucket.PeriodEnd.Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("day bucket PeriodEnd = %v, expected %v", dayBucket.PeriodEnd, day.AddDate(0, 0, 1))
	}

	// The 10:00 hour bucket holds the two rows in that hour.
	var hourBucket models.UsageStatistics
	err = db.Where("dimension_type = ? AND dimension_id = ? AND period_type = ? AND period_start = ?",
		models.DimensionAccessKey, key.ID, models.PeriodHour, day.Add(10*time.Hour)).First(&hourBucket).Error
	if err != nil {
		t.Fatalf("hour bucket missing: %v", err)
	}
	if hourBucket.UsageData.InputTokens != 50 || hourBucket.TotalRequests != 2 {
		t.Errorf("hour bucket = %d tokens / %d requests, expected 50/2",
			hourBucket.UsageData.InputTokens, hourBucket.TotalRequests)
	}

	// Month bucket covers everything.
	var monthBucket models.UsageStatistics
	err = db.Where("dimension_type = ? AND period_type = ?",
		models.DimensionAccessKey, models.PeriodMonth).First(&monthBucket).Error
	if err != nil {
		t.Fatalf("month bucket missing: %v", err)
	}
	if monthBucket.UsageData.InputTokens != 60 || monthBucket.TotalRequests != 3 {
		t.Errorf("month bucket = %d tokens / %d requests, expected 60/3",
			monthBucket.UsageData.InputTokens, monthBucket.TotalRequests)
	}
}

func TestIncrementalAggregation_SuccessiveWindowsAccumulate(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{OutputTokens: 5}, day.Add(8*time.Hour))

	if _, err := aggregator.PerformIncrementalAggregation(day, day.Add(9*time.Hour)); err != nil {
		t.Fatalf("first window: %v", err)
	}

	ingestAt(t, ingestion, key.ID, models.UsageData{OutputTokens: 7}, day.Add(9*time.Hour+15*time.Minute))

	if _, err := aggregator.PerformIncrementalAggregation(day.Add(9*time.Hour), day.Add(10*time.Hour)); err != nil {
		t.Fatalf("second window: %v", err)
	}

	var dayBucket models.UsageStatistics
	err := db.Where("period_type = ? AND dimension_type = ?", models.PeriodDay, models.DimensionAccessKey).
		First(&dayBucket).Error
	if err != nil {
		t.Fatalf("day bucket missing: %v", err)
	}
	if dayBucket.UsageData.OutputTokens != 12 || dayBucket.TotalRequests != 2 {
		t.Errorf("day bucket = %d tokens / %d requests, expected 12/2",
			dayBucket.UsageData.OutputTokens, dayBucket.TotalRequests)
	}
}

func TestIncrementalAggregation_WindowBoundsExclusive(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 1}, day.Add(10*time.Hour)) // at upper bound

	result, err := aggregator.PerformIncrementalAggregation(day, day.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("PerformIncrementalAggregation() error: %v", err)
	}
	if result.ProcessedCount != 0 {
		t.Errorf("row at exclusive upper bound was processed, ProcessedCount = %d", result.ProcessedCount)
	}
}

func TestIncrementalAggregation_RejectsEmptyWindow(t *testing.T) {
	db := setupTestDB(t)
	aggregator := NewUsageAggregatorService(db)

	at := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if _, err := aggregator.PerformIncrementalAggregation(at, at); err == nil {
		t.Error("expected error for empty window")
	}
	if _, err := aggregator.PerformIncrementalAggregation(at, at.Add(-time.Hour)); err == nil {
		t.Error("expected error for inverted window")
	}
}

func TestRebuild_MatchesIncremental(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 100, OutputTokens: 40}, day.Add(11*time.Hour))
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 200, OutputTokens: 60}, day.Add(14*time.Hour))

	if _, err := aggregator.PerformIncrementalAggregation(day, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("incremental: %v", err)
	}

	// Corrupt the day bucket, then rebuild.
	err := db.Model(&models.UsageStatistics{}).
		Where("period_type = ?", models.PeriodDay).
		Update("input_tokens", 999999).Error
	if err != nil {
		t.Fatalf("corrupt bucket: %v", err)
	}

	result, err := aggregator.RebuildAggregateData(models.DimensionAccessKey, key.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("RebuildAggregateData() error: %v", err)
	}
	// 2 hour buckets + 1 day bucket + 1 month bucket.
	if result.RowsRebuilt != 4 {
		t.Errorf("RowsRebuilt = %d, expected 4", result.RowsRebuilt)
	}

	var dayBucket models.UsageStatistics
	err = db.Where("period_type = ? AND dimension_type = ?", models.PeriodDay, models.DimensionAccessKey).
		First(&dayBucket).Error
	if err != nil {
		t.Fatalf("day bucket missing after rebuild: %v", err)
	}
	if dayBucket.UsageData.InputTokens != 300 || dayBucket.UsageData.OutputTokens != 100 {
		t.Errorf("rebuilt day bucket = %d/%d, expected 300/100",
			dayBucket.UsageData.InputTokens, dayBucket.UsageData.OutputTokens)
	}
	if dayBucket.TotalRequests != 2 {
		t.Errorf("rebuilt TotalRequests = %d, expected 2", dayBucket.TotalRequests)
	}
}

func TestRebuild_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 11}, day.Add(3*time.Hour))
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 22}, day.Add(5*time.Hour))

	if _, err := aggregator.RebuildAggregateData(models.DimensionAccessKey, key.ID, day, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	var first []models.UsageStatistics
	if err := db.Order("period_type, period_start").Find(&first).Error; err != nil {
		t.Fatalf("load first result: %v", err)
	}

	if _, err := aggregator.RebuildAggregateData(models.DimensionAccessKey, key.ID, day, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	var second []models.UsageStatistics
	if err := db.Order("period_type, period_start").Find(&second).Error; err != nil {
		t.Fatalf("load second result: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("bucket count changed across rebuilds: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.PeriodType != b.PeriodType || !a.PeriodStart.Equal(b.PeriodStart) {
			t.Errorf("bucket %d identity changed: %s/%v vs %s/%v", i, a.PeriodType, a.PeriodStart, b.PeriodType, b.PeriodStart)
		}
		if a.UsageData != b.UsageData || a.TotalRequests != b.TotalRequests {
			t.Errorf("bucket %d contents changed: %+v/%d vs %+v/%d",
				i, a.UsageData, a.TotalRequests, b.UsageData, b.TotalRequests)
		}
		if !a.LastUpdateTime.Equal(b.LastUpdateTime) {
			t.Errorf("bucket %d LastUpdateTime changed: %v vs %v", i, a.LastUpdateTime, b.LastUpdateTime)
		}
	}
}

func TestRebuild_UnknownDimension(t *testing.T) {
	db := setupTestDB(t)
	aggregator := NewUsageAggregatorService(db)

	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := aggregator.RebuildAggregateData("team", 1, day, day.AddDate(0, 0, 1)); err == nil {
		t.Error("expected error for unknown dimension type")
	}
}

func TestCleanupExpiredData(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	aggregator := NewUsageAggregatorService(db)

	oldDay := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	newDay := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 1}, oldDay.Add(time.Hour))
	ingestAt(t, ingestion, key.ID, models.UsageData{InputTokens: 2}, newDay.Add(time.Hour))

	if _, err := aggregator.PerformIncrementalAggregation(oldDay, newDay.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	deleted, err := aggregator.CleanupExpiredData(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CleanupExpiredData() error: %v", err)
	}
	// Old hour, day and month buckets all ended before the cutoff.
	if deleted != 3 {
		t.Errorf("deleted = %d, expected 3", deleted)
	}

	// Recent buckets and all raw rows survive.
	var remaining int64
	db.Model(&models.UsageStatistics{}).Count(&remaining)
	if remaining != 3 {
		t.Errorf("remaining buckets = %d, expected 3", remaining)
	}
	var rawRows int64
	db.Model(&models.AccessKeyUsageLog{}).Count(&rawRows)
	if rawRows != 2 {
		t.Errorf("raw log rows = %d, expected 2", rawRows)
	}
}
