package services

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/pkg/logger"
	"gorm.io/gorm"
)

const (
	aggregationLockName  = "usage_aggregation"
	cleanupLockName      = "usage_cleanup"
	aggregationCheckName = "usage_incremental"

	lockTTL = 10 * time.Minute
)

// UsageScheduler drives the aggregator on a cron schedule. A DB lock keeps
// concurrent instances from running the same job, and a persisted
// checkpoint makes successive incremental windows contiguous and
// non-overlapping.
type UsageScheduler struct {
	db          *gorm.DB
	aggregator  *UsageAggregatorService
	cronSched   *cron.Cron
	cronSpec    string
	cleanupSpec string
	lag         time.Duration
	retention   time.Duration
	instanceID  string
}

func NewUsageScheduler(db *gorm.DB, aggregator *UsageAggregatorService, cfg *config.AggregationConfig) *UsageScheduler {
	host, _ := os.Hostname()
	return &UsageScheduler{
		db:          db,
		aggregator:  aggregator,
		cronSpec:    cfg.CronSpec,
		cleanupSpec: cfg.CleanupSpec,
		lag:         time.Duration(cfg.LagSeconds) * time.Second,
		retention:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		instanceID:  fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
}

// Start registers the cron entries and begins the schedule.
func (s *UsageScheduler) Start() error {
	s.cronSched = cron.New()

	if _, err := s.cronSched.AddFunc(s.cronSpec, s.RunIncremental); err != nil {
		return fmt.Errorf("invalid aggregation cron spec %q: %w", s.cronSpec, err)
	}
	if _, err := s.cronSched.AddFunc(s.cleanupSpec, s.RunCleanup); err != nil {
		return fmt.Errorf("invalid cleanup cron spec %q: %w", s.cleanupSpec, err)
	}

	s.cronSched.Start()
	logger.Infof("[Scheduler] aggregation %q, cleanup %q, lag %s", s.cronSpec, s.cleanupSpec, s.lag)
	return nil
}

func (s *UsageScheduler) Stop() {
	if s.cronSched != nil {
		s.cronSched.Stop()
	}
}

// RunIncremental aggregates the window between the last checkpoint and
// now-lag. The lag keeps in-flight ingestion out of the window.
func (s *UsageScheduler) RunIncremental() {
	if !s.acquireLock(aggregationLockName) {
		logger.Debug().Msg("aggregation lock held elsewhere, skipping tick")
		return
	}
	defer s.releaseLock(aggregationLockName)

	to := time.Now().UTC().Add(-s.lag).Truncate(time.Second)
	from, fresh, err := s.loadCheckpoint(to)
	if err != nil {
		logger.Errorf("[Scheduler] load aggregation checkpoint: %v", err)
		return
	}
	if !to.After(from) {
		if fresh {
			// No checkpoint and no rows older than the window: persist the
			// initial watermark so the next tick has a real lower bound.
			if err := s.saveCheckpoint(to); err != nil {
				logger.Errorf("[Scheduler] bootstrap aggregation checkpoint: %v", err)
			}
		}
		return
	}

	result, err := s.aggregator.PerformIncrementalAggregation(from, to)
	if err != nil {
		logger.Errorf("[Scheduler] incremental aggregation failed: %v", err)
		LogError("usage", "aggregate", err.Error(), nil, "", nil)
		return
	}
	if len(result.Errors) > 0 {
		// Partial failure: keep the watermark so the failed buckets are
		// retried with the next window via rebuild, and surface it.
		logger.Warnf("[Scheduler] aggregation finished with %d bucket errors", len(result.Errors))
		LogWarning("usage", "aggregate", "aggregation finished with bucket errors", nil, "", result.Errors)
	}

	if err := s.saveCheckpoint(to); err != nil {
		logger.Errorf("[Scheduler] save aggregation checkpoint: %v", err)
	}
}

// RunCleanup expires statistics buckets past retention.
func (s *UsageScheduler) RunCleanup() {
	if !s.acquireLock(cleanupLockName) {
		return
	}
	defer s.releaseLock(cleanupLockName)

	if s.retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.retention)
	if _, err := s.aggregator.CleanupExpiredData(cutoff); err != nil {
		logger.Errorf("[Scheduler] statistics cleanup failed: %v", err)
	}
}

// loadCheckpoint returns the start of the next window and whether the
// checkpoint had to be bootstrapped. A fresh deployment starts at the
// earliest recorded occur time, so the first run catches up on any rows
// ingested before the scheduler ever ran; with no rows at all it starts
// at the window's upper bound.
func (s *UsageScheduler) loadCheckpoint(fallback time.Time) (time.Time, bool, error) {
	var cp models.AggregationCheckpoint
	err := s.db.Where("name = ?", aggregationCheckName).First(&cp).Error
	if err == nil {
		return cp.AggregatedUpTo.UTC(), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, err
	}

	from, err := s.earliestOccurTime(fallback)
	if err != nil {
		return time.Time{}, false, err
	}
	return from, true, nil
}

// earliestOccurTime finds the oldest occur time across both log tables,
// or the fallback when no rows exist yet.
func (s *UsageScheduler) earliestOccurTime(fallback time.Time) (time.Time, error) {
	earliest := fallback

	var keyRow models.AccessKeyUsageLog
	err := s.db.Order("occur_time ASC").First(&keyRow).Error
	if err == nil && keyRow.OccurTime.Before(earliest) {
		earliest = keyRow.OccurTime
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, err
	}

	var userRow models.UserUsageLog
	err = s.db.Order("occur_time ASC").First(&userRow).Error
	if err == nil && userRow.OccurTime.Before(earliest) {
		earliest = userRow.OccurTime
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, err
	}

	return earliest.UTC(), nil
}

func (s *UsageScheduler) saveCheckpoint(upTo time.Time) error {
	res := s.db.Model(&models.AggregationCheckpoint{}).
		Where("name = ?", aggregationCheckName).
		Update("aggregated_up_to", upTo)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.db.Create(&models.AggregationCheckpoint{
		Name:           aggregationCheckName,
		AggregatedUpTo: upTo,
	}).Error
}

// acquireLock takes the named DB lock, stealing it if the previous holder's
// lease expired.
func (s *UsageScheduler) acquireLock(name string) bool {
	now := time.Now().UTC()
	lock := models.SchedulerLock{
		LockName:  name,
		LockKey:   "singleton",
		LockedBy:  s.instanceID,
		LockedAt:  now,
		ExpiresAt: now.Add(lockTTL),
	}

	if err := s.db.Create(&lock).Error; err == nil {
		return true
	}

	// Row exists: take it over only if the lease has lapsed.
	res := s.db.Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND lock_key = ? AND expires_at < ?", name, "singleton", now).
		Updates(map[string]interface{}{
			"locked_by":  s.instanceID,
			"locked_at":  now,
			"expires_at": now.Add(lockTTL),
		})
	return res.Error == nil && res.RowsAffected > 0
}

func (s *UsageScheduler) releaseLock(name string) {
	s.db.Where("lock_name = ? AND lock_key = ? AND locked_by = ?", name, "singleton", s.instanceID).
		Delete(&models.SchedulerLock{})
}
