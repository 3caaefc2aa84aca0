package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/pkg/logger"
	"gorm.io/gorm"
)

// AccessKeyResolver looks up access keys for usage attribution. Injected so
// ingestion can be tested without real credential data.
type AccessKeyResolver interface {
	// FindRequiredByID returns an error when the key does not exist.
	FindRequiredByID(id uint) (*models.AccessKey, error)
	// FindByID returns (nil, nil) when the key does not exist.
	FindByID(id uint) (*models.AccessKey, error)
}

// UserResolver looks up users for usage attribution.
type UserResolver interface {
	FindRequiredByID(id uint) (*models.User, error)
	FindByID(id uint) (*models.User, error)
}

// GormAccessKeyResolver resolves access keys from the database.
type GormAccessKeyResolver struct {
	db *gorm.DB
}

func NewGormAccessKeyResolver(db *gorm.DB) *GormAccessKeyResolver {
	return &GormAccessKeyResolver{db: db}
}

func (r *GormAccessKeyResolver) FindRequiredByID(id uint) (*models.AccessKey, error) {
	var key models.AccessKey
	if err := r.db.First(&key, id).Error; err != nil {
		return nil, fmt.Errorf("access key %d: %w", id, err)
	}
	return &key, nil
}

func (r *GormAccessKeyResolver) FindByID(id uint) (*models.AccessKey, error) {
	var key models.AccessKey
	err := r.db.First(&key, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GormUserResolver resolves users from the database.
type GormUserResolver struct {
	db *gorm.DB
}

func NewGormUserResolver(db *gorm.DB) *GormUserResolver {
	return &GormUserResolver{db: db}
}

func (r *GormUserResolver) FindRequiredByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	return &user, nil
}

func (r *GormUserResolver) FindByID(id uint) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UsageIngestionService consumes queued usage tasks and writes the
// per-dimension log rows. One task, one transaction: either every
// applicable row is committed or none is. Errors propagate to the delivery
// layer, which owns retry and dead-letter policy.
type UsageIngestionService struct {
	db    *gorm.DB
	keys  AccessKeyResolver
	users UserResolver
}

func NewUsageIngestionService(db *gorm.DB) *UsageIngestionService {
	return &UsageIngestionService{
		db:    db,
		keys:  NewGormAccessKeyResolver(db),
		users: NewGormUserResolver(db),
	}
}

// NewUsageIngestionServiceWithResolvers injects custom identity resolvers.
func NewUsageIngestionServiceWithResolvers(db *gorm.DB, keys AccessKeyResolver, users UserResolver) *UsageIngestionService {
	return &UsageIngestionService{db: db, keys: keys, users: users}
}

// Process handles one usage task. A task whose identity references cannot
// be resolved at all is acknowledged with a warning, not retried; a
// reference that should exist but doesn't is an error and is redelivered.
func (s *UsageIngestionService) Process(ctx context.Context, task *UsageTask) error {
	var accessKey *models.AccessKey
	var user *models.User

	if task.AccessKeyID != nil {
		key, err := s.keys.FindRequiredByID(*task.AccessKeyID)
		if err != nil {
			return fmt.Errorf("resolve access key for event %s: %w", task.EventID, err)
		}
		accessKey = key
	}

	if task.UserID != nil {
		u, err := s.users.FindRequiredByID(*task.UserID)
		if err != nil {
			return fmt.Errorf("resolve user for event %s: %w", task.EventID, err)
		}
		user = u
	}

	if accessKey == nil && user == nil {
		// Orphaned event: nothing to attribute, nothing to write.
		logger.Warnf("[UsageIngestion] event %s has no resolvable identity, skipping", task.EventID)
		LogWarning("usage", "ingest_skip", "usage event without resolvable identity", nil, "", task.EventID)
		return nil
	}

	occurTime := time.Now().UTC()
	if task.Metadata.OccurTime != nil {
		occurTime = task.Metadata.OccurTime.UTC()
	}

	fields := models.UsageLogFields{
		EventID:    task.EventID,
		UsageData:  task.Usage,
		RequestID:  task.Metadata.RequestID,
		Model:      task.Metadata.Model,
		StopReason: task.Metadata.StopReason,
		Endpoint:   task.Metadata.Endpoint,
		Feature:    task.Metadata.Feature,
		OccurTime:  occurTime,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if accessKey != nil {
			row := models.AccessKeyUsageLog{
				UsageLogFields: fields,
				AccessKeyID:    accessKey.ID,
			}
			if user != nil {
				row.UserID = &user.ID
			} else if accessKey.UserID != nil {
				row.UserID = accessKey.UserID
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("write access key usage log: %w", err)
			}
		}

		if user != nil {
			row := models.UserUsageLog{
				UsageLogFields: fields,
				UserID:         user.ID,
			}
			if accessKey != nil {
				row.AccessKeyID = &accessKey.ID
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("write user usage log: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("persist usage event %s: %w", task.EventID, err)
	}

	logger.Debug().
		Str("event_id", task.EventID).
		Int64("total_tokens", task.Usage.TotalTokens()).
		Time("occur_time", occurTime).
		Msg("usage event ingested")
	return nil
}
