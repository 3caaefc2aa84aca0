package services

import (
	"testing"

	"github.com/tokengate/tokengate/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupTestDB opens a fresh in-memory database with the usage schema
// migrated. Limited to one connection so every session sees the same
// in-memory store.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.User{},
		&models.AccessKey{},
		&models.AccessKeyUsageLog{},
		&models.UserUsageLog{},
		&models.UsageStatistics{},
		&models.AggregationCheckpoint{},
		&models.SchedulerLock{},
		&models.SystemLog{},
	); err != nil {
		t.Fatalf("migrate test schema: %v", err)
	}

	return db
}

// seedIdentity creates one user and one access key owned by that user.
func seedIdentity(t *testing.T, db *gorm.DB) (*models.User, *models.AccessKey) {
	t.Helper()

	user := &models.User{Username: "alice", Password: "x", Role: "user", IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	key := &models.AccessKey{
		Name:       "cli",
		KeyPrefix:  "tg_abc123",
		SecretHash: "x",
		UserID:     &user.ID,
		IsActive:   true,
	}
	if err := db.Create(key).Error; err != nil {
		t.Fatalf("seed access key: %v", err)
	}

	return user, key
}
