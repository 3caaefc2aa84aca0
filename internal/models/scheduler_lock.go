package models

import "time"

// SchedulerLock is a DB-backed lock so only one instance runs a scheduled
// job (aggregation tick, statistics cleanup) at a time.
type SchedulerLock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LockName  string    `gorm:"uniqueIndex:idx_lock_name_key;size:100;not null" json:"lock_name"`
	LockKey   string    `gorm:"uniqueIndex:idx_lock_name_key;size:100;not null" json:"lock_key"`
	LockedBy  string    `gorm:"size:100" json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (SchedulerLock) TableName() string { return "scheduler_locks" }

// AggregationCheckpoint records the upper bound of the last aggregated
// window. Successive scheduled windows start where the previous one ended,
// so no two incremental runs ever overlap.
type AggregationCheckpoint struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"uniqueIndex;size:100;not null" json:"name"`
	AggregatedUpTo time.Time `gorm:"not null" json:"aggregated_up_to"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (AggregationCheckpoint) TableName() string { return "aggregation_checkpoints" }
