package models

import "time"

// UsageLogFields holds the columns shared by both usage log tables. The two
// tables are symmetric: each is owned by one dimension and carries the other
// as an optional cross-reference. Rows are append-only; nothing updates them
// after creation.
type UsageLogFields struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventID    string    `gorm:"size:36;index" json:"event_id"`
	UsageData  UsageData `gorm:"embedded" json:"usage"`
	RequestID  string    `gorm:"size:100" json:"request_id"`
	Model      string    `gorm:"size:100" json:"model"`
	StopReason string    `gorm:"size:50" json:"stop_reason"`
	Endpoint   string    `gorm:"size:200" json:"endpoint"`
	Feature    string    `gorm:"size:100" json:"feature"`
	// OccurTime is when the usage actually happened, as opposed to when the
	// row was written. Ingestion is asynchronous and may lag.
	OccurTime time.Time `gorm:"index;not null" json:"occur_time"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessKeyUsageLog records one provider call attributed to an access key.
type AccessKeyUsageLog struct {
	UsageLogFields
	AccessKeyID uint  `gorm:"not null;index" json:"access_key_id"`
	UserID      *uint `gorm:"index" json:"user_id"`
}

// UserUsageLog records one provider call attributed to a user.
type UserUsageLog struct {
	UsageLogFields
	UserID      uint  `gorm:"not null;index" json:"user_id"`
	AccessKeyID *uint `gorm:"index" json:"access_key_id"`
}

func (AccessKeyUsageLog) TableName() string { return "access_key_usage_logs" }
func (UserUsageLog) TableName() string      { return "user_usage_logs" }
