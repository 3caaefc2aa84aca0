package models

import (
	"time"

	"gorm.io/gorm"
)

// AccessKey is a gateway credential. The secret is stored bcrypt-hashed; the
// plaintext is shown exactly once at creation time.
type AccessKey struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Name       string         `gorm:"size:100;not null" json:"name"`
	KeyPrefix  string         `gorm:"size:20;index" json:"key_prefix"` // first chars, for display
	SecretHash string         `gorm:"size:255" json:"-"`
	UserID     *uint          `gorm:"index" json:"user_id"` // owning user, if attributed
	IsActive   bool           `gorm:"default:true" json:"is_active"`
	LastUsedAt *time.Time     `json:"last_used_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (AccessKey) TableName() string { return "access_keys" }

// MaskedKey returns the display form of the key.
func (k *AccessKey) MaskedKey() string {
	if k.KeyPrefix == "" {
		return "****"
	}
	return k.KeyPrefix + "****"
}
