package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/utils"
	"gorm.io/gorm"
)

const accessKeyPrefix = "tg_"

// AccessKeyService manages gateway credentials.
type AccessKeyService struct {
	db *gorm.DB
}

func NewAccessKeyService(db *gorm.DB) *AccessKeyService {
	return &AccessKeyService{db: db}
}

type CreateAccessKeyRequest struct {
	Name   string `json:"name" binding:"required"`
	UserID *uint  `json:"user_id"`
}

// CreateAccessKeyResponse carries the plaintext secret. It is shown once;
// only the bcrypt hash is stored.
type CreateAccessKeyResponse struct {
	Key    *models.AccessKey `json:"key"`
	Secret string            `json:"secret"`
}

// Create mints a new key. The secret is prefix + 32 random hex chars.
func (s *AccessKeyService) Create(req *CreateAccessKeyRequest) (*CreateAccessKeyResponse, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}
	secret := accessKeyPrefix + hex.EncodeToString(raw)

	hash, err := utils.HashPassword(secret)
	if err != nil {
		return nil, fmt.Errorf("hash key secret: %w", err)
	}

	key := models.AccessKey{
		Name:       req.Name,
		KeyPrefix:  secret[:len(accessKeyPrefix)+6],
		SecretHash: hash,
		UserID:     req.UserID,
		IsActive:   true,
	}
	if err := s.db.Create(&key).Error; err != nil {
		return nil, err
	}

	return &CreateAccessKeyResponse{Key: &key, Secret: secret}, nil
}

func (s *AccessKeyService) List() ([]models.AccessKey, error) {
	var keys []models.AccessKey
	if err := s.db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *AccessKeyService) GetByID(id uint) (*models.AccessKey, error) {
	var key models.AccessKey
	if err := s.db.First(&key, id).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

type UpdateAccessKeyRequest struct {
	Name     *string `json:"name"`
	UserID   *uint   `json:"user_id"`
	IsActive *bool   `json:"is_active"`
}

func (s *AccessKeyService) Update(id uint, req *UpdateAccessKeyRequest) (*models.AccessKey, error) {
	key, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.UserID != nil {
		key.UserID = req.UserID
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}

	if err := s.db.Save(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

// Delete soft-deletes the key. Usage log rows referencing it stay put;
// history is append-only.
func (s *AccessKeyService) Delete(id uint) error {
	res := s.db.Delete(&models.AccessKey{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("access key not found")
	}
	return nil
}

// VerifySecret checks a presented secret against the stored hash. Used by
// the forwarder when it authenticates gateway traffic.
func (s *AccessKeyService) VerifySecret(id uint, secret string) (bool, error) {
	key, err := s.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if !key.IsActive {
		return false, nil
	}
	return utils.CheckPassword(secret, key.SecretHash), nil
}
