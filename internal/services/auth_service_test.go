package services

import (
	"errors"
	"testing"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/utils"
	"gorm.io/gorm"
)

func init() {
	utils.SetJWTSecret("test-secret-for-service-tests")
}

func newTestAuthService(t *testing.T) (*AuthService, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewAuthService(db, &config.JWTConfig{Secret: "test-secret-for-service-tests", ExpireHour: 24}), db
}

func seedUser(t *testing.T, db *gorm.DB, username, password string, active bool) *models.User {
	t.Helper()
	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &models.User{Username: username, Password: hash, Role: "user", IsActive: active}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestLogin_Success(t *testing.T) {
	svc, db := newTestAuthService(t)
	user := seedUser(t, db, "alice", "s3cret", true)

	resp, err := svc.Login(&LoginRequest{Username: "alice", Password: "s3cret"}, "127.0.0.1")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a token")
	}
	if resp.User.ID != user.ID {
		t.Errorf("User.ID = %d, expected %d", resp.User.ID, user.ID)
	}

	claims, err := utils.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("token username = %q, expected alice", claims.Username)
	}

	// Last login is recorded.
	var reloaded models.User
	db.First(&reloaded, user.ID)
	if reloaded.LastLogin == nil {
		t.Error("LastLogin should be set after login")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc, db := newTestAuthService(t)
	seedUser(t, db, "alice", "s3cret", true)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "bob", "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(&LoginRequest{Username: tt.username, Password: tt.password}, "127.0.0.1")
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, expected ErrInvalidCredentials", err)
			}
		})
	}
}

func TestLogin_DisabledAccount(t *testing.T) {
	svc, db := newTestAuthService(t)
	seedUser(t, db, "alice", "s3cret", false)

	_, err := svc.Login(&LoginRequest{Username: "alice", Password: "s3cret"}, "127.0.0.1")
	if err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("disabled account should fail with a distinct error, got %v", err)
	}
}

func TestCreateAdminIfNotExists(t *testing.T) {
	svc, db := newTestAuthService(t)

	if err := svc.CreateAdminIfNotExists(); err != nil {
		t.Fatalf("CreateAdminIfNotExists() error: %v", err)
	}

	var admin models.User
	if err := db.Where("username = ?", "admin").First(&admin).Error; err != nil {
		t.Fatalf("admin not created: %v", err)
	}
	if admin.Role != "admin" || !admin.IsActive {
		t.Errorf("admin row = role %q active %v, expected admin/true", admin.Role, admin.IsActive)
	}

	// Idempotent: a second call does not add another admin.
	if err := svc.CreateAdminIfNotExists(); err != nil {
		t.Fatalf("second CreateAdminIfNotExists() error: %v", err)
	}
	var count int64
	db.Model(&models.User{}).Where("role = ?", "admin").Count(&count)
	if count != 1 {
		t.Errorf("admin count = %d, expected 1", count)
	}
}
