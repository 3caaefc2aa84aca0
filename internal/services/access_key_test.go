package services

import (
	"errors"
	"strings"
	"testing"

	"gorm.io/gorm"
)

func TestAccessKeyCreate_SecretShape(t *testing.T) {
	svc := NewAccessKeyService(setupTestDB(t))

	resp, err := svc.Create(&CreateAccessKeyRequest{Name: "cli"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if !strings.HasPrefix(resp.Secret, "tg_") {
		t.Errorf("secret = %q, expected tg_ prefix", resp.Secret)
	}
	if len(resp.Secret) != len("tg_")+32 {
		t.Errorf("secret length = %d, expected %d", len(resp.Secret), len("tg_")+32)
	}
	if resp.Key.KeyPrefix != resp.Secret[:9] {
		t.Errorf("KeyPrefix = %q, expected first chars of secret %q", resp.Key.KeyPrefix, resp.Secret[:9])
	}
	if resp.Key.SecretHash == resp.Secret {
		t.Error("secret stored in plaintext")
	}
	if !resp.Key.IsActive {
		t.Error("new key should be active")
	}
}

func TestAccessKeyVerifySecret(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAccessKeyService(db)

	resp, err := svc.Create(&CreateAccessKeyRequest{Name: "cli"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	id := resp.Key.ID

	ok, err := svc.VerifySecret(id, resp.Secret)
	if err != nil || !ok {
		t.Errorf("VerifySecret(correct) = %v, %v, expected true", ok, err)
	}

	ok, err = svc.VerifySecret(id, "tg_wrong")
	if err != nil || ok {
		t.Errorf("VerifySecret(wrong) = %v, %v, expected false", ok, err)
	}

	ok, err = svc.VerifySecret(9999, resp.Secret)
	if err != nil || ok {
		t.Errorf("VerifySecret(missing key) = %v, %v, expected false without error", ok, err)
	}

	// A disabled key never verifies, even with the right secret.
	inactive := false
	if _, err := svc.Update(id, &UpdateAccessKeyRequest{IsActive: &inactive}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	ok, err = svc.VerifySecret(id, resp.Secret)
	if err != nil || ok {
		t.Errorf("VerifySecret(disabled) = %v, %v, expected false", ok, err)
	}
}

func TestAccessKeyUpdate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAccessKeyService(db)
	_, key := seedIdentity(t, db)

	name := "renamed"
	updated, err := svc.Update(key.ID, &UpdateAccessKeyRequest{Name: &name})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("Name = %q, expected renamed", updated.Name)
	}
	if updated.UserID == nil || *updated.UserID != *key.UserID {
		t.Error("untouched fields should survive a partial update")
	}

	if _, err := svc.Update(9999, &UpdateAccessKeyRequest{Name: &name}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Update(missing) err = %v, expected record not found", err)
	}
}

func TestAccessKeyDelete(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAccessKeyService(db)
	_, key := seedIdentity(t, db)

	if err := svc.Delete(key.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.GetByID(key.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("GetByID after delete err = %v, expected record not found", err)
	}
	if err := svc.Delete(key.ID); err == nil {
		t.Error("second delete should report not found")
	}

	keys, err := svc.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List() = %d keys after delete, expected 0", len(keys))
	}
}
