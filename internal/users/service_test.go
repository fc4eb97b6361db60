package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/e-jigsaw/l1nk/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1_800_000_000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveUserCreatesAccountFromProviderClaims(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "User@Example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	user, err := service.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.AuthProvider != "google" || user.AuthProviderID != "12345" {
		t.Fatalf("expected provider identity google/12345, got %s/%s", user.AuthProvider, user.AuthProviderID)
	}
	if user.Email != "user@example.com" || user.PhotoURL != "https://example.com/avatar.png" {
		t.Fatalf("unexpected profile %+v", user)
	}
	if user.Name != "Example User" {
		t.Fatalf("expected name to fall back to display name, got %q", user.Name)
	}

	again, err := service.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again.ID != user.ID {
		t.Fatalf("expected stable user id, got %q and %q", user.ID, again.ID)
	}

	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single user row, got %d", count)
	}
}

func TestResolveUserLinksIdentityByEmail(t *testing.T) {
	service, _ := newTestService(t)

	first, err := service.ResolveUser(context.Background(), auth.SessionClaims{
		UserID:    "google:1",
		UserEmail: "shared@example.com",
	})
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := service.ResolveUser(context.Background(), auth.SessionClaims{
		UserID:          "github:99",
		UserEmail:       "shared@example.com",
		UserDisplayName: "Octo",
	})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected email match to reuse user %s, got %s", first.ID, second.ID)
	}
	if second.AuthProvider != "github" || second.DisplayName != "Octo" {
		t.Fatalf("expected identity to move to github with refreshed profile, got %+v", second)
	}
}

func TestResolveUserRejectsClaimsWithoutIdentity(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{UserID: "google:7"}); err != ErrInvalidIdentity {
		t.Fatalf("expected missing email to be rejected, got %v", err)
	}
}

func TestResolveUserRefreshesCachedProfile(t *testing.T) {
	service, db := newTestService(t)

	first, err := service.ResolveUser(context.Background(), auth.SessionClaims{
		UserID:          "google:5",
		UserEmail:       "cached@example.com",
		UserDisplayName: "Before",
	})
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	renamed, err := service.ResolveUser(context.Background(), auth.SessionClaims{
		UserID:          "google:5",
		UserEmail:       "cached@example.com",
		UserDisplayName: "After",
	})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if renamed.ID != first.ID || renamed.DisplayName != "After" {
		t.Fatalf("expected refreshed display name on the same user, got %+v", renamed)
	}

	var stored User
	if err := db.Where("id = ?", first.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if stored.DisplayName != "After" {
		t.Fatalf("expected stored display name to be refreshed, got %q", stored.DisplayName)
	}
}

func TestResolveUserDropsCacheAfterIdentityMoves(t *testing.T) {
	service, db := newTestService(t)
	googleClaims := auth.SessionClaims{UserID: "google:1", UserEmail: "moved@example.com"}

	original, err := service.ResolveUser(context.Background(), googleClaims)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{
		UserID:    "github:2",
		UserEmail: "moved@example.com",
	}); err != nil {
		t.Fatalf("linking resolve failed: %v", err)
	}

	back, err := service.ResolveUser(context.Background(), googleClaims)
	if err != nil {
		t.Fatalf("resolve after move failed: %v", err)
	}
	if back.ID != original.ID {
		t.Fatalf("expected the same user, got %s and %s", original.ID, back.ID)
	}

	var stored User
	if err := db.Where("id = ?", original.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if stored.AuthProvider != "google" || stored.AuthProviderID != "1" {
		t.Fatalf("expected identity to move back to google/1, got %s/%s", stored.AuthProvider, stored.AuthProviderID)
	}
}
