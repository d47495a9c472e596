package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveCommenterFallsBackToStoredProfile(t *testing.T) {
	service, _ := newTestService(t)

	commenter, err := service.ResolveCommenter(auth.SessionClaims{
		UserID:          "google:777",
		UserEmail:       "ada@example.com",
		UserDisplayName: "Ada",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if commenter != (Commenter{UserID: "777", Name: "Ada", Email: "ada@example.com"}) {
		t.Fatalf("unexpected commenter %+v", commenter)
	}

	commenter, err = service.ResolveCommenter(auth.SessionClaims{UserID: "google:777"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if commenter.Name != "Ada" || commenter.Email != "ada@example.com" {
		t.Fatalf("expected stored profile to fill missing claims, got %+v", commenter)
	}
}

func TestResolveCommenterRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveCommenter(auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
