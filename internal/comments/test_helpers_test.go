package comments

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type stepClock struct {
	current atomic.Int64
}

func newStepClock(start int64) *stepClock {
	clock := &stepClock{}
	clock.current.Store(start)
	return clock
}

// Now advances one second per call so submission times are distinct.
func (c *stepClock) Now() time.Time {
	return time.Unix(c.current.Add(1), 0).UTC()
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:comments_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
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
	if err := db.AutoMigrate(&Comment{}, &Association{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, segmentWidth int) (*Store, *gorm.DB) {
	t.Helper()

	db := openTestDatabase(t)
	clock := newStepClock(1700000000)
	store, err := NewStore(StoreConfig{
		Database:     db,
		Clock:        clock.Now,
		IDProvider:   NewUUIDProvider(),
		SegmentWidth: segmentWidth,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func blogTarget(objectID string) Target {
	return Target{ContentType: "blog.post", ObjectID: objectID, SiteID: 1}
}

func anonymousFields(body string) CommentFields {
	return CommentFields{
		Author:   Author{Name: "Alice", Email: "alice@example.com"},
		Body:     body,
		Markup:   MarkupPlain,
		IsPublic: true,
	}
}

func mustRoot(t *testing.T, store *Store, target Target) Comment {
	t.Helper()
	root, err := store.GetOrCreateRoot(context.Background(), target)
	if err != nil {
		t.Fatalf("unexpected root error: %v", err)
	}
	return root
}

func mustAddChild(t *testing.T, store *Store, parent Comment, body string) Comment {
	t.Helper()
	child, err := store.AddChild(context.Background(), parent, anonymousFields(body))
	if err != nil {
		t.Fatalf("unexpected add child error: %v", err)
	}
	return child
}
