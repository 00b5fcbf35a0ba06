package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/apperr"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *gorm.DB, *testClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:cartsync_users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now, CacheTTL: ttl})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	return service, db, clock
}

func TestUpsertCreatesThenRefreshesProfile(t *testing.T) {
	service, db, _ := newTestService(t, time.Minute)

	err := service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An empty claim must not wipe an existing attribute.
	err = service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada L.", Email: ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored User
	if err := db.Take(&stored, "uid = ?", "user-a").Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if stored.DisplayName != "Ada L." {
		t.Fatalf("expected refreshed display name, got %q", stored.DisplayName)
	}
	if stored.Email != "ada@example.com" {
		t.Fatalf("expected email preserved, got %q", stored.Email)
	}
}

func TestGetUsesCacheUntilTTLExpires(t *testing.T) {
	service, db, clock := newTestService(t, time.Minute)

	if err := service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Get(context.Background(), "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mutate the row behind the service's back; the cache still serves the
	// old value until it expires.
	err := db.Model(&User{}).Where("uid = ?", "user-a").Update("display_name", "Renamed").Error
	if err != nil {
		t.Fatalf("failed to mutate row: %v", err)
	}

	cached, err := service.Get(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached.DisplayName != "Ada" {
		t.Fatalf("expected cached value, got %q", cached.DisplayName)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	fresh, err := service.Get(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.DisplayName != "Renamed" {
		t.Fatalf("expected fresh value after ttl, got %q", fresh.DisplayName)
	}
}

func TestUpsertInvalidatesCache(t *testing.T) {
	service, _, _ := newTestService(t, time.Minute)

	if err := service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Get(context.Background(), "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada L."}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	user, err := service.Get(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.DisplayName != "Ada L." {
		t.Fatalf("expected cache invalidation on upsert, got %q", user.DisplayName)
	}
}

func TestDisplayNameFallsBack(t *testing.T) {
	service, db, _ := newTestService(t, time.Minute)

	if got := service.DisplayName(context.Background(), "ghost"); got != fallbackDisplayName {
		t.Fatalf("expected fallback for missing profile, got %q", got)
	}

	err := db.Create(&User{UID: "user-a", DisplayName: ""}).Error
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if got := service.DisplayName(context.Background(), "user-a"); got != fallbackDisplayName {
		t.Fatalf("expected fallback for empty display name, got %q", got)
	}

	if err := service.Upsert(context.Background(), Profile{UID: "user-b", DisplayName: "Bea"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := service.DisplayName(context.Background(), "user-b"); got != "Bea" {
		t.Fatalf("expected display name, got %q", got)
	}
}

func TestIsProDefaultsToFree(t *testing.T) {
	service, db, _ := newTestService(t, time.Minute)

	if service.IsPro(context.Background(), "ghost") {
		t.Fatalf("expected missing profile to count as free tier")
	}

	if err := db.Create(&User{UID: "user-a", Pro: true}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if !service.IsPro(context.Background(), "user-a") {
		t.Fatalf("expected pro flag to be honored")
	}
}

func TestDeleteRemovesProfileAndCacheEntry(t *testing.T) {
	service, _, _ := newTestService(t, time.Minute)

	if err := service.Upsert(context.Background(), Profile{UID: "user-a", DisplayName: "Ada"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Get(context.Background(), "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Delete(context.Background(), "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := service.Get(context.Background(), "user-a")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
