package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/devices"
	"github.com/pantrylab/cartsync/internal/membership"
)

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteCreatesSchemaAndRecordsMigrations(t *testing.T) {
	dsn := fmt.Sprintf("file:cartsync_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())

	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, table := range []string{"users", "lists", "list_members", "list_invites", "list_items", "device_tokens", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 migration records, got %d", len(records))
	}
}

func TestOpenSQLiteIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartsync.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected error on first open: %v", err)
	}
	seeded := devices.DeviceToken{UID: "user-a", Token: "tok-1", Platform: "fcm", CreatedAtMillis: 1}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql handle: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected error on second open: %v", err)
	}
	var count int64
	if err := reopened.Model(&devices.DeviceToken{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count tokens: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected seeded token to survive reopen, got %d", count)
	}

	var records []migrationRecord
	if err := reopened.Find(&records).Error; err != nil {
		t.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected migrations to apply once, got %d records", len(records))
	}
}

func TestNormalizeDevicePlatformsMigration(t *testing.T) {
	dsn := fmt.Sprintf("file:cartsync_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())

	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate an early-build row and replay the migration.
	mixed := devices.DeviceToken{UID: "user-a", Token: "tok-1", Platform: "FCM", CreatedAtMillis: 1}
	if err := db.Create(&mixed).Error; err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
	if err := normalizeDevicePlatforms(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	var stored devices.DeviceToken
	if err := db.Take(&stored, "token = ?", "tok-1").Error; err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if stored.Platform != "fcm" {
		t.Fatalf("expected lowercase platform, got %q", stored.Platform)
	}
}

func TestBackfillInviteOneTimeMigration(t *testing.T) {
	dsn := fmt.Sprintf("file:cartsync_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// Legacy schema had no NOT NULL constraint on one_time.
	err = db.Exec("CREATE TABLE list_invites (token TEXT PRIMARY KEY, list_id TEXT, created_by TEXT, created_at_ms INTEGER, expires_at_ms INTEGER, one_time BOOLEAN, revoked BOOLEAN NOT NULL DEFAULT 0)").Error
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	err = db.Exec(
		"INSERT INTO list_invites (token, list_id, created_by, created_at_ms, expires_at_ms, one_time) VALUES (?, ?, ?, ?, ?, NULL)",
		"legacy-token", "list-1", "user-a", int64(1), int64(2),
	).Error
	if err != nil {
		t.Fatalf("failed to seed legacy invite: %v", err)
	}

	if err := backfillInviteOneTime(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	var stored membership.Invite
	if err := db.Take(&stored, "token = ?", "legacy-token").Error; err != nil {
		t.Fatalf("failed to load invite: %v", err)
	}
	if stored.OneTime {
		t.Fatalf("expected legacy invite to default to reusable")
	}
}
