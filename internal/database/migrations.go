package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/devices"
	"github.com/pantrylab/cartsync/internal/membership"
)

const (
	migrationNormalizeDevicePlatforms = "2026-06-11_normalize_device_platform_labels"
	migrationBackfillInviteOneTime    = "2026-07-02_backfill_invite_one_time_flag"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDevicePlatforms, apply: normalizeDevicePlatforms},
		{name: migrationBackfillInviteOneTime, apply: backfillInviteOneTime},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early builds stored whatever platform string the client sent; the notifier
// matches on lowercase labels.
func normalizeDevicePlatforms(db *gorm.DB) error {
	return db.Model(&devices.DeviceToken{}).
		Where("platform <> lower(platform)").
		Update("platform", gorm.Expr("lower(platform)")).Error
}

// Invites issued before the one_time column existed behave as reusable links.
func backfillInviteOneTime(db *gorm.DB) error {
	return db.Model(&membership.Invite{}).
		Where("one_time IS NULL").
		Update("one_time", false).Error
}
