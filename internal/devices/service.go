// Package devices tracks push delivery tokens per user. Tokens reported
// invalid by a delivery attempt are pruned in batches by the notifier.
package devices

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pantrylab/cartsync/internal/apperr"
)

// Platforms the notifier knows how to deliver to. Tokens with other platform
// labels are stored but skipped at fan-out time.
const (
	PlatformFCM     = "fcm"
	PlatformWebPush = "webpush"
)

const (
	opRegister      = "devices.register"
	opUnregister    = "devices.unregister"
	opTokensFor     = "devices.tokens_for_users"
	opPrune         = "devices.prune"
	opDeleteForUser = "devices.delete_for_user"
)

// DeviceToken maps a delivery token to its owning user.
type DeviceToken struct {
	Token           string `gorm:"column:token;primaryKey;size:512;not null"`
	UID             string `gorm:"column:uid;size:190;not null;index:idx_device_tokens_uid"`
	Platform        string `gorm:"column:platform;size:32;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceToken) TableName() string {
	return "device_tokens"
}

// ServiceConfig bundles the registry dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the device token registry.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Register stores a token for the user. Re-registering is idempotent; a token
// that reappears under a different user moves to that user.
func (s *Service) Register(ctx context.Context, uid, token, platform string) error {
	uid = strings.TrimSpace(uid)
	token = strings.TrimSpace(token)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if uid == "" {
		return apperr.E(apperr.KindUnauthenticated, opRegister, "caller identity is required")
	}
	if token == "" {
		return apperr.E(apperr.KindInvalidArgument, opRegister, "token is required")
	}
	if platform == "" {
		return apperr.E(apperr.KindInvalidArgument, opRegister, "platform is required")
	}

	record := DeviceToken{
		Token:           token,
		UID:             uid,
		Platform:        platform,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"uid", "platform"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("device token register failed", zap.String("operation", opRegister), zap.Error(err))
		return apperr.Internal(opRegister, err)
	}
	return nil
}

// Unregister removes a token owned by the caller.
func (s *Service) Unregister(ctx context.Context, uid, token string) error {
	uid = strings.TrimSpace(uid)
	token = strings.TrimSpace(token)
	if uid == "" {
		return apperr.E(apperr.KindUnauthenticated, opUnregister, "caller identity is required")
	}
	if token == "" {
		return apperr.E(apperr.KindInvalidArgument, opUnregister, "token is required")
	}
	err := s.db.WithContext(ctx).Where("token = ? AND uid = ?", token, uid).Delete(&DeviceToken{}).Error
	if err != nil {
		return apperr.Internal(opUnregister, err)
	}
	return nil
}

// TokensForUsers returns every registered token for the given users.
func (s *Service) TokensForUsers(ctx context.Context, uids []string) ([]DeviceToken, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var tokens []DeviceToken
	err := s.db.WithContext(ctx).Where("uid IN ?", uids).Find(&tokens).Error
	if err != nil {
		return nil, apperr.Internal(opTokensFor, err)
	}
	return tokens, nil
}

// Prune deletes tokens reported undeliverable, across all owners in one
// batched write.
func (s *Service) Prune(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Where("token IN ?", tokens).Delete(&DeviceToken{})
	if result.Error != nil {
		return apperr.Internal(opPrune, result.Error)
	}
	s.logger.Info("invalid device tokens pruned", zap.Int64("count", result.RowsAffected))
	return nil
}

// DeleteForUser removes all of a user's tokens. Used by the account cascade.
func (s *Service) DeleteForUser(ctx context.Context, uid string) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return apperr.E(apperr.KindInvalidArgument, opDeleteForUser, "uid is required")
	}
	if err := s.db.WithContext(ctx).Where("uid = ?", uid).Delete(&DeviceToken{}).Error; err != nil {
		return apperr.Internal(opDeleteForUser, err)
	}
	return nil
}
