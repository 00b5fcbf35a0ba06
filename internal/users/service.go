// Package users maintains the profile directory and resolves display names
// for notification copy. Lookups go through a bounded-lifetime read-through
// cache owned by the service instance.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/apperr"
)

const defaultCacheTTL = 5 * time.Minute

const (
	opUpsert      = "users.upsert"
	opGet         = "users.get"
	opDelete      = "users.delete"
	opDisplayName = "users.display_name"
)

// ServiceConfig describes the dependencies for the profile service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Service manages profile rows and a read-through display-name cache.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	user      User
	fetchedAt time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Profile carries the verified identity attributes captured at login.
type Profile struct {
	UID         string
	DisplayName string
	Email       string
	AvatarURL   string
}

// Upsert creates or refreshes the profile row for a verified login.
func (s *Service) Upsert(ctx context.Context, profile Profile) error {
	uid := normalize(profile.UID)
	if uid == "" {
		return apperr.E(apperr.KindInvalidArgument, opUpsert, "uid is required")
	}

	now := s.clock().UTC().UnixMilli()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("uid = ?", uid).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&User{
				UID:             uid,
				DisplayName:     normalize(profile.DisplayName),
				Email:           normalize(profile.Email),
				AvatarURL:       normalize(profile.AvatarURL),
				CreatedAtMillis: now,
				UpdatedAtMillis: now,
			}).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at_ms": now}
		if display := normalize(profile.DisplayName); display != "" && display != existing.DisplayName {
			updates["display_name"] = display
		}
		if email := normalize(profile.Email); email != "" && email != existing.Email {
			updates["email"] = email
		}
		if avatar := normalize(profile.AvatarURL); avatar != "" && avatar != existing.AvatarURL {
			updates["avatar_url"] = avatar
		}
		return tx.Model(&User{}).Where("uid = ?", uid).Updates(updates).Error
	})
	if err != nil {
		return apperr.Internal(opUpsert, err)
	}

	s.invalidate(uid)
	return nil
}

// Get returns the profile row for uid.
func (s *Service) Get(ctx context.Context, uid string) (User, error) {
	uid = normalize(uid)
	if uid == "" {
		return User{}, apperr.E(apperr.KindInvalidArgument, opGet, "uid is required")
	}
	if cached, ok := s.lookup(uid); ok {
		return cached, nil
	}

	var user User
	err := s.db.WithContext(ctx).Where("uid = ?", uid).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.E(apperr.KindNotFound, opGet, "user not found")
	}
	if err != nil {
		return User{}, apperr.Internal(opGet, err)
	}

	s.store(user)
	return user, nil
}

// DisplayName resolves a user's display name, falling back to a generic label
// when the profile is missing or the lookup fails. It never returns an error:
// display names are advisory.
func (s *Service) DisplayName(ctx context.Context, uid string) string {
	user, err := s.Get(ctx, uid)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindNotFound) {
			s.logger.Warn("display name lookup failed",
				zap.String("operation", opDisplayName),
				zap.String("uid", uid),
				zap.Error(err))
		}
		return fallbackDisplayName
	}
	if user.DisplayName == "" {
		return fallbackDisplayName
	}
	return user.DisplayName
}

// IsPro reports whether the user is on a paid plan. Missing profiles count as
// free tier.
func (s *Service) IsPro(ctx context.Context, uid string) bool {
	user, err := s.Get(ctx, uid)
	if err != nil {
		return false
	}
	return user.Pro
}

// Delete removes the profile row. Used by the account-deletion cascade.
func (s *Service) Delete(ctx context.Context, uid string) error {
	uid = normalize(uid)
	if uid == "" {
		return apperr.E(apperr.KindInvalidArgument, opDelete, "uid is required")
	}
	if err := s.db.WithContext(ctx).Where("uid = ?", uid).Delete(&User{}).Error; err != nil {
		return apperr.Internal(opDelete, err)
	}
	s.invalidate(uid)
	return nil
}

func (s *Service) lookup(uid string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[uid]
	if !ok || s.clock().Sub(entry.fetchedAt) > s.ttl {
		return User{}, false
	}
	return entry.user, true
}

func (s *Service) store(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[user.UID] = cacheEntry{user: user, fetchedAt: s.clock()}
}

func (s *Service) invalidate(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, uid)
}
