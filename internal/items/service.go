// Package items is the transactional authority for checklist entries. Every
// mutation commits the item write and the parent list's activity bump
// atomically, then hands the before/after diff to the registered observers
// (live-query dispatch and notification fan-out).
package items

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pantrylab/cartsync/internal/apperr"
	"github.com/pantrylab/cartsync/internal/ids"
	"github.com/pantrylab/cartsync/internal/membership"
)

const (
	opServiceNew = "items.service.new"
	opAdd        = "items.add"
	opUpdate     = "items.update"
	opDelete     = "items.delete"
	opSnapshot   = "items.snapshot"
)

const defaultQty = 1

// ChangeObserver receives every committed item write. Observer failures are
// the observer's own problem: the write has already committed.
type ChangeObserver interface {
	ItemChanged(ctx context.Context, change Change)
}

// ServiceConfig bundles the dependencies of the item authority.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Observers  []ChangeObserver
}

// Service implements the item mutation authority.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	observers  []ChangeObserver
}

// NewService constructs the item service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database handle is required", opServiceNew)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: id provider is required", opServiceNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		observers:  cfg.Observers,
	}, nil
}

// Add creates an item and bumps the list's activity timestamp in one
// transaction: "list touched" metadata never drifts from actual item writes.
func (s *Service) Add(ctx context.Context, actorUID, listID string, fields Fields) (Item, error) {
	actor, listID, err := s.requireAccess(ctx, opAdd, actorUID, listID)
	if err != nil {
		return Item{}, err
	}
	title := strings.TrimSpace(fields.Title)
	if title == "" {
		return Item{}, apperr.E(apperr.KindInvalidArgument, opAdd, "title is required")
	}
	qty := fields.Qty
	if qty <= 0 {
		qty = defaultQty
	}

	itemID, err := s.idProvider.NewID()
	if err != nil {
		return Item{}, apperr.Internal(opAdd, err)
	}

	now := s.nowMillis()
	item := Item{
		ID:              itemID,
		ListID:          listID,
		Title:           title,
		Note:            fields.Note,
		Qty:             qty,
		Checked:         false,
		CreatedBy:       actor,
		UpdatedBy:       actor,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return bumpList(tx, listID, now)
	})
	if txErr != nil {
		s.logError(opAdd, txErr, zap.String("list_id", listID))
		return Item{}, apperr.Internal(opAdd, txErr)
	}

	s.notifyObservers(ctx, Change{ListID: listID, After: &item})
	return item, nil
}

// Update applies a patch inside a transaction that re-reads the item under
// lock, stamps the committing actor and a server-assigned timestamp, and bumps
// the list. The item's updatedAt never goes backwards.
func (s *Service) Update(ctx context.Context, actorUID, listID, itemID string, patch Patch) (Item, error) {
	actor, listID, err := s.requireAccess(ctx, opUpdate, actorUID, listID)
	if err != nil {
		return Item{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Item{}, apperr.E(apperr.KindInvalidArgument, opUpdate, "item id is required")
	}
	if patch.IsZero() {
		return Item{}, apperr.E(apperr.KindInvalidArgument, opUpdate, "patch is empty")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return Item{}, apperr.E(apperr.KindInvalidArgument, opUpdate, "title must not be empty")
	}
	if patch.Qty != nil && *patch.Qty <= 0 {
		return Item{}, apperr.E(apperr.KindInvalidArgument, opUpdate, "qty must be positive")
	}

	var before, after Item
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("list_id = ? AND item_id = ?", listID, itemID).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.E(apperr.KindNotFound, opUpdate, "item not found")
		}
		if err != nil {
			return err
		}

		now := s.nowMillis()
		if now <= before.UpdatedAtMillis {
			now = before.UpdatedAtMillis + 1
		}

		after = patch.Apply(before)
		after.UpdatedBy = actor
		after.UpdatedAtMillis = now

		if err := tx.Save(&after).Error; err != nil {
			return err
		}
		return bumpList(tx, listID, now)
	})
	if txErr != nil {
		return Item{}, s.classify(opUpdate, txErr, listID)
	}

	beforeCopy := before
	s.notifyObservers(ctx, Change{ListID: listID, Before: &beforeCopy, After: &after})
	return after, nil
}

// Delete removes an item and bumps the list in one transaction.
func (s *Service) Delete(ctx context.Context, actorUID, listID, itemID string) error {
	_, listID, err := s.requireAccess(ctx, opDelete, actorUID, listID)
	if err != nil {
		return err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return apperr.E(apperr.KindInvalidArgument, opDelete, "item id is required")
	}

	var before Item
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("list_id = ? AND item_id = ?", listID, itemID).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.E(apperr.KindNotFound, opDelete, "item not found")
		}
		if err != nil {
			return err
		}
		if err := tx.Where("list_id = ? AND item_id = ?", listID, itemID).Delete(&Item{}).Error; err != nil {
			return err
		}
		return bumpList(tx, listID, s.nowMillis())
	})
	if txErr != nil {
		return s.classify(opDelete, txErr, listID)
	}

	s.notifyObservers(ctx, Change{ListID: listID, Before: &before})
	return nil
}

// Snapshot returns the list's items in display order.
func (s *Service) Snapshot(ctx context.Context, actorUID, listID string) ([]Item, error) {
	_, listID, err := s.requireAccess(ctx, opSnapshot, actorUID, listID)
	if err != nil {
		return nil, err
	}

	var list []Item
	if err := s.db.WithContext(ctx).Where("list_id = ?", listID).Find(&list).Error; err != nil {
		s.logError(opSnapshot, err, zap.String("list_id", listID))
		return nil, apperr.Internal(opSnapshot, err)
	}
	SortItems(list)
	return list, nil
}

// requireAccess validates the caller identity and confirms list membership.
func (s *Service) requireAccess(ctx context.Context, op, actorUID, listID string) (string, string, error) {
	actor := strings.TrimSpace(actorUID)
	if actor == "" {
		return "", "", apperr.E(apperr.KindUnauthenticated, op, "caller identity is required")
	}
	listID, err := membership.ValidateID(listID)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	_, isMember, err := membership.MemberRole(s.db.WithContext(ctx), listID, actor)
	if err != nil {
		s.logError(op, err, zap.String("list_id", listID))
		return "", "", apperr.Internal(op, err)
	}
	if !isMember {
		return "", "", apperr.E(apperr.KindFailedPrecondition, op, "not a member of this list")
	}
	return actor, listID, nil
}

func bumpList(tx *gorm.DB, listID string, now int64) error {
	return tx.Table("lists").Where("list_id = ?", listID).Update("updated_at_ms", now).Error
}

func (s *Service) notifyObservers(ctx context.Context, change Change) {
	for _, observer := range s.observers {
		if observer != nil {
			observer.ItemChanged(ctx, change)
		}
	}
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) classify(op string, err error, listID string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(op, err, zap.String("list_id", listID))
	return apperr.Internal(op, err)
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op), zap.Error(err)}, fields...)
	s.logger.Error("items service error", attrs...)
}
