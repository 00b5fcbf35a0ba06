// Package membership is the trusted authority for lists, members, and invite
// tokens. Every mutation re-checks the owner invariant inside its transaction:
// a non-empty list always has at least one owner.
package membership

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
	"github.com/pantrylab/cartsync/internal/plan"
)

const (
	opServiceNew       = "membership.service.new"
	opCreateList       = "membership.create_list"
	opLists            = "membership.lists"
	opRenameList       = "membership.rename_list"
	opDeleteList       = "membership.delete_list"
	opMembers          = "membership.members"
	opCreateInvite     = "membership.create_invite"
	opAcceptInvite     = "membership.accept_invite"
	opRevokeInvite     = "membership.revoke_invite"
	opInvites          = "membership.invites"
	opUpdateMemberRole = "membership.update_member_role"
	opRemoveMember     = "membership.remove_member"
	opLeaveList        = "membership.leave_list"
	opSweepInvites     = "membership.sweep_invites"
	opDeleteAccount    = "membership.delete_account"
)

const defaultInviteTTL = 7 * 24 * time.Hour

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ProfileCleaner removes a user's profile row during the account cascade.
type ProfileCleaner interface {
	Delete(ctx context.Context, uid string) error
}

// DeviceCleaner removes a user's device tokens during the account cascade.
type DeviceCleaner interface {
	DeleteForUser(ctx context.Context, uid string) error
}

// ServiceConfig bundles the dependencies of the membership authority.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Gate       plan.Gate
	AppBaseURL string
	InviteTTL  time.Duration
	Profiles   ProfileCleaner
	Devices    DeviceCleaner
}

// Service implements the membership authority.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	gate       plan.Gate
	appBaseURL string
	inviteTTL  time.Duration
	profiles   ProfileCleaner
	devices    DeviceCleaner
}

// NewService constructs the membership authority.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.InviteTTL
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		gate:       cfg.Gate,
		appBaseURL: strings.TrimRight(strings.TrimSpace(cfg.AppBaseURL), "/"),
		inviteTTL:  ttl,
		profiles:   cfg.Profiles,
		devices:    cfg.Devices,
	}, nil
}

// CreateList creates a list with the actor as its sole owner. The plan gate is
// consulted first; on gate error the action proceeds (fail open).
func (s *Service) CreateList(ctx context.Context, actorUID, name string) (List, error) {
	actor, err := requireActor(opCreateList, actorUID)
	if err != nil {
		return List{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, apperr.E(apperr.KindInvalidArgument, opCreateList, "name is required")
	}

	if err := s.checkGate(ctx, opCreateList, actor, plan.ActionCreateList, ""); err != nil {
		return List{}, err
	}

	listID, err := s.idProvider.NewID()
	if err != nil {
		return List{}, apperr.Internal(opCreateList, err)
	}

	now := s.nowMillis()
	list := List{
		ID:              listID,
		Name:            name,
		CreatedBy:       actor,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&list).Error; err != nil {
			return err
		}
		return tx.Create(&Member{
			ListID:         listID,
			UID:            actor,
			Role:           RoleOwner,
			JoinedAtMillis: now,
		}).Error
	})
	if txErr != nil {
		s.logError(opCreateList, txErr, zap.String("uid", actor))
		return List{}, apperr.Internal(opCreateList, txErr)
	}
	return list, nil
}

// Lists returns every list the actor belongs to, most recently active first.
func (s *Service) Lists(ctx context.Context, actorUID string) ([]List, error) {
	actor, err := requireActor(opLists, actorUID)
	if err != nil {
		return nil, err
	}

	var lists []List
	err = s.db.WithContext(ctx).
		Joins("JOIN list_members ON list_members.list_id = lists.list_id").
		Where("list_members.uid = ?", actor).
		Order("lists.updated_at_ms DESC").
		Find(&lists).Error
	if err != nil {
		s.logError(opLists, err, zap.String("uid", actor))
		return nil, apperr.Internal(opLists, err)
	}
	return lists, nil
}

// RenameList updates the list name. Any member may rename.
func (s *Service) RenameList(ctx context.Context, actorUID, listID, name string) error {
	actor, err := requireActor(opRenameList, actorUID)
	if err != nil {
		return err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opRenameList, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.E(apperr.KindInvalidArgument, opRenameList, "name is required")
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opRenameList, listID, actor); err != nil {
			return err
		}
		return tx.Model(&List{}).Where("list_id = ?", listID).Updates(map[string]interface{}{
			"name":          name,
			"updated_at_ms": s.nowMillis(),
		}).Error
	})
	return s.classify(opRenameList, txErr)
}

// DeleteList removes a list and everything under it. Owner only.
func (s *Service) DeleteList(ctx context.Context, actorUID, listID string) error {
	actor, err := requireActor(opDeleteList, actorUID)
	if err != nil {
		return err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opDeleteList, err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireOwner(tx, opDeleteList, listID, actor); err != nil {
			return err
		}
		return deleteListCascade(tx, listID)
	})
	return s.classify(opDeleteList, txErr)
}

// Members returns the membership rows of a list joined with display info. Any
// member may read them.
func (s *Service) Members(ctx context.Context, actorUID, listID string) ([]MemberInfo, error) {
	actor, err := requireActor(opMembers, actorUID)
	if err != nil {
		return nil, err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, opMembers, err)
	}

	var infos []MemberInfo
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opMembers, listID, actor); err != nil {
			return err
		}
		return tx.Table("list_members").
			Select("list_members.*, users.display_name, users.email, users.avatar_url").
			Joins("LEFT JOIN users ON users.uid = list_members.uid").
			Where("list_members.list_id = ?", listID).
			Order("list_members.joined_at_ms ASC").
			Scan(&infos).Error
	})
	if txErr != nil {
		return nil, s.classify(opMembers, txErr)
	}
	for i := range infos {
		if infos[i].DisplayName == "" {
			infos[i].DisplayName = "Unknown User"
		}
	}
	return infos, nil
}

// deleteListCascade removes a list with its members, invites, and items inside
// the caller's transaction.
func deleteListCascade(tx *gorm.DB, listID string) error {
	if err := tx.Exec("DELETE FROM list_items WHERE list_id = ?", listID).Error; err != nil {
		return err
	}
	if err := tx.Where("list_id = ?", listID).Delete(&Invite{}).Error; err != nil {
		return err
	}
	if err := tx.Where("list_id = ?", listID).Delete(&Member{}).Error; err != nil {
		return err
	}
	return tx.Where("list_id = ?", listID).Delete(&List{}).Error
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

// checkGate consults the plan gate. A gate error is logged and the action is
// permitted: availability of the core feature wins over quota strictness.
func (s *Service) checkGate(ctx context.Context, op, uid string, action plan.Action, listID string) error {
	if s.gate == nil {
		return nil
	}
	decision, err := s.gate.CheckLimit(ctx, uid, action, listID)
	if err != nil {
		s.logger.Warn("plan gate check failed, failing open",
			zap.String("operation", op),
			zap.String("action", string(action)),
			zap.String("uid", uid),
			zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		msg := decision.Message
		if msg == "" {
			msg = decision.Reason
		}
		return apperr.E(apperr.KindFailedPrecondition, op, msg)
	}
	return nil
}

func requireActor(op, actorUID string) (string, error) {
	trimmed := strings.TrimSpace(actorUID)
	if trimmed == "" {
		return "", apperr.E(apperr.KindUnauthenticated, op, "caller identity is required")
	}
	return trimmed, nil
}

// memberOf returns the membership row, or nil when the user does not belong to
// the list.
func (s *Service) memberOf(tx *gorm.DB, listID, uid string) (*Member, error) {
	var member Member
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("list_id = ? AND uid = ?", listID, uid).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (s *Service) requireMember(tx *gorm.DB, op, listID, uid string) error {
	member, err := s.memberOf(tx, listID, uid)
	if err != nil {
		return err
	}
	if member == nil {
		return apperr.E(apperr.KindFailedPrecondition, op, "not a member of this list")
	}
	return nil
}

func (s *Service) requireOwner(tx *gorm.DB, op, listID, uid string) error {
	member, err := s.memberOf(tx, listID, uid)
	if err != nil {
		return err
	}
	if member == nil || member.Role != RoleOwner {
		return apperr.E(apperr.KindPermissionDenied, op, "only list owners may perform this action")
	}
	return nil
}

func (s *Service) ownerCount(tx *gorm.DB, listID string) (int64, error) {
	var count int64
	err := tx.Model(&Member{}).
		Where("list_id = ? AND role = ?", listID, RoleOwner).
		Count(&count).Error
	return count, err
}

func (s *Service) memberCount(tx *gorm.DB, listID string) (int64, error) {
	var count int64
	err := tx.Model(&Member{}).Where("list_id = ?", listID).Count(&count).Error
	return count, err
}

// MemberRole reports the role uid holds on listID, if any. Exposed for
// sibling services that gate item access on membership.
func MemberRole(db *gorm.DB, listID, uid string) (Role, bool, error) {
	var member Member
	err := db.Where("list_id = ? AND uid = ?", listID, uid).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member.Role, true, nil
}

// classify passes taxonomy errors through untouched and wraps everything else
// as Internal after logging it.
func (s *Service) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(op, err)
	return apperr.Internal(op, err)
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op), zap.Error(err)}, fields...)
	s.logger.Error("membership service error", attrs...)
}
