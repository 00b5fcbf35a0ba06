package membership

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pantrylab/cartsync/internal/apperr"
)

// DeleteAccount runs the account-deletion cascade for the departing user.
//
// All list-scoped work happens in a single transaction so a partial failure
// can never leave a non-empty list without an owner: sole-member lists are
// deleted wholly; lists that would be left ownerless get their earliest-joined
// remaining member promoted before the departing membership is removed. The
// user's authored invites are deleted in the same transaction. Device tokens
// and the profile row live outside the list hierarchy and are cleaned up after
// commit through the injected cleaners.
func (s *Service) DeleteAccount(ctx context.Context, actorUID string) error {
	actor, err := requireActor(opDeleteAccount, actorUID)
	if err != nil {
		return err
	}

	var departed int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var memberships []Member
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uid = ?", actor).
			Find(&memberships).Error
		if err != nil {
			return err
		}
		departed = len(memberships)

		for _, membership := range memberships {
			if err := s.departList(tx, membership); err != nil {
				return err
			}
		}

		return tx.Where("created_by = ?", actor).Delete(&Invite{}).Error
	})
	if txErr != nil {
		return s.classify(opDeleteAccount, txErr)
	}

	if s.devices != nil {
		if err := s.devices.DeleteForUser(ctx, actor); err != nil {
			s.logError(opDeleteAccount, err, zap.String("uid", actor), zap.String("step", "devices"))
			return apperr.Internal(opDeleteAccount, err)
		}
	}
	if s.profiles != nil {
		if err := s.profiles.Delete(ctx, actor); err != nil {
			s.logError(opDeleteAccount, err, zap.String("uid", actor), zap.String("step", "profile"))
			return apperr.Internal(opDeleteAccount, err)
		}
	}

	s.logger.Info("account deleted", zap.String("uid", actor), zap.Int("memberships", departed))
	return nil
}

// departList removes one membership during the cascade, transferring
// ownership when the departing user is the only owner of a list that still
// has other members.
func (s *Service) departList(tx *gorm.DB, membership Member) error {
	members, err := s.memberCount(tx, membership.ListID)
	if err != nil {
		return err
	}
	if members == 1 {
		return deleteListCascade(tx, membership.ListID)
	}

	if membership.Role == RoleOwner {
		owners, err := s.ownerCount(tx, membership.ListID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			var successor Member
			err := tx.Where("list_id = ? AND uid <> ?", membership.ListID, membership.UID).
				Order("joined_at_ms ASC").
				Take(&successor).Error
			if err != nil {
				return err
			}
			err = tx.Model(&Member{}).
				Where("list_id = ? AND uid = ?", successor.ListID, successor.UID).
				Updates(map[string]interface{}{
					"role":          RoleOwner,
					"updated_at_ms": s.nowMillis(),
				}).Error
			if err != nil {
				return err
			}
		}
	}

	return tx.Where("list_id = ? AND uid = ?", membership.ListID, membership.UID).Delete(&Member{}).Error
}
