package membership

import (
	"context"

	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/apperr"
)

// UpdateMemberRole changes a member's role. Owner only. Demoting the last
// owner of a non-empty list is rejected so the owner invariant holds.
func (s *Service) UpdateMemberRole(ctx context.Context, actorUID, listID, targetUID string, role Role) error {
	actor, err := requireActor(opUpdateMemberRole, actorUID)
	if err != nil {
		return err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opUpdateMemberRole, err)
	}
	targetUID, err = ValidateID(targetUID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opUpdateMemberRole, err)
	}
	if role != RoleOwner && role != RoleEditor {
		return apperr.Wrap(apperr.KindInvalidArgument, opUpdateMemberRole, ErrInvalidRole)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireOwner(tx, opUpdateMemberRole, listID, actor); err != nil {
			return err
		}
		target, err := s.memberOf(tx, listID, targetUID)
		if err != nil {
			return err
		}
		if target == nil {
			return apperr.E(apperr.KindNotFound, opUpdateMemberRole, "member not found")
		}
		if target.Role == role {
			return nil
		}
		if target.Role == RoleOwner && role != RoleOwner {
			owners, err := s.ownerCount(tx, listID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return apperr.E(apperr.KindFailedPrecondition, opUpdateMemberRole, "cannot demote the last owner")
			}
		}
		return tx.Model(&Member{}).
			Where("list_id = ? AND uid = ?", listID, targetUID).
			Updates(map[string]interface{}{
				"role":          role,
				"updated_at_ms": s.nowMillis(),
			}).Error
	})
	return s.classify(opUpdateMemberRole, txErr)
}

// RemoveMember deletes a membership. Owner only. Removing the last owner while
// other members remain is rejected; removing the sole remaining member cleans
// up the now-empty list.
func (s *Service) RemoveMember(ctx context.Context, actorUID, listID, targetUID string) error {
	actor, err := requireActor(opRemoveMember, actorUID)
	if err != nil {
		return err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opRemoveMember, err)
	}
	targetUID, err = ValidateID(targetUID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opRemoveMember, err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireOwner(tx, opRemoveMember, listID, actor); err != nil {
			return err
		}
		target, err := s.memberOf(tx, listID, targetUID)
		if err != nil {
			return err
		}
		if target == nil {
			return apperr.E(apperr.KindNotFound, opRemoveMember, "member not found")
		}
		return s.removeMembership(tx, opRemoveMember, *target)
	})
	return s.classify(opRemoveMember, txErr)
}

// LeaveList removes the actor's own membership. The last owner may not leave
// while other members remain; the last remaining member leaving deletes the
// empty list.
func (s *Service) LeaveList(ctx context.Context, actorUID, listID string) error {
	actor, err := requireActor(opLeaveList, actorUID)
	if err != nil {
		return err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, opLeaveList, err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.memberOf(tx, listID, actor)
		if err != nil {
			return err
		}
		if member == nil {
			return apperr.E(apperr.KindFailedPrecondition, opLeaveList, "not a member of this list")
		}
		return s.removeMembership(tx, opLeaveList, *member)
	})
	return s.classify(opLeaveList, txErr)
}

// removeMembership deletes one membership row inside the caller's
// transaction, enforcing the owner invariant and cleaning up emptied lists.
func (s *Service) removeMembership(tx *gorm.DB, op string, member Member) error {
	members, err := s.memberCount(tx, member.ListID)
	if err != nil {
		return err
	}
	if members == 1 {
		// Sole member departing: nobody is orphaned, drop the whole list.
		return deleteListCascade(tx, member.ListID)
	}
	if member.Role == RoleOwner {
		owners, err := s.ownerCount(tx, member.ListID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			switch op {
			case opLeaveList:
				return apperr.E(apperr.KindFailedPrecondition, op, "cannot leave as the last owner")
			default:
				return apperr.E(apperr.KindFailedPrecondition, op, "cannot remove the last owner")
			}
		}
	}
	return tx.Where("list_id = ? AND uid = ?", member.ListID, member.UID).Delete(&Member{}).Error
}
