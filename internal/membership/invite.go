package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pantrylab/cartsync/internal/apperr"
	"github.com/pantrylab/cartsync/internal/ids"
	"github.com/pantrylab/cartsync/internal/plan"
)

// CreateInvite mints a capability token for the list. Owner only. The returned
// URL is one transport for the token; the raw token is also returned for
// manual entry.
func (s *Service) CreateInvite(ctx context.Context, actorUID, listID string, oneTime bool) (CreatedInvite, error) {
	actor, err := requireActor(opCreateInvite, actorUID)
	if err != nil {
		return CreatedInvite{}, err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return CreatedInvite{}, apperr.Wrap(apperr.KindInvalidArgument, opCreateInvite, err)
	}

	token, err := ids.NewInviteToken()
	if err != nil {
		return CreatedInvite{}, apperr.Internal(opCreateInvite, err)
	}

	now := s.nowMillis()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.memberOf(tx, listID, actor)
		if err != nil {
			return err
		}
		if member == nil || member.Role != RoleOwner {
			return apperr.E(apperr.KindPermissionDenied, opCreateInvite, "only list owners can create invites")
		}
		return tx.Create(&Invite{
			Token:           token,
			ListID:          listID,
			CreatedBy:       actor,
			CreatedAtMillis: now,
			ExpiresAtMillis: now + s.inviteTTL.Milliseconds(),
			OneTime:         oneTime,
		}).Error
	})
	if txErr != nil {
		return CreatedInvite{}, s.classify(opCreateInvite, txErr)
	}

	return CreatedInvite{
		URL:   fmt.Sprintf("%s/accept-invite?token=%s", s.appBaseURL, token),
		Token: token,
	}, nil
}

// AcceptInvite redeems a token for editor membership. The invite row is locked
// and consumed in the same transaction as the member write, so a one-time
// token can never grant two concurrent accepts. Re-acceptance by an existing
// member is idempotent and preserves any elevated role.
//
// An expired invite is deleted by the failed attempt itself: the delete must
// commit even though the call fails, so that outcome is carried out of the
// transaction rather than returned through it.
func (s *Service) AcceptInvite(ctx context.Context, actorUID, token string) (string, error) {
	actor, err := requireActor(opAcceptInvite, actorUID)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.E(apperr.KindInvalidArgument, opAcceptInvite, "token is required")
	}

	// The gate queries through the root handle and the pool may be sized to a
	// single connection, so the check must run before the transaction takes
	// that connection. The pre-read is unlocked; the transaction re-checks the
	// invite and membership under lock.
	var preview Invite
	err = s.db.WithContext(ctx).Where("token = ?", token).Take(&preview).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.E(apperr.KindNotFound, opAcceptInvite, "invalid or expired invite")
	}
	if err != nil {
		return "", s.classify(opAcceptInvite, err)
	}
	_, alreadyMember, err := MemberRole(s.db.WithContext(ctx), preview.ListID, actor)
	if err != nil {
		return "", s.classify(opAcceptInvite, err)
	}
	if !alreadyMember {
		if err := s.checkGate(ctx, opAcceptInvite, actor, plan.ActionAddMember, preview.ListID); err != nil {
			return "", err
		}
	}

	var listID string
	var deferred *apperr.Error
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).
			Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.E(apperr.KindNotFound, opAcceptInvite, "invalid or expired invite")
		}
		if err != nil {
			return err
		}

		if invite.Revoked {
			return apperr.E(apperr.KindFailedPrecondition, opAcceptInvite, "invite revoked")
		}

		now := s.nowMillis()
		if invite.ExpiresAtMillis < now {
			deferred = apperr.E(apperr.KindFailedPrecondition, opAcceptInvite, "invite expired")
			return tx.Delete(&Invite{Token: token}).Error
		}

		listID = invite.ListID

		member, err := s.memberOf(tx, invite.ListID, actor)
		if err != nil {
			return err
		}
		if member == nil {
			if err := tx.Create(&Member{
				ListID:         invite.ListID,
				UID:            actor,
				Role:           RoleEditor,
				JoinedAtMillis: now,
			}).Error; err != nil {
				return err
			}
		}

		if invite.OneTime {
			return tx.Delete(&Invite{Token: token}).Error
		}
		return nil
	})
	if txErr != nil {
		return "", s.classify(opAcceptInvite, txErr)
	}
	if deferred != nil {
		return "", deferred
	}
	return listID, nil
}

// RevokeInvite tombstones a token so racing acceptances see a terminal state
// instead of a misleading not-found. Owner of the invite's list only.
func (s *Service) RevokeInvite(ctx context.Context, actorUID, token string) error {
	actor, err := requireActor(opRevokeInvite, actorUID)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return apperr.E(apperr.KindInvalidArgument, opRevokeInvite, "token is required")
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).
			Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.E(apperr.KindNotFound, opRevokeInvite, "invite not found")
		}
		if err != nil {
			return err
		}
		if err := s.requireOwner(tx, opRevokeInvite, invite.ListID, actor); err != nil {
			return err
		}
		return tx.Model(&Invite{}).Where("token = ?", token).Update("revoked", true).Error
	})
	return s.classify(opRevokeInvite, txErr)
}

// Invites lists the still-redeemable invites of a list. Owner only.
func (s *Service) Invites(ctx context.Context, actorUID, listID string) ([]Invite, error) {
	actor, err := requireActor(opInvites, actorUID)
	if err != nil {
		return nil, err
	}
	listID, err = ValidateID(listID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, opInvites, err)
	}

	var invites []Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireOwner(tx, opInvites, listID, actor); err != nil {
			return err
		}
		return tx.Where("list_id = ? AND revoked = ? AND expires_at_ms >= ?", listID, false, s.nowMillis()).
			Order("created_at_ms DESC").
			Find(&invites).Error
	})
	if txErr != nil {
		return nil, s.classify(opInvites, txErr)
	}
	return invites, nil
}

// SweepExpiredInvites deletes invites past their expiry and returns how many
// were removed. Intended for a scheduled job; expiry is also self-healing on
// the accept path.
func (s *Service) SweepExpiredInvites(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_ms < ?", s.nowMillis()).
		Delete(&Invite{})
	if result.Error != nil {
		s.logError(opSweepInvites, result.Error)
		return 0, apperr.Internal(opSweepInvites, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired invites swept", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
