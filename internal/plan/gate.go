// Package plan hosts the quota gate consulted before list creation and member
// addition. Callers fail open when the gate itself errors: quota enforcement
// must never take the core feature down with it.
package plan

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Action names an operation subject to plan limits.
type Action string

const (
	// ActionCreateList gates creating a new list.
	ActionCreateList Action = "create_list"
	// ActionAddMember gates adding a member to an existing list.
	ActionAddMember Action = "add_member"
)

// Stable denial reasons surfaced to clients for upgrade prompts.
const (
	ReasonFreeListLimit   = "FREE_LIST_LIMIT"
	ReasonFreeMemberLimit = "FREE_MEMBER_LIMIT"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed bool
	Reason  string
	Message string
}

// Gate is consulted before quota-bound operations.
type Gate interface {
	CheckLimit(ctx context.Context, uid string, action Action, listID string) (Decision, error)
}

// ProChecker reports whether a user is on a paid plan.
type ProChecker interface {
	IsPro(ctx context.Context, uid string) bool
}

// FreeTierConfig configures the built-in free-tier gate.
type FreeTierConfig struct {
	Database    *gorm.DB
	ListLimit   int
	MemberLimit int
	Pro         ProChecker
}

// FreeTier enforces owned-list and per-list member counts against configured
// free-tier limits. Paid users bypass both.
type FreeTier struct {
	db          *gorm.DB
	listLimit   int
	memberLimit int
	pro         ProChecker
}

// NewFreeTier constructs the free-tier gate.
func NewFreeTier(cfg FreeTierConfig) (*FreeTier, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("plan: database handle is required")
	}
	if cfg.ListLimit <= 0 || cfg.MemberLimit <= 0 {
		return nil, fmt.Errorf("plan: limits must be positive")
	}
	return &FreeTier{
		db:          cfg.Database,
		listLimit:   cfg.ListLimit,
		memberLimit: cfg.MemberLimit,
		pro:         cfg.Pro,
	}, nil
}

// CheckLimit implements Gate.
func (g *FreeTier) CheckLimit(ctx context.Context, uid string, action Action, listID string) (Decision, error) {
	if g.pro != nil && g.pro.IsPro(ctx, uid) {
		return Decision{Allowed: true}, nil
	}

	switch action {
	case ActionCreateList:
		var owned int64
		err := g.db.WithContext(ctx).
			Table("list_members").
			Where("uid = ? AND role = ?", uid, "owner").
			Count(&owned).Error
		if err != nil {
			return Decision{}, err
		}
		if owned >= int64(g.listLimit) {
			return Decision{
				Allowed: false,
				Reason:  ReasonFreeListLimit,
				Message: fmt.Sprintf("free plan allows up to %d lists", g.listLimit),
			}, nil
		}
	case ActionAddMember:
		var members int64
		err := g.db.WithContext(ctx).
			Table("list_members").
			Where("list_id = ?", listID).
			Count(&members).Error
		if err != nil {
			return Decision{}, err
		}
		if members >= int64(g.memberLimit) {
			return Decision{
				Allowed: false,
				Reason:  ReasonFreeMemberLimit,
				Message: fmt.Sprintf("free plan allows up to %d members per list", g.memberLimit),
			}, nil
		}
	default:
		return Decision{}, fmt.Errorf("plan: unknown action %q", action)
	}

	return Decision{Allowed: true}, nil
}
