package membership

import (
	"errors"
	"fmt"
	"strings"
)

// Role gates what a member may do to a list and its membership.
type Role string

const (
	// RoleOwner may manage membership, invites, and the list itself.
	RoleOwner Role = "owner"
	// RoleEditor may read and mutate items but not membership.
	RoleEditor Role = "editor"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRole indicates a role outside the closed owner/editor set.
	ErrInvalidRole = errors.New("membership: invalid role")
	// ErrInvalidID indicates an empty identifier or one exceeding storage bounds.
	ErrInvalidID = errors.New("membership: invalid identifier")
)

// ParseRole validates raw input against the closed role set.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleOwner):
		return RoleOwner, nil
	case string(RoleEditor):
		return RoleEditor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ValidateID trims and bounds-checks an identifier used as a document key.
func ValidateID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return trimmed, nil
}

// List is the shared checklist collaborators edit together. UpdatedAtMillis is
// bumped by every item mutation so "most recently active" ordering works.
type List struct {
	ID              string `gorm:"column:list_id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:320;not null"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_lists_updated"`
}

// TableName provides the explicit table binding for GORM.
func (List) TableName() string {
	return "lists"
}

// Member binds a user to a list with a role.
type Member struct {
	ListID          string `gorm:"column:list_id;primaryKey;size:190;not null"`
	UID             string `gorm:"column:uid;primaryKey;size:190;not null;index:idx_members_uid"`
	Role            Role   `gorm:"column:role;size:16;not null"`
	JoinedAtMillis  int64  `gorm:"column:joined_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "list_members"
}

// Invite is a capability token granting editor membership. The token value is
// the primary key; possession plus validity is the only authorization needed
// to accept it.
type Invite struct {
	Token           string `gorm:"column:token;primaryKey;size:190;not null"`
	ListID          string `gorm:"column:list_id;size:190;not null;index:idx_invites_list"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null;index:idx_invites_creator"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null;index:idx_invites_expiry"`
	OneTime         bool   `gorm:"column:one_time;not null"`
	Revoked         bool   `gorm:"column:revoked;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Invite) TableName() string {
	return "list_invites"
}

// CreatedInvite is returned by CreateInvite: the deep link plus the raw token
// for manual entry when link routing fails.
type CreatedInvite struct {
	URL   string
	Token string
}

// MemberInfo is a membership row joined with display attributes for rendering.
type MemberInfo struct {
	Member
	DisplayName string
	Email       string
	AvatarURL   string
}
