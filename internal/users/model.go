package users

import "strings"

const fallbackDisplayName = "Unknown User"

// User is the persisted profile row backing display-name resolution and the
// plan gate's pro flag.
type User struct {
	UID             string `gorm:"column:uid;primaryKey;size:190;not null"`
	DisplayName     string `gorm:"column:display_name;size:320"`
	Email           string `gorm:"column:email;size:320"`
	AvatarURL       string `gorm:"column:avatar_url;size:512"`
	Pro             bool   `gorm:"column:pro;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
