package items

import (
	"sort"
	"strings"
)

// Item is a checklist entry. Items belong to the list, not their creator: any
// member with write access may mutate or delete any item. Timestamps are
// assigned by the committing authority, never taken from a client echo.
type Item struct {
	ID              string `gorm:"column:item_id;primaryKey;size:190;not null"`
	ListID          string `gorm:"column:list_id;size:190;not null;index:idx_items_list"`
	Title           string `gorm:"column:title;size:320;not null"`
	Note            string `gorm:"column:note;type:text"`
	Qty             int    `gorm:"column:qty;not null;default:1"`
	Checked         bool   `gorm:"column:checked;not null;default:false"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null"`
	UpdatedBy       string `gorm:"column:updated_by;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "list_items"
}

// Fields carries the caller-supplied attributes of a new item.
type Fields struct {
	Title string
	Note  string
	Qty   int
}

// Patch is a partial item mutation; nil fields are left untouched.
type Patch struct {
	Title   *string
	Note    *string
	Qty     *int
	Checked *bool
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Title == nil && p.Note == nil && p.Qty == nil && p.Checked == nil
}

// Apply merges the patch over base and returns the result. Shared by the
// transactional commit and the client's optimistic splice so both sides agree
// on merge semantics.
func (p Patch) Apply(base Item) Item {
	merged := base
	if p.Title != nil {
		merged.Title = strings.TrimSpace(*p.Title)
	}
	if p.Note != nil {
		merged.Note = *p.Note
	}
	if p.Qty != nil {
		merged.Qty = *p.Qty
	}
	if p.Checked != nil {
		merged.Checked = *p.Checked
	}
	return merged
}

// Change is the before/after image pair of one committed write. Before is nil
// on create, After is nil on delete.
type Change struct {
	ListID string
	Before *Item
	After  *Item
}

// SortItems orders a snapshot for display: unchecked before checked, then
// most recently updated first, with the id as a stable final tie-break. The
// ordering is recomputed on every snapshot and never persisted.
func SortItems(list []Item) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Checked != list[j].Checked {
			return !list[i].Checked
		}
		if list[i].UpdatedAtMillis != list[j].UpdatedAtMillis {
			return list[i].UpdatedAtMillis > list[j].UpdatedAtMillis
		}
		return list[i].ID > list[j].ID
	})
}
