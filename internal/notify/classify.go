package notify

import "github.com/pantrylab/cartsync/internal/items"

// Kind labels a semantically visible item change.
type Kind string

const (
	KindAdded     Kind = "added"
	KindChecked   Kind = "checked"
	KindUnchecked Kind = "unchecked"
	KindUpdated   Kind = "updated"
)

// Classify maps a before/after image pair to a notification kind. First match
// wins: deletions and metadata-only touches are suppressed, creations are
// added, a checked flip beats field edits.
func Classify(before, after *items.Item) (Kind, bool) {
	if after == nil {
		return "", false
	}
	if before == nil {
		return KindAdded, true
	}
	if before.Checked != after.Checked {
		if after.Checked {
			return KindChecked, true
		}
		return KindUnchecked, true
	}
	if before.Title != after.Title || before.Note != after.Note || before.Qty != after.Qty {
		return KindUpdated, true
	}
	return "", false
}
