package sync

import (
	"context"

	"github.com/pantrylab/cartsync/internal/items"
)

// ServiceCommitter adapts the in-process item authority to the Committer
// interface, binding it to one actor and one list.
type ServiceCommitter struct {
	Items    *items.Service
	ListID   string
	ActorUID string
}

// Add implements Committer.
func (c *ServiceCommitter) Add(ctx context.Context, fields items.Fields) (items.Item, error) {
	return c.Items.Add(ctx, c.ActorUID, c.ListID, fields)
}

// Update implements Committer.
func (c *ServiceCommitter) Update(ctx context.Context, itemID string, patch items.Patch) (items.Item, error) {
	return c.Items.Update(ctx, c.ActorUID, c.ListID, itemID, patch)
}

// Delete implements Committer.
func (c *ServiceCommitter) Delete(ctx context.Context, itemID string) error {
	return c.Items.Delete(ctx, c.ActorUID, c.ListID, itemID)
}
