package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pantrylab/cartsync/internal/events"
	"github.com/pantrylab/cartsync/internal/items"
)

type fakeCommitter struct {
	updateErr error
	deleteErr error
	updated   []items.Patch
	deleted   []string
	result    items.Item
}

func (c *fakeCommitter) Add(_ context.Context, fields items.Fields) (items.Item, error) {
	return items.Item{ID: "item-new", ListID: "list-1", Title: fields.Title, Qty: fields.Qty}, nil
}

func (c *fakeCommitter) Update(_ context.Context, itemID string, patch items.Patch) (items.Item, error) {
	c.updated = append(c.updated, patch)
	if c.updateErr != nil {
		return items.Item{}, c.updateErr
	}
	return c.result, nil
}

func (c *fakeCommitter) Delete(_ context.Context, itemID string) error {
	c.deleted = append(c.deleted, itemID)
	return c.deleteErr
}

func newTestMirror(t *testing.T, remote Committer) *Mirror {
	t.Helper()
	mirror, err := NewMirror(MirrorConfig{
		ListID:   "list-1",
		ActorUID: "user-a",
		Remote:   remote,
		Clock:    func() time.Time { return time.UnixMilli(1700000005000).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct mirror: %v", err)
	}
	return mirror
}

func seedItem() items.Item {
	return items.Item{
		ID:              "item-1",
		ListID:          "list-1",
		Title:           "Milk",
		Qty:             2,
		Checked:         false,
		CreatedBy:       "user-b",
		UpdatedBy:       "user-b",
		CreatedAtMillis: 1700000000000,
		UpdatedAtMillis: 1700000000000,
	}
}

func TestOptimisticUpdateVisibleBeforeCommit(t *testing.T) {
	remote := &fakeCommitter{}
	mirror := newTestMirror(t, remote)
	mirror.Seed([]items.Item{seedItem()})

	committed := seedItem()
	committed.Checked = true
	committed.UpdatedBy = "user-a"
	committed.UpdatedAtMillis = 1700000006000
	remote.result = committed

	checked := true
	if err := mirror.Update(context.Background(), "item-1", items.Patch{Checked: &checked}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := mirror.Get("item-1")
	if !ok {
		t.Fatalf("expected item to remain visible")
	}
	if !got.Checked {
		t.Fatalf("expected optimistic checked state")
	}
	if got.UpdatedBy != "user-a" {
		t.Fatalf("expected splice to stamp the local actor, got %q", got.UpdatedBy)
	}
	if len(remote.updated) != 1 {
		t.Fatalf("expected 1 remote commit, got %d", len(remote.updated))
	}
}

func TestFailedUpdateRollsBackToCapturedState(t *testing.T) {
	remote := &fakeCommitter{updateErr: errors.New("permission denied")}
	mirror := newTestMirror(t, remote)
	original := seedItem()
	mirror.Seed([]items.Item{original})

	checked := true
	err := mirror.Update(context.Background(), "item-1", items.Patch{Checked: &checked}, true)
	if err == nil {
		t.Fatalf("expected commit error to surface")
	}

	got, ok := mirror.Get("item-1")
	if !ok {
		t.Fatalf("expected item restored after rollback")
	}
	if diff := cmp.Diff(original, got); diff != "" {
		t.Fatalf("rollback did not restore the captured state (-want +got):\n%s", diff)
	}
}

func TestFailedDeleteReinsertsCapturedState(t *testing.T) {
	remote := &fakeCommitter{deleteErr: errors.New("network down")}
	mirror := newTestMirror(t, remote)
	original := seedItem()
	mirror.Seed([]items.Item{original})

	err := mirror.Delete(context.Background(), "item-1", true)
	if err == nil {
		t.Fatalf("expected commit error to surface")
	}

	got, ok := mirror.Get("item-1")
	if !ok {
		t.Fatalf("expected item reinserted after failed delete")
	}
	if diff := cmp.Diff(original, got); diff != "" {
		t.Fatalf("rollback did not restore the captured state (-want +got):\n%s", diff)
	}
}

func TestRollbackDoesNotClobberUpstreamReplacement(t *testing.T) {
	remote := &fakeCommitter{updateErr: errors.New("permission denied")}
	mirror := newTestMirror(t, remote)
	mirror.Seed([]items.Item{seedItem()})

	// Race: an authoritative event for the same item lands mid-flight.
	upstream := seedItem()
	upstream.Title = "Whole Milk"
	upstream.UpdatedAtMillis = 1700000007000

	checked := true
	if err := mirror.spliceUpdate("item-1", items.Patch{Checked: &checked}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mirror.Apply(events.ItemEvent{ListID: "list-1", Type: events.EventTypeUpsert, Item: upstream})
	mirror.resolve("item-1", remote.updateErr)

	got, ok := mirror.Get("item-1")
	if !ok {
		t.Fatalf("expected item to remain visible")
	}
	if diff := cmp.Diff(upstream, got); diff != "" {
		t.Fatalf("expected upstream value to win over rollback (-want +got):\n%s", diff)
	}
}

func TestSecondMutationWhileInFlightIsRejected(t *testing.T) {
	mirror := newTestMirror(t, &fakeCommitter{})
	mirror.Seed([]items.Item{seedItem()})

	checked := true
	if err := mirror.spliceUpdate("item-1", items.Patch{Checked: &checked}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := mirror.spliceUpdate("item-1", items.Patch{Checked: &checked})
	if !errors.Is(err, ErrMutationInFlight) {
		t.Fatalf("expected ErrMutationInFlight, got %v", err)
	}
	if err := mirror.spliceDelete("item-1"); !errors.Is(err, ErrMutationInFlight) {
		t.Fatalf("expected ErrMutationInFlight, got %v", err)
	}
}

func TestUpdateUnknownItemRejected(t *testing.T) {
	mirror := newTestMirror(t, &fakeCommitter{})

	checked := true
	err := mirror.Update(context.Background(), "ghost", items.Patch{Checked: &checked}, true)
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestApplyFoldsUpstreamDiffs(t *testing.T) {
	mirror := newTestMirror(t, &fakeCommitter{})
	mirror.Seed([]items.Item{seedItem()})

	other := items.Item{ID: "item-2", ListID: "list-1", Title: "Eggs", UpdatedAtMillis: 1700000008000}
	mirror.Apply(events.ItemEvent{ListID: "list-1", Type: events.EventTypeUpsert, Item: other})
	mirror.Apply(events.ItemEvent{ListID: "list-1", Type: events.EventTypeDelete, Item: seedItem()})

	// Events for other lists are ignored.
	foreign := items.Item{ID: "item-9", ListID: "list-2", Title: "Paint"}
	mirror.Apply(events.ItemEvent{ListID: "list-2", Type: events.EventTypeUpsert, Item: foreign})

	snapshot := mirror.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "item-2" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestRunConsumesStreamUntilClosed(t *testing.T) {
	mirror := newTestMirror(t, &fakeCommitter{})
	mirror.Seed(nil)

	stream := make(chan events.ItemEvent, 2)
	stream <- events.ItemEvent{ListID: "list-1", Type: events.EventTypeUpsert, Item: seedItem()}
	close(stream)

	mirror.Run(context.Background(), stream)

	if _, ok := mirror.Get("item-1"); !ok {
		t.Fatalf("expected streamed item in the mirror")
	}
}
