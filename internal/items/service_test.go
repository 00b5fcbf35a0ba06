package items_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/apperr"
	"github.com/pantrylab/cartsync/internal/items"
	"github.com/pantrylab/cartsync/internal/membership"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

type recordingObserver struct {
	changes []items.Change
}

func (o *recordingObserver) ItemChanged(_ context.Context, change items.Change) {
	o.changes = append(o.changes, change)
}

func newTestService(t *testing.T, itemIDs []string) (*items.Service, *gorm.DB, *testClock, *recordingObserver) {
	t.Helper()

	dsn := fmt.Sprintf("file:cartsync_items_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&membership.List{}, &membership.Member{}, &items.Item{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	err = db.Create(&membership.List{ID: "list-1", Name: "Groceries", CreatedBy: "user-a", CreatedAtMillis: 1, UpdatedAtMillis: 1}).Error
	if err != nil {
		t.Fatalf("failed to seed list: %v", err)
	}
	err = db.Create(&membership.Member{ListID: "list-1", UID: "user-a", Role: membership.RoleOwner, JoinedAtMillis: 1}).Error
	if err != nil {
		t.Fatalf("failed to seed owner: %v", err)
	}
	err = db.Create(&membership.Member{ListID: "list-1", UID: "user-b", Role: membership.RoleEditor, JoinedAtMillis: 2}).Error
	if err != nil {
		t.Fatalf("failed to seed editor: %v", err)
	}

	clock := &testClock{now: time.UnixMilli(1700000000000).UTC()}
	observer := &recordingObserver{}
	service, err := items.NewService(items.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: itemIDs},
		Observers:  []items.ChangeObserver{observer},
	})
	if err != nil {
		t.Fatalf("failed to construct items service: %v", err)
	}
	return service, db, clock, observer
}

func TestAddCreatesItemAndBumpsList(t *testing.T) {
	service, db, clock, observer := newTestService(t, []string{"item-1"})

	created, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "  Milk  ", Note: "2%"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Title != "Milk" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}
	if created.Qty != 1 {
		t.Fatalf("expected default qty 1, got %d", created.Qty)
	}
	if created.Checked {
		t.Fatalf("expected new items to start unchecked")
	}
	if created.CreatedBy != "user-a" || created.UpdatedBy != "user-a" {
		t.Fatalf("expected actor stamps, got %+v", created)
	}

	var list membership.List
	if err := db.Take(&list, "list_id = ?", "list-1").Error; err != nil {
		t.Fatalf("failed to load list: %v", err)
	}
	if list.UpdatedAtMillis != clock.now.UnixMilli() {
		t.Fatalf("expected list bump to %d, got %d", clock.now.UnixMilli(), list.UpdatedAtMillis)
	}

	if len(observer.changes) != 1 {
		t.Fatalf("expected 1 observed change, got %d", len(observer.changes))
	}
	change := observer.changes[0]
	if change.Before != nil || change.After == nil || change.After.ID != "item-1" {
		t.Fatalf("expected create diff with after image only, got %+v", change)
	}
}

func TestAddRejectsEmptyTitle(t *testing.T) {
	service, _, _, _ := newTestService(t, []string{"item-1"})

	_, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "   "})
	if !apperr.IsKind(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestAddRequiresMembership(t *testing.T) {
	service, _, _, observer := newTestService(t, []string{"item-1"})

	_, err := service.Add(context.Background(), "stranger", "list-1", items.Fields{Title: "Milk"})
	if !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("expected failed precondition for non-member, got %v", err)
	}
	if len(observer.changes) != 0 {
		t.Fatalf("expected no observed changes, got %d", len(observer.changes))
	}
}

func TestUpdateAppliesPatchAndStampsActor(t *testing.T) {
	service, _, clock, observer := newTestService(t, []string{"item-1"})
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Milk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.now = clock.now.Add(5 * time.Second)
	checked := true
	updated, err := service.Update(context.Background(), "user-b", "list-1", "item-1", items.Patch{Checked: &checked})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.Checked {
		t.Fatalf("expected checked item")
	}
	if updated.UpdatedBy != "user-b" {
		t.Fatalf("expected updater stamp user-b, got %q", updated.UpdatedBy)
	}
	if updated.Title != "Milk" || updated.Qty != 1 {
		t.Fatalf("expected untouched fields to survive, got %+v", updated)
	}
	if updated.UpdatedAtMillis != clock.now.UnixMilli() {
		t.Fatalf("expected server timestamp, got %d", updated.UpdatedAtMillis)
	}

	if len(observer.changes) != 2 {
		t.Fatalf("expected 2 observed changes, got %d", len(observer.changes))
	}
	change := observer.changes[1]
	if change.Before == nil || change.Before.Checked {
		t.Fatalf("expected before image unchecked, got %+v", change.Before)
	}
	if change.After == nil || !change.After.Checked {
		t.Fatalf("expected after image checked, got %+v", change.After)
	}
}

func TestUpdateTimestampNeverGoesBackwards(t *testing.T) {
	service, _, clock, _ := newTestService(t, []string{"item-1"})
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Milk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	createdAt := clock.now.UnixMilli()

	// Clock skew backwards must still yield a strictly increasing updatedAt.
	clock.now = clock.now.Add(-time.Minute)
	qty := 3
	updated, err := service.Update(context.Background(), "user-a", "list-1", "item-1", items.Patch{Qty: &qty})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.UpdatedAtMillis != createdAt+1 {
		t.Fatalf("expected updatedAt %d, got %d", createdAt+1, updated.UpdatedAtMillis)
	}
}

func TestUpdateValidatesPatch(t *testing.T) {
	service, _, _, _ := newTestService(t, []string{"item-1"})
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Milk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := service.Update(context.Background(), "user-a", "list-1", "item-1", items.Patch{})
	if !apperr.IsKind(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument for empty patch, got %v", err)
	}

	empty := "  "
	_, err = service.Update(context.Background(), "user-a", "list-1", "item-1", items.Patch{Title: &empty})
	if !apperr.IsKind(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument for blank title, got %v", err)
	}

	zero := 0
	_, err = service.Update(context.Background(), "user-a", "list-1", "item-1", items.Patch{Qty: &zero})
	if !apperr.IsKind(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument for zero qty, got %v", err)
	}
}

func TestUpdateUnknownItemIsNotFound(t *testing.T) {
	service, _, _, _ := newTestService(t, nil)

	checked := true
	_, err := service.Update(context.Background(), "user-a", "list-1", "missing", items.Patch{Checked: &checked})
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteEmitsBeforeImage(t *testing.T) {
	service, db, _, observer := newTestService(t, []string{"item-1"})
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Milk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.Delete(context.Background(), "user-b", "list-1", "item-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&items.Item{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count items: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected item to be deleted, %d rows remain", count)
	}

	change := observer.changes[len(observer.changes)-1]
	if change.After != nil || change.Before == nil || change.Before.Title != "Milk" {
		t.Fatalf("expected delete diff carrying the last image, got %+v", change)
	}
}

func TestSnapshotOrdersUncheckedFirstThenRecency(t *testing.T) {
	service, _, clock, _ := newTestService(t, []string{"item-1", "item-2", "item-3"})

	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Milk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.now = clock.now.Add(time.Second)
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Eggs"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.now = clock.now.Add(time.Second)
	if _, err := service.Add(context.Background(), "user-a", "list-1", items.Fields{Title: "Bread"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.now = clock.now.Add(time.Second)
	checked := true
	if _, err := service.Update(context.Background(), "user-a", "list-1", "item-3", items.Patch{Checked: &checked}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot, err := service.Snapshot(context.Background(), "user-b", "list-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make([]string, 0, len(snapshot))
	for _, item := range snapshot {
		got = append(got, item.ID)
	}
	want := []string{"item-2", "item-1", "item-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSnapshotRequiresMembership(t *testing.T) {
	service, _, _, _ := newTestService(t, nil)

	_, err := service.Snapshot(context.Background(), "stranger", "list-1")
	if !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}
