// Package sync holds the client half of the item protocol: an eventually
// consistent mirror of one list's items with optimistic local mutation.
//
// A mutation is applied to the visible snapshot immediately (when optimistic),
// then committed remotely. On commit failure the splice is rolled back to the
// state captured before it — unless an authoritative upstream event replaced
// the entry mid-flight, in which case the upstream value wins. On success no
// explicit reconciliation happens: the live subscription delivers the
// authoritative write and replaces the optimistic entry by id.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/pantrylab/cartsync/internal/events"
	"github.com/pantrylab/cartsync/internal/items"
)

// ErrMutationInFlight is returned when a second mutation targets an item whose
// previous commit has not resolved yet. Callers must wait for the outcome.
var ErrMutationInFlight = errors.New("sync: mutation already in flight for this item")

// ErrUnknownItem is returned when a mutation references an item the mirror has
// never seen.
var ErrUnknownItem = errors.New("sync: unknown item")

// Committer submits mutations to the remote authority.
type Committer interface {
	Add(ctx context.Context, fields items.Fields) (items.Item, error)
	Update(ctx context.Context, itemID string, patch items.Patch) (items.Item, error)
	Delete(ctx context.Context, itemID string) error
}

// MirrorConfig bundles the mirror's dependencies.
type MirrorConfig struct {
	ListID   string
	ActorUID string
	Remote   Committer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Mirror is one consumer's locally observable view of a list's items.
type Mirror struct {
	listID string
	actor  string
	remote Committer
	clock  func() time.Time
	logger *zap.Logger

	mu      stdsync.Mutex
	entries map[string]items.Item
	pending map[string]*pendingMutation
}

// pendingMutation remembers what to restore if the in-flight commit fails.
// prev is nil when the item did not exist before the splice; superseded is set
// once an authoritative upstream event replaces the entry, at which point a
// failure rollback must not clobber it.
type pendingMutation struct {
	prev       *items.Item
	splice     *items.Item
	superseded bool
}

// NewMirror constructs a mirror for one list.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.ListID == "" {
		return nil, fmt.Errorf("sync: list id is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("sync: remote committer is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		listID:  cfg.ListID,
		actor:   cfg.ActorUID,
		remote:  cfg.Remote,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]items.Item),
		pending: make(map[string]*pendingMutation),
	}, nil
}

// Seed loads an initial snapshot, replacing any previous state.
func (m *Mirror) Seed(snapshot []items.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]items.Item, len(snapshot))
	for _, item := range snapshot {
		m.entries[item.ID] = item
	}
	m.pending = make(map[string]*pendingMutation)
}

// Run consumes upstream diffs until the stream closes or the context ends.
func (m *Mirror) Run(ctx context.Context, stream <-chan events.ItemEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			m.Apply(event)
		}
	}
}

// Apply folds one authoritative upstream diff into the mirror. Authoritative
// writes replace optimistic entries by id.
func (m *Mirror) Apply(event events.ItemEvent) {
	if event.ListID != m.listID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch event.Type {
	case events.EventTypeUpsert:
		m.entries[event.Item.ID] = event.Item
	case events.EventTypeDelete:
		delete(m.entries, event.Item.ID)
	default:
		return
	}
	if p, ok := m.pending[event.Item.ID]; ok {
		p.superseded = true
	}
}

// Snapshot returns the visible items in display order.
func (m *Mirror) Snapshot() []items.Item {
	m.mu.Lock()
	list := make([]items.Item, 0, len(m.entries))
	for _, item := range m.entries {
		list = append(list, item)
	}
	m.mu.Unlock()
	items.SortItems(list)
	return list
}

// Get returns the visible state of one item.
func (m *Mirror) Get(itemID string) (items.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.entries[itemID]
	return item, ok
}

// Add submits a new item to the remote authority. Creation is not optimistic:
// the id and timestamps are assigned at commit time.
func (m *Mirror) Add(ctx context.Context, fields items.Fields) (items.Item, error) {
	created, err := m.remote.Add(ctx, fields)
	if err != nil {
		return items.Item{}, err
	}
	m.mu.Lock()
	m.entries[created.ID] = created
	m.mu.Unlock()
	return created, nil
}

// Update mutates an item. With optimistic set, the merged state is visible
// before the network round-trip; a failed commit rolls the splice back and
// surfaces the error, never silently.
func (m *Mirror) Update(ctx context.Context, itemID string, patch items.Patch, optimistic bool) error {
	if optimistic {
		if err := m.spliceUpdate(itemID, patch); err != nil {
			return err
		}
	}

	_, err := m.remote.Update(ctx, itemID, patch)
	if optimistic {
		m.resolve(itemID, err)
	}
	return err
}

// Delete removes an item. The optimistic path removes it from the visible
// snapshot immediately and reinserts the captured state on failure.
func (m *Mirror) Delete(ctx context.Context, itemID string, optimistic bool) error {
	if optimistic {
		if err := m.spliceDelete(itemID); err != nil {
			return err
		}
	}

	err := m.remote.Delete(ctx, itemID)
	if optimistic {
		m.resolve(itemID, err)
	}
	return err
}

// ToggleCheck is sugar over Update with the optimistic path forced on: rapid
// check tapping must never visibly block on the network.
func (m *Mirror) ToggleCheck(ctx context.Context, itemID string, checked bool) error {
	return m.Update(ctx, itemID, items.Patch{Checked: &checked}, true)
}

func (m *Mirror) spliceUpdate(itemID string, patch items.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, inFlight := m.pending[itemID]; inFlight {
		return ErrMutationInFlight
	}
	current, ok := m.entries[itemID]
	if !ok {
		return ErrUnknownItem
	}

	captured := current
	merged := patch.Apply(current)
	merged.UpdatedBy = m.actor
	merged.UpdatedAtMillis = m.clock().UTC().UnixMilli()

	m.entries[itemID] = merged
	mergedCopy := merged
	m.pending[itemID] = &pendingMutation{prev: &captured, splice: &mergedCopy}
	return nil
}

func (m *Mirror) spliceDelete(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, inFlight := m.pending[itemID]; inFlight {
		return ErrMutationInFlight
	}
	current, ok := m.entries[itemID]
	if !ok {
		return ErrUnknownItem
	}

	captured := current
	delete(m.entries, itemID)
	m.pending[itemID] = &pendingMutation{prev: &captured}
	return nil
}

// resolve finishes an optimistic mutation: success leaves reconciliation to
// the live subscription, failure restores the captured state unless upstream
// already replaced the entry.
func (m *Mirror) resolve(itemID string, commitErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[itemID]
	if !ok {
		return
	}
	delete(m.pending, itemID)

	if commitErr == nil || p.superseded {
		return
	}

	m.logger.Warn("optimistic mutation rolled back",
		zap.String("list_id", m.listID),
		zap.String("item_id", itemID),
		zap.Error(commitErr))

	if p.prev != nil {
		m.entries[itemID] = *p.prev
	} else {
		delete(m.entries, itemID)
	}
}
