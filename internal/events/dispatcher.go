// Package events fans committed item writes out to live-query subscribers.
// Delivery is per-list, non-blocking, and best effort: a subscriber that
// cannot keep up misses events and reconciles from its next snapshot.
package events

import (
	"context"
	"sync"

	"github.com/pantrylab/cartsync/internal/items"
)

// Event types delivered to subscribers.
const (
	EventTypeUpsert = "upsert"
	EventTypeDelete = "delete"
)

// ItemEvent is one incremental diff of a list's item collection.
type ItemEvent struct {
	ListID string
	Type   string
	Item   items.Item
}

// Dispatcher maintains per-list subscriber registries.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ItemEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a listener for a list's item diffs. The stream stays
// open until the context is cancelled or the returned cancel func is called.
func (d *Dispatcher) Subscribe(ctx context.Context, listID string) (<-chan ItemEvent, func()) {
	if listID == "" {
		ch := make(chan ItemEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ItemEvent, d.bufferSize),
	}
	d.register(listID, sub)
	cancel := func() {
		d.unregister(listID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Publish delivers an event to every subscriber of its list without blocking.
func (d *Dispatcher) Publish(event ItemEvent) {
	if event.ListID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	registry := d.subscribers[event.ListID]
	if len(registry) == 0 {
		d.mu.RUnlock()
		return
	}
	listeners := make([]*subscriber, 0, len(registry))
	for _, sub := range registry {
		listeners = append(listeners, sub)
	}
	d.mu.RUnlock()
	for _, sub := range listeners {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// ItemChanged implements items.ChangeObserver, translating a committed diff
// into the subscriber event stream. Deletions carry the last known image.
func (d *Dispatcher) ItemChanged(_ context.Context, change items.Change) {
	switch {
	case change.After != nil:
		d.Publish(ItemEvent{ListID: change.ListID, Type: EventTypeUpsert, Item: *change.After})
	case change.Before != nil:
		d.Publish(ItemEvent{ListID: change.ListID, Type: EventTypeDelete, Item: *change.Before})
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(listID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[listID]; !ok {
		d.subscribers[listID] = make(map[int64]*subscriber)
	}
	d.subscribers[listID][sub.id] = sub
}

func (d *Dispatcher) unregister(listID string, subscriberID int64) {
	d.mu.Lock()
	registry := d.subscribers[listID]
	if registry != nil {
		delete(registry, subscriberID)
		if len(registry) == 0 {
			delete(d.subscribers, listID)
		}
	}
	d.mu.Unlock()
}
