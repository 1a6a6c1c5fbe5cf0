package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Table names mirrored by change events.
const (
	TableLists = "shopping_lists"
	TableItems = "shopping_items"
)

// Operation identifies the kind of row change carried by an event.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent describes one committed row change for a single list.
// Old carries the prior row for deletes, New the current row otherwise.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"op"`
	Old       json.RawMessage `json:"old,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
}

// Feed fans committed change events out to the live subscribers of a list.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a consumer for one list's change events. The returned
// cleanup is idempotent and also runs when ctx is cancelled.
func (f *Feed) Subscribe(ctx context.Context, listID string) (<-chan ChangeEvent, func()) {
	if listID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan ChangeEvent, f.bufferSize),
	}
	f.registerSubscriber(listID, subscriber)
	cleanup := func() {
		f.unregisterSubscriber(listID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of the list. Slow consumers
// are skipped rather than blocking the publisher.
func (f *Feed) Publish(listID string, event ChangeEvent) {
	if listID == "" || event.Table == "" || event.Operation == "" {
		return
	}
	f.mu.RLock()
	subscribers := f.subscribers[listID]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Close drops all subscribers, closing their streams. Publish and Subscribe
// after Close are no-ops for the dropped consumers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for listID, subscribers := range f.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(f.subscribers, listID)
	}
}

func (f *Feed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *Feed) registerSubscriber(listID string, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[listID]; !ok {
		f.subscribers[listID] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[listID][subscriber.id] = subscriber
}

func (f *Feed) unregisterSubscriber(listID string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[listID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, listID)
		}
	}
	f.mu.Unlock()
}
