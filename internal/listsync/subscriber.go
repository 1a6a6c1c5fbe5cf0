package listsync

import (
	"context"
	"sync"

	"github.com/spisok-app/spisok/internal/realtime"
)

// subscriber owns at most one live change-stream subscription for a list and
// folds its events into the snapshot. A generation counter fences goroutines
// of superseded subscriptions so their channels cannot affect a newer one.
type subscriber struct {
	transport   StreamTransport
	listID      string
	credentials StreamCredentials
	snapshot    *Snapshot

	// onStatus receives terminal and lifecycle transitions of the current
	// subscription. Called outside the subscriber lock.
	onStatus func(Status)
	// onEvent fires after an event has been applied to the snapshot.
	onEvent func()

	mu         sync.Mutex
	current    Subscription
	generation uint64
	stopped    bool
}

func newSubscriber(transport StreamTransport, listID string, credentials StreamCredentials, snapshot *Snapshot) *subscriber {
	return &subscriber{
		transport:   transport,
		listID:      listID,
		credentials: credentials,
		snapshot:    snapshot,
	}
}

// resubscribe tears down any live subscription and opens a fresh one. The
// dial error is returned synchronously; stream failures after a successful
// dial surface through onStatus.
func (s *subscriber) resubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	subscription, err := s.transport.Subscribe(ctx, s.listID, s.credentials)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped || generation != s.generation {
		s.mu.Unlock()
		subscription.Close()
		return nil
	}
	s.current = subscription
	s.mu.Unlock()

	go s.pump(generation, subscription)
	return nil
}

// disconnect closes the live subscription without preventing a later
// resubscribe. The generation bump fences the pump so its terminal status
// does not reach the supervisor as a spurious disconnect.
func (s *subscriber) disconnect() {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.generation++
	s.mu.Unlock()
	if current != nil {
		current.Close()
	}
}

// stop closes the live subscription and prevents any further resubscribes.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	current := s.current
	s.current = nil
	s.generation++
	s.mu.Unlock()
	if current != nil {
		current.Close()
	}
}

func (s *subscriber) live(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && generation == s.generation
}

func (s *subscriber) pump(generation uint64, subscription Subscription) {
	events := subscription.Events()
	status := subscription.Status()
	for events != nil || status != nil {
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !s.live(generation) {
				return
			}
			if s.applyEvent(event) && s.onEvent != nil {
				s.onEvent()
			}
		case next, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if !s.live(generation) {
				return
			}
			if s.onStatus != nil {
				s.onStatus(next)
			}
		}
	}
}

// applyEvent folds one row change into the snapshot. Events referencing rows
// the snapshot does not hold are dropped; an insert for an id that is already
// present (the optimistic path won the race) is skipped rather than
// duplicated.
func (s *subscriber) applyEvent(event realtime.ChangeEvent) bool {
	switch event.Table {
	case realtime.TableLists:
		if event.Operation != realtime.OperationUpdate {
			return false
		}
		change, err := decodeListChange(event.New)
		if err != nil {
			return false
		}
		if change.ID != s.listID {
			return false
		}
		return s.snapshot.PatchList(func(list *List) {
			list.Name = change.Name
			list.IsPublic = change.IsPublic
			list.AllowAnonymousEdit = change.AllowAnonymousEdit
			list.UpdatedAt = change.UpdatedAt
		})
	case realtime.TableItems:
		switch event.Operation {
		case realtime.OperationInsert:
			change, err := decodeItemChange(event.New)
			if err != nil {
				return false
			}
			return s.snapshot.InsertItem(change.toItem())
		case realtime.OperationUpdate:
			change, err := decodeItemChange(event.New)
			if err != nil {
				return false
			}
			return s.snapshot.PatchItem(change.ID, func(item *Item) {
				*item = change.toItem()
			})
		case realtime.OperationDelete:
			change, err := decodeItemChange(event.Old)
			if err != nil {
				return false
			}
			return s.snapshot.RemoveItem(change.ID)
		}
	}
	return false
}
