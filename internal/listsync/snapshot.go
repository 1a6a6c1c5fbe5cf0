package listsync

import "sync"

// Snapshot holds the single source of truth for one list's current state.
// Every write replaces the prior value atomically; readers receive deep
// copies, so no caller ever observes a partial update.
type Snapshot struct {
	mu   sync.Mutex
	list *List
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Replace unconditionally sets the current list state.
func (s *Snapshot) Replace(list *List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list.Clone()
}

// Get returns a deep copy of the current state, or nil when absent.
func (s *Snapshot) Get() *List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Clone()
}

// PatchList applies mutate to the list-level fields. No-op when absent.
func (s *Snapshot) PatchList(mutate func(*List)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return false
	}
	mutate(s.list)
	return true
}

// PatchItem applies mutate to the item with the given id. No-op when the list
// or the item is absent.
func (s *Snapshot) PatchItem(itemID string, mutate func(*Item)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return false
	}
	for i := range s.list.Items {
		if s.list.Items[i].ID == itemID {
			mutate(&s.list.Items[i])
			return true
		}
	}
	return false
}

// InsertItem appends the item unless an item with the same id already exists.
// The duplicate guard is what lets an optimistic insert and the authoritative
// stream event converge to a single copy.
func (s *Snapshot) InsertItem(item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return false
	}
	for i := range s.list.Items {
		if s.list.Items[i].ID == item.ID {
			return false
		}
	}
	s.list.Items = append(s.list.Items, item)
	return true
}

// RemoveItem filters out the item with the given id. No-op when absent.
func (s *Snapshot) RemoveItem(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return false
	}
	for i := range s.list.Items {
		if s.list.Items[i].ID == itemID {
			s.list.Items = append(s.list.Items[:i], s.list.Items[i+1:]...)
			return true
		}
	}
	return false
}

// ReconcileItem swaps the provisional item for the authoritative one. When
// the stream already delivered the authoritative row, the provisional copy is
// simply dropped, leaving exactly one item.
func (s *Snapshot) ReconcileItem(tempID string, authoritative Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return
	}
	authoritativeIndex := -1
	tempIndex := -1
	for i := range s.list.Items {
		switch s.list.Items[i].ID {
		case authoritative.ID:
			authoritativeIndex = i
		case tempID:
			tempIndex = i
		}
	}
	if authoritativeIndex >= 0 {
		s.list.Items[authoritativeIndex] = authoritative
		if tempIndex >= 0 {
			s.list.Items = append(s.list.Items[:tempIndex], s.list.Items[tempIndex+1:]...)
		}
		return
	}
	if tempIndex >= 0 {
		s.list.Items[tempIndex] = authoritative
	}
}
