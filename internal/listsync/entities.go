// Package listsync keeps an in-memory view of one shopping list consistent
// across optimistic local mutations, a live change stream from the backend,
// and reconnection after network loss.
package listsync

import "time"

// Item is the client-side shape of one shopping list entry.
type Item struct {
	ID        string
	Text      string
	Purchased bool
	Price     *float64
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// List is the client-side shape of a shopping list and its items, ordered by
// item position.
type List struct {
	ID                 string
	Name               string
	IsPublic           bool
	ShareToken         string
	AllowAnonymousEdit bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Items              []Item
}

// Clone returns a deep copy safe to mutate independently.
func (l *List) Clone() *List {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Items = make([]Item, len(l.Items))
	copy(clone.Items, l.Items)
	for i := range clone.Items {
		if l.Items[i].Price != nil {
			price := *l.Items[i].Price
			clone.Items[i].Price = &price
		}
	}
	return &clone
}

// ConnectionState describes the health of the live view.
type ConnectionState struct {
	IsConnected  bool
	IsOnline     bool
	LastSyncTime time.Time
	RetryCount   int
}
