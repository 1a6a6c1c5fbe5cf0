package listsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spisok-app/spisok/internal/realtime"
)

// Status reports the lifecycle of a change-stream subscription.
type Status string

const (
	// StatusSubscribed is emitted once the stream is live.
	StatusSubscribed Status = "SUBSCRIBED"
	// StatusClosed is emitted when the stream ends without a protocol error.
	StatusClosed Status = "CLOSED"
	// StatusErrored is emitted when the stream fails.
	StatusErrored Status = "CHANNEL_ERROR"
)

// Subscription is one live change stream for a single list. Events and Status
// are closed when the subscription terminates.
type Subscription interface {
	Events() <-chan realtime.ChangeEvent
	Status() <-chan Status
	Close()
}

// StreamTransport opens change-stream subscriptions. Credentials identify the
// caller: a bearer token for owners, a share token for anonymous viewers.
type StreamTransport interface {
	Subscribe(ctx context.Context, listID string, credentials StreamCredentials) (Subscription, error)
}

// StreamCredentials carries at most one of the two access paths to a stream.
type StreamCredentials struct {
	AccessToken string
	ShareToken  string
}

type listChange struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	IsPublic           bool      `json:"is_public"`
	AllowAnonymousEdit bool      `json:"allow_anonymous_edit"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type itemChange struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	Text      string    `json:"text"`
	Purchased bool      `json:"purchased"`
	Price     *float64  `json:"price"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func decodeListChange(raw json.RawMessage) (listChange, error) {
	var change listChange
	if len(raw) == 0 {
		return change, fmt.Errorf("empty list payload")
	}
	if err := json.Unmarshal(raw, &change); err != nil {
		return change, fmt.Errorf("malformed list payload: %w", err)
	}
	if change.ID == "" {
		return change, fmt.Errorf("list payload missing id")
	}
	return change, nil
}

func decodeItemChange(raw json.RawMessage) (itemChange, error) {
	var change itemChange
	if len(raw) == 0 {
		return change, fmt.Errorf("empty item payload")
	}
	if err := json.Unmarshal(raw, &change); err != nil {
		return change, fmt.Errorf("malformed item payload: %w", err)
	}
	if change.ID == "" {
		return change, fmt.Errorf("item payload missing id")
	}
	return change, nil
}

func (c itemChange) toItem() Item {
	return Item{
		ID:        c.ID,
		Text:      c.Text,
		Purchased: c.Purchased,
		Price:     c.Price,
		Position:  c.Position,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
