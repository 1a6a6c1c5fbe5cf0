package listsync

import "context"

// RemoteError describes a failed persistence call. The message is taken from
// the response body's error field when present, otherwise a generic fallback.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ItemPatch is a partial item update. PriceSet distinguishes clearing the
// price from leaving it untouched.
type ItemPatch struct {
	Text      *string
	Purchased *bool
	Price     *float64
	PriceSet  bool
}

// ListSettings is a partial update of a list's sharing flags.
type ListSettings struct {
	IsPublic           *bool
	AllowAnonymousEdit *bool
}

// Fetcher performs request/response calls against the persistence API. Calls
// never touch local state; the session applies results to the snapshot.
type Fetcher interface {
	LoadList(ctx context.Context, listID string) (*List, error)
	CreateItem(ctx context.Context, listID, text string, price *float64) (*Item, error)
	UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	RenameList(ctx context.Context, listID, name string) (*List, error)
	UpdateListSettings(ctx context.Context, listID string, settings ListSettings) (*List, error)
	ResolveShareToken(ctx context.Context, token string) (*List, error)
}
