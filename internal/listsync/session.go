package listsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempIDPrefix = "temp-"

// SessionConfig wires a Session to its collaborators. Fetcher, Transport and
// ListID are required; everything else has a default.
type SessionConfig struct {
	ListID      string
	Fetcher     Fetcher
	Transport   StreamTransport
	Credentials StreamCredentials
	Clock       Clock
	// IDProvider mints temporary item identifiers for the optimistic path.
	IDProvider func() string
	// OnError receives every mutation or stream failure exactly once.
	OnError func(error)
	Logger  *zap.Logger
}

// Session keeps one list synchronized against the backend: it loads the
// initial snapshot, applies optimistic mutations with rollback, folds live
// change events in, and supervises stream reconnection.
type Session struct {
	listID     string
	fetcher    Fetcher
	clock      Clock
	idProvider func() string
	onError    func(error)
	logger     *zap.Logger

	snapshot   *Snapshot
	subscriber *subscriber
	supervisor *reconnectSupervisor

	// loadFn is swapped by PublicSession to load through a share token.
	loadFn func(ctx context.Context) (*List, error)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu        sync.Mutex
	loading   bool
	lastErr   error
	connected bool
	lastSync  time.Time
}

// NewSession validates the configuration and builds an unstarted Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ListID == "" {
		return nil, fmt.Errorf("listsync: list id is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("listsync: fetcher is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("listsync: stream transport is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	snapshot := NewSnapshot()
	session := &Session{
		listID:     cfg.ListID,
		fetcher:    cfg.Fetcher,
		clock:      clock,
		idProvider: idProvider,
		onError:    cfg.OnError,
		logger:     logger,
		snapshot:   snapshot,
		loading:    true,
	}
	session.loadFn = func(ctx context.Context) (*List, error) {
		return session.fetcher.LoadList(ctx, session.listID)
	}
	session.subscriber = newSubscriber(cfg.Transport, cfg.ListID, cfg.Credentials, snapshot)
	session.subscriber.onStatus = session.handleStreamStatus
	session.subscriber.onEvent = session.markSynced
	session.supervisor = newReconnectSupervisor(clock, session.attemptReconnect, session.reportExhausted)
	return session, nil
}

// Start loads the list and opens the change stream. A load failure is fatal;
// a stream failure is handed to the reconnection supervisor.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	list, err := s.loadFn(s.ctx)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	s.startLoaded(list)
	return nil
}

// startLoaded installs an already-fetched snapshot and opens the stream.
func (s *Session) startLoaded(list *List) {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.snapshot.Replace(list)
	s.mu.Lock()
	s.loading = false
	s.lastSync = s.clock.Now()
	s.mu.Unlock()

	if err := s.subscriber.resubscribe(s.ctx); err != nil {
		s.logger.Warn("listsync: initial subscribe failed", zap.String("list_id", s.listID), zap.Error(err))
		s.supervisor.noteDisconnected()
	}
}

// Close tears the session down; safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.supervisor.stop()
		s.subscriber.stop()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// List returns an independent copy of the current snapshot, or nil before the
// first successful load.
func (s *Session) List() *List { return s.snapshot.Get() }

// Loading reports whether the initial load is still in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the most recent reported failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ConnectionState describes the stream and connectivity status.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionState{
		IsConnected:  s.connected,
		IsOnline:     s.supervisor.isOnline(),
		LastSyncTime: s.lastSync,
		RetryCount:   s.supervisor.retryCountNow(),
	}
}

// SetOnline feeds host connectivity transitions into the session. Going
// offline drops the stream without retrying; coming back online resets the
// retry budget and reconnects immediately.
func (s *Session) SetOnline(online bool) {
	if !online {
		s.supervisor.setOnline(false)
		s.subscriber.disconnect()
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		return
	}
	s.supervisor.setOnline(true)
}

// Refresh reloads the authoritative list, replacing the local snapshot.
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.loadFn(ctx)
	if err != nil {
		return s.reportError(err)
	}
	s.snapshot.Replace(list)
	s.markSynced()
	return nil
}

// AddItem appends an item optimistically under a temporary id, then swaps in
// the authoritative row once the backend confirms. On failure only the
// temporary row is removed, so stream events applied during the request
// survive.
func (s *Session) AddItem(ctx context.Context, text string, price *float64) error {
	before := s.snapshot.Get()
	if before == nil {
		return s.reportError(errors.New("listsync: list not loaded"))
	}

	position := 0
	for _, item := range before.Items {
		if item.Position > position {
			position = item.Position
		}
	}
	now := s.clock.Now()
	tempID := tempIDPrefix + s.idProvider()
	s.snapshot.InsertItem(Item{
		ID:        tempID,
		Text:      text,
		Price:     price,
		Position:  position + 1,
		CreatedAt: now,
		UpdatedAt: now,
	})

	created, err := s.fetcher.CreateItem(ctx, s.listID, text, price)
	if err != nil {
		s.snapshot.RemoveItem(tempID)
		return s.reportError(err)
	}
	s.snapshot.ReconcileItem(tempID, *created)
	s.markSynced()
	return nil
}

// UpdateItem applies a partial update optimistically, then replaces the row
// with the backend's version. On failure the snapshot is rolled back.
func (s *Session) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) error {
	before := s.snapshot.Get()
	if before == nil {
		return s.reportError(errors.New("listsync: list not loaded"))
	}

	s.snapshot.PatchItem(itemID, func(item *Item) {
		if patch.Text != nil {
			item.Text = *patch.Text
		}
		if patch.Purchased != nil {
			item.Purchased = *patch.Purchased
		}
		if patch.PriceSet {
			item.Price = patch.Price
		}
		item.UpdatedAt = s.clock.Now()
	})

	updated, err := s.fetcher.UpdateItem(ctx, itemID, patch)
	if err != nil {
		s.snapshot.Replace(before)
		return s.reportError(err)
	}
	s.snapshot.PatchItem(updated.ID, func(item *Item) { *item = *updated })
	s.markSynced()
	return nil
}

// DeleteItem removes an item optimistically, restoring the snapshot if the
// backend rejects the deletion.
func (s *Session) DeleteItem(ctx context.Context, itemID string) error {
	before := s.snapshot.Get()
	if before == nil {
		return s.reportError(errors.New("listsync: list not loaded"))
	}

	s.snapshot.RemoveItem(itemID)
	if err := s.fetcher.DeleteItem(ctx, itemID); err != nil {
		s.snapshot.Replace(before)
		return s.reportError(err)
	}
	s.markSynced()
	return nil
}

// RenameList renames the list with optimistic rollback.
func (s *Session) RenameList(ctx context.Context, name string) error {
	before := s.snapshot.Get()
	if before == nil {
		return s.reportError(errors.New("listsync: list not loaded"))
	}

	s.snapshot.PatchList(func(list *List) {
		list.Name = name
		list.UpdatedAt = s.clock.Now()
	})

	updated, err := s.fetcher.RenameList(ctx, s.listID, name)
	if err != nil {
		s.snapshot.Replace(before)
		return s.reportError(err)
	}
	s.applyListUpdate(updated)
	s.markSynced()
	return nil
}

// UpdateSettings toggles the sharing flags with optimistic rollback.
func (s *Session) UpdateSettings(ctx context.Context, settings ListSettings) error {
	before := s.snapshot.Get()
	if before == nil {
		return s.reportError(errors.New("listsync: list not loaded"))
	}

	s.snapshot.PatchList(func(list *List) {
		if settings.IsPublic != nil {
			list.IsPublic = *settings.IsPublic
		}
		if settings.AllowAnonymousEdit != nil {
			list.AllowAnonymousEdit = *settings.AllowAnonymousEdit
		}
		list.UpdatedAt = s.clock.Now()
	})

	updated, err := s.fetcher.UpdateListSettings(ctx, s.listID, settings)
	if err != nil {
		s.snapshot.Replace(before)
		return s.reportError(err)
	}
	s.applyListUpdate(updated)
	s.markSynced()
	return nil
}

func (s *Session) applyListUpdate(updated *List) {
	s.snapshot.PatchList(func(list *List) {
		list.Name = updated.Name
		list.IsPublic = updated.IsPublic
		list.ShareToken = updated.ShareToken
		list.AllowAnonymousEdit = updated.AllowAnonymousEdit
		list.UpdatedAt = updated.UpdatedAt
	})
}

func (s *Session) handleStreamStatus(status Status) {
	switch status {
	case StatusSubscribed:
		s.mu.Lock()
		s.connected = true
		s.lastSync = s.clock.Now()
		s.mu.Unlock()
		s.supervisor.noteConnected()
	case StatusClosed, StatusErrored:
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.supervisor.noteDisconnected()
	}
}

// attemptReconnect rebuilds the snapshot from the backend before opening a
// fresh subscription: events emitted while the stream was down are never
// replayed, so the reload is mandatory on every recovery path.
func (s *Session) attemptReconnect() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	list, err := s.loadFn(s.ctx)
	if err != nil {
		s.logger.Warn("listsync: reload before reconnect failed", zap.String("list_id", s.listID), zap.Error(err))
		s.supervisor.noteDisconnected()
		return
	}
	s.snapshot.Replace(list)
	s.markSynced()
	if err := s.subscriber.resubscribe(s.ctx); err != nil {
		s.logger.Warn("listsync: reconnect attempt failed", zap.String("list_id", s.listID), zap.Error(err))
		s.supervisor.noteDisconnected()
	}
}

func (s *Session) reportExhausted() {
	s.logger.Warn("listsync: giving up on reconnection", zap.String("list_id", s.listID), zap.Int("retries", MaxRetryCount))
	_ = s.reportError(ErrRetriesExhausted)
}

func (s *Session) reportError(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("listsync: operation failed", zap.String("list_id", s.listID), zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
	return err
}

func (s *Session) markSynced() {
	s.mu.Lock()
	s.lastSync = s.clock.Now()
	s.mu.Unlock()
}
