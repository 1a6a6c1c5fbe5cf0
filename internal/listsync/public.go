package listsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrEditingDisabled is returned by PublicSession mutations when the list
// owner has not allowed anonymous edits. No request is sent in that case.
var ErrEditingDisabled = errors.New("listsync: anonymous editing is disabled for this list")

// PublicSessionConfig wires an anonymous share-link session.
type PublicSessionConfig struct {
	ShareToken string
	Fetcher    Fetcher
	Transport  StreamTransport
	Clock      Clock
	IDProvider func() string
	OnError    func(error)
	Logger     *zap.Logger
}

// PublicSession is the anonymous variant of Session: the list is resolved
// through a share token instead of an id, the change stream authenticates
// with the same token, and mutations are gated on the owner's
// allow-anonymous-edit flag.
type PublicSession struct {
	*Session
	shareToken string
}

// NewPublicSession validates the configuration. The underlying session is
// built during Start, once the share token has resolved to a list.
func NewPublicSession(cfg PublicSessionConfig) (*PublicSession, error) {
	if cfg.ShareToken == "" {
		return nil, fmt.Errorf("listsync: share token is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("listsync: fetcher is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("listsync: stream transport is required")
	}
	session, err := NewSession(SessionConfig{
		ListID:      "pending", // replaced on Start once the token resolves
		Fetcher:     cfg.Fetcher,
		Transport:   cfg.Transport,
		Credentials: StreamCredentials{ShareToken: cfg.ShareToken},
		Clock:       cfg.Clock,
		IDProvider:  cfg.IDProvider,
		OnError:     cfg.OnError,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	public := &PublicSession{Session: session, shareToken: cfg.ShareToken}
	session.loadFn = func(ctx context.Context) (*List, error) {
		return cfg.Fetcher.ResolveShareToken(ctx, cfg.ShareToken)
	}
	return public, nil
}

// Start resolves the share token and opens the change stream for the list it
// points at.
func (p *PublicSession) Start(ctx context.Context) error {
	p.Session.ctx, p.Session.cancel = context.WithCancel(ctx)

	list, err := p.Session.loadFn(p.Session.ctx)
	if err != nil {
		p.Session.mu.Lock()
		p.Session.loading = false
		p.Session.lastErr = err
		p.Session.mu.Unlock()
		return err
	}
	p.Session.listID = list.ID
	p.Session.subscriber.listID = list.ID
	p.Session.startLoaded(list)
	return nil
}

// CanEdit reports whether the owner allows anonymous edits on this list.
func (p *PublicSession) CanEdit() bool {
	list := p.List()
	return list != nil && list.AllowAnonymousEdit
}

// AddItem appends an item when anonymous editing is allowed.
func (p *PublicSession) AddItem(ctx context.Context, text string, price *float64) error {
	if !p.CanEdit() {
		return p.reportError(ErrEditingDisabled)
	}
	return p.Session.AddItem(ctx, text, price)
}

// UpdateItem edits an item when anonymous editing is allowed.
func (p *PublicSession) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) error {
	if !p.CanEdit() {
		return p.reportError(ErrEditingDisabled)
	}
	return p.Session.UpdateItem(ctx, itemID, patch)
}

// DeleteItem removes an item when anonymous editing is allowed.
func (p *PublicSession) DeleteItem(ctx context.Context, itemID string) error {
	if !p.CanEdit() {
		return p.reportError(ErrEditingDisabled)
	}
	return p.Session.DeleteItem(ctx, itemID)
}

// RenameList is never available to anonymous viewers.
func (p *PublicSession) RenameList(ctx context.Context, name string) error {
	return p.reportError(ErrEditingDisabled)
}

// UpdateSettings is never available to anonymous viewers.
func (p *PublicSession) UpdateSettings(ctx context.Context, settings ListSettings) error {
	return p.reportError(ErrEditingDisabled)
}
