package listsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spisok-app/spisok/internal/realtime"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &manualTimer{ch: make(chan time.Time, 1), duration: d}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *manualClock) lastTimer() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *manualClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type manualTimer struct {
	ch       chan time.Time
	duration time.Duration
	stopped  bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

func (t *manualTimer) fire() {
	t.ch <- time.Time{}
}

type fakeSubscription struct {
	events    chan realtime.ChangeEvent
	status    chan Status
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan realtime.ChangeEvent, 16),
		status: make(chan Status, 4),
		closed: make(chan struct{}),
	}
}

func (s *fakeSubscription) Events() <-chan realtime.ChangeEvent { return s.events }

func (s *fakeSubscription) Status() <-chan Status { return s.status }

func (s *fakeSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.events)
		close(s.status)
	})
}

func (s *fakeSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu            sync.Mutex
	subscriptions []*fakeSubscription
	credentials   []StreamCredentials
	listIDs       []string
	failures      int
}

func (t *fakeTransport) Subscribe(ctx context.Context, listID string, credentials StreamCredentials) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial refused")
	}
	subscription := newFakeSubscription()
	subscription.status <- StatusSubscribed
	t.subscriptions = append(t.subscriptions, subscription)
	t.credentials = append(t.credentials, credentials)
	t.listIDs = append(t.listIDs, listID)
	return subscription, nil
}

func (t *fakeTransport) subscribeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscriptions)
}

func (t *fakeTransport) subscription(index int) *fakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptions[index]
}

type fakeFetcher struct {
	loadList           func(ctx context.Context, listID string) (*List, error)
	createItem         func(ctx context.Context, listID, text string, price *float64) (*Item, error)
	updateItem         func(ctx context.Context, itemID string, patch ItemPatch) (*Item, error)
	deleteItem         func(ctx context.Context, itemID string) error
	renameList         func(ctx context.Context, listID, name string) (*List, error)
	updateListSettings func(ctx context.Context, listID string, settings ListSettings) (*List, error)
	resolveShareToken  func(ctx context.Context, token string) (*List, error)
}

func (f *fakeFetcher) LoadList(ctx context.Context, listID string) (*List, error) {
	return f.loadList(ctx, listID)
}

func (f *fakeFetcher) CreateItem(ctx context.Context, listID, text string, price *float64) (*Item, error) {
	return f.createItem(ctx, listID, text, price)
}

func (f *fakeFetcher) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*Item, error) {
	return f.updateItem(ctx, itemID, patch)
}

func (f *fakeFetcher) DeleteItem(ctx context.Context, itemID string) error {
	return f.deleteItem(ctx, itemID)
}

func (f *fakeFetcher) RenameList(ctx context.Context, listID, name string) (*List, error) {
	return f.renameList(ctx, listID, name)
}

func (f *fakeFetcher) UpdateListSettings(ctx context.Context, listID string, settings ListSettings) (*List, error) {
	return f.updateListSettings(ctx, listID, settings)
}

func (f *fakeFetcher) ResolveShareToken(ctx context.Context, token string) (*List, error) {
	return f.resolveShareToken(ctx, token)
}

func mustItemJSON(t *testing.T, item Item) []byte {
	t.Helper()
	encoded, err := json.Marshal(itemChange{
		ID:        item.ID,
		Text:      item.Text,
		Purchased: item.Purchased,
		Price:     item.Price,
		Position:  item.Position,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	})
	require.NoError(t, err)
	return encoded
}

func serverList() *List {
	return &List{
		ID:   "11111111-1111-1111-1111-111111111111",
		Name: "Groceries",
		Items: []Item{
			{ID: "aaaaaaaa-0000-0000-0000-000000000001", Text: "Milk", Position: 1},
		},
	}
}

func staticLoader(list *List) func(ctx context.Context, listID string) (*List, error) {
	return func(ctx context.Context, listID string) (*List, error) {
		return list.Clone(), nil
	}
}

// countingLoader serves a swappable list and counts how often it is fetched.
type countingLoader struct {
	mu    sync.Mutex
	loads int
	list  *List
}

func (l *countingLoader) load(ctx context.Context, listID string) (*List, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	return l.list.Clone(), nil
}

func (l *countingLoader) set(list *List) {
	l.mu.Lock()
	l.list = list
	l.mu.Unlock()
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func startedSession(t *testing.T, fetcher *fakeFetcher, transport *fakeTransport, clock *manualClock) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		ListID:    serverList().ID,
		Fetcher:   fetcher,
		Transport: transport,
		Clock:     clock,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Close)
	return session
}

func waitForConnection(t *testing.T, session *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.ConnectionState().IsConnected
	}, time.Second, 5*time.Millisecond, "stream never reached subscribed state")
}

func TestSessionStartLoadsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{loadList: staticLoader(serverList())}
	transport := &fakeTransport{}
	session := startedSession(t, fetcher, transport, newManualClock())

	assert.False(t, session.Loading())
	list := session.List()
	require.NotNil(t, list)
	assert.Equal(t, "Groceries", list.Name)
	require.Len(t, list.Items, 1)
	waitForConnection(t, session)
	assert.Equal(t, 1, transport.subscribeCount())
}

func TestSessionStartSurfacesLoadFailure(t *testing.T) {
	fetcher := &fakeFetcher{loadList: func(ctx context.Context, listID string) (*List, error) {
		return nil, &RemoteError{StatusCode: 404, Message: "List not found"}
	}}
	session, err := NewSession(SessionConfig{
		ListID:    serverList().ID,
		Fetcher:   fetcher,
		Transport: &fakeTransport{},
		Clock:     newManualClock(),
	})
	require.NoError(t, err)
	err = session.Start(context.Background())
	require.Error(t, err)
	assert.False(t, session.Loading())
	assert.Error(t, session.Err())
	assert.Nil(t, session.List())
}

func TestAddItemReconcilesTemporaryRow(t *testing.T) {
	authoritative := Item{ID: "aaaaaaaa-0000-0000-0000-000000000002", Text: "Bread", Position: 2}
	fetcher := &fakeFetcher{
		loadList: staticLoader(serverList()),
		createItem: func(ctx context.Context, listID, text string, price *float64) (*Item, error) {
			item := authoritative
			return &item, nil
		},
	}
	session := startedSession(t, fetcher, &fakeTransport{}, newManualClock())

	require.NoError(t, session.AddItem(context.Background(), "Bread", nil))

	list := session.List()
	require.Len(t, list.Items, 2)
	assert.Equal(t, authoritative.ID, list.Items[1].ID)
	assert.Equal(t, "Bread", list.Items[1].Text)
}

func TestAddItemConvergesWhenStreamEventWinsTheRace(t *testing.T) {
	transport := &fakeTransport{}
	authoritative := Item{ID: "aaaaaaaa-0000-0000-0000-000000000002", Text: "Bread", Position: 2}
	var session *Session
	fetcher := &fakeFetcher{loadList: staticLoader(serverList())}
	fetcher.createItem = func(ctx context.Context, listID, text string, price *float64) (*Item, error) {
		// The change stream delivers the committed row before the HTTP
		// response makes it back.
		transport.subscription(0).events <- realtime.ChangeEvent{
			Table:     realtime.TableItems,
			Operation: realtime.OperationInsert,
			New:       mustItemJSON(t, authoritative),
		}
		require.Eventually(t, func() bool {
			for _, item := range session.List().Items {
				if item.ID == authoritative.ID {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond, "stream event never applied")
		item := authoritative
		return &item, nil
	}
	session = startedSession(t, fetcher, transport, newManualClock())
	waitForConnection(t, session)

	require.NoError(t, session.AddItem(context.Background(), "Bread", nil))

	list := session.List()
	require.Len(t, list.Items, 2, "temporary and authoritative rows must converge to one copy")
	assert.Equal(t, authoritative.ID, list.Items[1].ID)
}

func TestAddItemRollsBackOnRemoteFailure(t *testing.T) {
	var reported []error
	remoteErr := &RemoteError{StatusCode: 403, Message: "Editing not allowed"}
	fetcher := &fakeFetcher{
		loadList: staticLoader(serverList()),
		createItem: func(ctx context.Context, listID, text string, price *float64) (*Item, error) {
			return nil, remoteErr
		},
	}
	session, err := NewSession(SessionConfig{
		ListID:    serverList().ID,
		Fetcher:   fetcher,
		Transport: &fakeTransport{},
		Clock:     newManualClock(),
		OnError:   func(err error) { reported = append(reported, err) },
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Close)

	err = session.AddItem(context.Background(), "Bread", nil)
	require.ErrorIs(t, err, remoteErr)

	list := session.List()
	require.Len(t, list.Items, 1, "optimistic insert must be rolled back")
	assert.Equal(t, "Milk", list.Items[0].Text)
	require.Len(t, reported, 1, "failure must be reported exactly once")
}

func TestAddItemFailureKeepsConcurrentStreamInsert(t *testing.T) {
	transport := &fakeTransport{}
	remoteErr := &RemoteError{StatusCode: 500, Message: "Failed to add item"}
	concurrent := Item{ID: "aaaaaaaa-0000-0000-0000-000000000003", Text: "Eggs", Position: 2}
	var session *Session
	fetcher := &fakeFetcher{loadList: staticLoader(serverList())}
	fetcher.createItem = func(ctx context.Context, listID, text string, price *float64) (*Item, error) {
		// Another client's insert lands while our request is in flight.
		transport.subscription(0).events <- realtime.ChangeEvent{
			Table:     realtime.TableItems,
			Operation: realtime.OperationInsert,
			New:       mustItemJSON(t, concurrent),
		}
		require.Eventually(t, func() bool {
			for _, item := range session.List().Items {
				if item.ID == concurrent.ID {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond, "stream event never applied")
		return nil, remoteErr
	}
	session = startedSession(t, fetcher, transport, newManualClock())
	waitForConnection(t, session)

	err := session.AddItem(context.Background(), "Bread", nil)
	require.ErrorIs(t, err, remoteErr)

	list := session.List()
	require.Len(t, list.Items, 2, "the failed add must only remove its own temporary row")
	ids := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		assert.False(t, strings.HasPrefix(item.ID, tempIDPrefix), "temporary row must be gone")
		ids = append(ids, item.ID)
	}
	assert.Contains(t, ids, concurrent.ID)
}

func TestUpdateItemRollsBackOnRemoteFailure(t *testing.T) {
	remoteErr := &RemoteError{StatusCode: 500, Message: "Failed to update item"}
	fetcher := &fakeFetcher{
		loadList: staticLoader(serverList()),
		updateItem: func(ctx context.Context, itemID string, patch ItemPatch) (*Item, error) {
			return nil, remoteErr
		},
	}
	session := startedSession(t, fetcher, &fakeTransport{}, newManualClock())

	purchased := true
	err := session.UpdateItem(context.Background(), serverList().Items[0].ID, ItemPatch{Purchased: &purchased})
	require.ErrorIs(t, err, remoteErr)

	list := session.List()
	assert.False(t, list.Items[0].Purchased, "optimistic toggle must be rolled back")
}

func TestDeleteItemRestoresSnapshotOnRemoteFailure(t *testing.T) {
	remoteErr := &RemoteError{StatusCode: 500, Message: "Failed to delete item"}
	fetcher := &fakeFetcher{
		loadList: staticLoader(serverList()),
		deleteItem: func(ctx context.Context, itemID string) error {
			return remoteErr
		},
	}
	session := startedSession(t, fetcher, &fakeTransport{}, newManualClock())

	err := session.DeleteItem(context.Background(), serverList().Items[0].ID)
	require.ErrorIs(t, err, remoteErr)
	require.Len(t, session.List().Items, 1, "deleted item must be restored")
}

func TestRenameListRollsBackOnRemoteFailure(t *testing.T) {
	remoteErr := &RemoteError{StatusCode: 400, Message: "List name is required"}
	fetcher := &fakeFetcher{
		loadList: staticLoader(serverList()),
		renameList: func(ctx context.Context, listID, name string) (*List, error) {
			return nil, remoteErr
		},
	}
	session := startedSession(t, fetcher, &fakeTransport{}, newManualClock())

	err := session.RenameList(context.Background(), "Weekend")
	require.ErrorIs(t, err, remoteErr)
	assert.Equal(t, "Groceries", session.List().Name)
}

func TestStreamErrorTriggersSupervisedReconnect(t *testing.T) {
	clock := newManualClock()
	transport := &fakeTransport{}
	session := startedSession(t, &fakeFetcher{loadList: staticLoader(serverList())}, transport, clock)
	waitForConnection(t, session)

	transport.subscription(0).status <- StatusErrored
	require.Eventually(t, func() bool {
		return clock.lastTimer() != nil
	}, time.Second, 5*time.Millisecond, "no retry timer armed")
	assert.Equal(t, time.Second, clock.lastTimer().duration)

	clock.lastTimer().fire()
	require.Eventually(t, func() bool {
		return transport.subscribeCount() == 2
	}, time.Second, 5*time.Millisecond, "no reconnect attempt after backoff")
	waitForConnection(t, session)
	assert.Equal(t, 0, session.ConnectionState().RetryCount, "successful resubscribe must reset the budget")
}

func TestReconnectReloadsSnapshotAfterStreamError(t *testing.T) {
	clock := newManualClock()
	transport := &fakeTransport{}
	loader := &countingLoader{list: serverList()}
	session := startedSession(t, &fakeFetcher{loadList: loader.load}, transport, clock)
	waitForConnection(t, session)

	// Another client commits a change while the stream is down; no event for
	// it will ever be replayed.
	grown := serverList()
	grown.Items = append(grown.Items, Item{ID: "aaaaaaaa-0000-0000-0000-000000000002", Text: "Bread", Position: 2})
	loader.set(grown)

	transport.subscription(0).status <- StatusErrored
	require.Eventually(t, func() bool { return clock.lastTimer() != nil }, time.Second, 5*time.Millisecond)
	clock.lastTimer().fire()
	require.Eventually(t, func() bool {
		return transport.subscribeCount() == 2
	}, time.Second, 5*time.Millisecond, "no reconnect attempt after backoff")
	waitForConnection(t, session)

	assert.Equal(t, 2, loader.count(), "recovery must re-run a full load")
	require.Len(t, session.List().Items, 2, "the missed insert must arrive via the reload")
}

func TestOnlineTransitionReloadsSnapshot(t *testing.T) {
	clock := newManualClock()
	transport := &fakeTransport{}
	loader := &countingLoader{list: serverList()}
	session := startedSession(t, &fakeFetcher{loadList: loader.load}, transport, clock)
	waitForConnection(t, session)

	session.SetOnline(false)

	renamed := serverList()
	renamed.Name = "Weekend"
	loader.set(renamed)

	session.SetOnline(true)
	waitForConnection(t, session)

	assert.Equal(t, 2, loader.count(), "going online must re-run a full load")
	assert.Equal(t, "Weekend", session.List().Name)
}

func TestReconnectKeepsSingleLiveSubscription(t *testing.T) {
	clock := newManualClock()
	transport := &fakeTransport{}
	session := startedSession(t, &fakeFetcher{loadList: staticLoader(serverList())}, transport, clock)
	waitForConnection(t, session)

	transport.subscription(0).status <- StatusClosed
	require.Eventually(t, func() bool { return clock.lastTimer() != nil }, time.Second, 5*time.Millisecond)
	clock.lastTimer().fire()
	require.Eventually(t, func() bool {
		return transport.subscribeCount() == 2
	}, time.Second, 5*time.Millisecond)

	assert.True(t, transport.subscription(0).isClosed(), "superseded subscription must be closed")
	assert.False(t, transport.subscription(1).isClosed())
}

func TestOfflineDropsStreamAndOnlineRestoresIt(t *testing.T) {
	clock := newManualClock()
	transport := &fakeTransport{}
	session := startedSession(t, &fakeFetcher{loadList: staticLoader(serverList())}, transport, clock)
	waitForConnection(t, session)

	session.SetOnline(false)
	state := session.ConnectionState()
	assert.False(t, state.IsOnline)
	assert.False(t, state.IsConnected)
	assert.True(t, transport.subscription(0).isClosed())

	session.SetOnline(true)
	require.Eventually(t, func() bool {
		return transport.subscribeCount() == 2
	}, time.Second, 5*time.Millisecond, "no resubscribe after regaining connectivity")
	waitForConnection(t, session)
	assert.Equal(t, 0, session.ConnectionState().RetryCount)
}

func TestExhaustedRetriesReportedOnce(t *testing.T) {
	clock := newManualClock()
	var reportedMu sync.Mutex
	var reported []error
	transport := &fakeTransport{}
	session, err := NewSession(SessionConfig{
		ListID:    serverList().ID,
		Fetcher:   &fakeFetcher{loadList: staticLoader(serverList())},
		Transport: transport,
		Clock:     clock,
		OnError: func(err error) {
			reportedMu.Lock()
			reported = append(reported, err)
			reportedMu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Close)
	waitForConnection(t, session)

	// Every dial from here on is refused, so each backoff expiry fails and
	// schedules the next retry until the budget runs out.
	transport.mu.Lock()
	transport.failures = MaxRetryCount
	transport.mu.Unlock()

	transport.subscription(0).status <- StatusErrored

	expectedDelays := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for attempt, expected := range expectedDelays {
		require.Eventually(t, func() bool {
			return clock.timerCount() > attempt
		}, time.Second, 5*time.Millisecond, "retry not scheduled")
		assert.Equal(t, expected, clock.lastTimer().duration)
		clock.lastTimer().fire()
	}

	require.Eventually(t, func() bool {
		reportedMu.Lock()
		defer reportedMu.Unlock()
		for _, err := range reported {
			if errors.Is(err, ErrRetriesExhausted) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "exhaustion never reported")

	reportedMu.Lock()
	count := 0
	for _, err := range reported {
		if errors.Is(err, ErrRetriesExhausted) {
			count++
		}
	}
	reportedMu.Unlock()
	assert.Equal(t, 1, count, "exhaustion must be reported exactly once")
}
