package listsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spisok-app/spisok/internal/realtime"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadLimit        = 512 << 10
)

// WebsocketTransport implements StreamTransport over the realtime websocket
// endpoint.
type WebsocketTransport struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWebsocketTransport builds a transport for the given API root. The root
// may use http(s) or ws(s) schemes; http schemes are rewritten.
func NewWebsocketTransport(baseURL string) (*WebsocketTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("listsync: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("listsync: invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("listsync: unsupported scheme %q", parsed.Scheme)
	}
	return &WebsocketTransport{
		baseURL: parsed.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
	}, nil
}

type streamFrame struct {
	Type string `json:"type"`
	realtime.ChangeEvent
}

type websocketSubscription struct {
	conn      *websocket.Conn
	events    chan realtime.ChangeEvent
	status    chan Status
	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe dials the change stream for listID and pumps frames until the
// connection drops or Close is called.
func (t *WebsocketTransport) Subscribe(ctx context.Context, listID string, credentials StreamCredentials) (Subscription, error) {
	endpoint, err := url.Parse(t.baseURL + "/api/realtime/lists/" + url.PathEscape(listID))
	if err != nil {
		return nil, fmt.Errorf("listsync: invalid stream url: %w", err)
	}
	query := endpoint.Query()
	if credentials.ShareToken != "" {
		query.Set("token", credentials.ShareToken)
	} else if credentials.AccessToken != "" {
		query.Set("access_token", credentials.AccessToken)
	}
	endpoint.RawQuery = query.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("listsync: stream handshake rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("listsync: stream dial failed: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("listsync: stream handshake rejected: %s", resp.Status)
	}
	conn.SetReadLimit(wsReadLimit)

	subscription := &websocketSubscription{
		conn:   conn,
		events: make(chan realtime.ChangeEvent, 32),
		status: make(chan Status, 4),
		done:   make(chan struct{}),
	}
	go subscription.pump()
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription, nil
}

func (s *websocketSubscription) Events() <-chan realtime.ChangeEvent { return s.events }

func (s *websocketSubscription) Status() <-chan Status { return s.status }

// Close terminates the stream; safe to call more than once.
func (s *websocketSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *websocketSubscription) pump() {
	defer func() {
		s.Close()
		close(s.events)
		close(s.status)
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.emitStatus(StatusClosed)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.emitStatus(StatusClosed)
				} else {
					s.emitStatus(StatusErrored)
				}
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "subscribed":
			s.emitStatus(StatusSubscribed)
		case "change":
			select {
			case s.events <- frame.ChangeEvent:
			case <-s.done:
				s.emitStatus(StatusClosed)
				return
			}
		}
	}
}

func (s *websocketSubscription) emitStatus(status Status) {
	select {
	case s.status <- status:
	default:
	}
}
