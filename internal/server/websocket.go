package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spisok-app/spisok/internal/lists"
	"github.com/spisok-app/spisok/internal/realtime"
)

const (
	// MessageTypeSubscribed confirms an established stream before any events.
	MessageTypeSubscribed = "subscribed"
	// MessageTypeChange carries one row change.
	MessageTypeChange = "change"

	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// StreamMessage is the websocket frame format of the change stream.
type StreamMessage struct {
	Type string `json:"type"`
	realtime.ChangeEvent
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleRealtime upgrades the connection and streams the list's change feed.
// Access requires either the owner's bearer token (access_token query param or
// Authorization header) or a valid share token for a public list.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	listID, err := lists.NewListID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !h.authorizeStream(c, listID) {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	events, cleanup := h.feed.Subscribe(ctx, listID.String())
	defer cleanup()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(StreamMessage{Type: MessageTypeSubscribed}); err != nil {
		return
	}

	// Drain the read side so peer close is noticed promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(StreamMessage{Type: MessageTypeChange, ChangeEvent: event}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// authorizeStream decides stream access before the upgrade, writing the error
// response itself when access is denied.
func (h *httpHandler) authorizeStream(c *gin.Context, listID lists.ListID) bool {
	if rawToken := c.Query("token"); rawToken != "" {
		token, err := lists.NewShareToken(rawToken)
		if err != nil {
			h.respondError(c, err)
			return false
		}
		list, err := h.lists.ResolveShareToken(c.Request.Context(), token)
		if err != nil {
			h.respondError(c, err)
			return false
		}
		if list.ID != listID.String() {
			h.respondError(c, lists.ErrNotFound)
			return false
		}
		return true
	}

	// Browsers cannot set headers on websocket dials, so the bearer may
	// arrive as a query parameter instead.
	bearer := c.GetString(userIDContextKey)
	if bearer == "" {
		if accessToken := c.Query("access_token"); accessToken != "" {
			subject, err := h.tokens.ValidateToken(accessToken)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return false
			}
			c.Set(userIDContextKey, subject)
			bearer = subject
		}
	}
	if bearer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return false
	}

	if _, err := h.lists.LoadList(c.Request.Context(), lists.Caller{UserID: bearer}, listID); err != nil {
		h.respondError(c, err)
		return false
	}
	return true
}
