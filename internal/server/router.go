package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spisok-app/spisok/internal/auth"
	"github.com/spisok-app/spisok/internal/lists"
	"github.com/spisok-app/spisok/internal/realtime"
	"github.com/spisok-app/spisok/internal/suggest"
)

const userIDContextKey = "spisok_user_id"

var (
	errMissingSessionVerifier = errors.New("session verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingListsService    = errors.New("lists service dependency required")
	errMissingFeed            = errors.New("realtime feed dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionVerifier validates identity-provider session tokens.
type SessionVerifier interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// BackendTokenManager issues and validates backend bearer tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps provider claims onto canonical user ids.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// SuggestionService produces AI shopping suggestions.
type SuggestionService interface {
	Suggest(ctx context.Context, req suggest.Request) (suggest.Response, error)
}

// Dependencies wires the HTTP surface of the service.
type Dependencies struct {
	SessionVerifier SessionVerifier
	TokenManager    BackendTokenManager
	Identities      IdentityResolver
	ListsService    *lists.Service
	Feed            *realtime.Feed
	Suggestions     SuggestionService
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router for the API server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionVerifier == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.ListsService == nil {
		return nil, errMissingListsService
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.SessionVerifier,
		tokens:      deps.TokenManager,
		identities:  deps.Identities,
		lists:       deps.ListsService,
		feed:        deps.Feed,
		suggestions: deps.Suggestions,
		logger:      logger,
	}

	router.POST("/auth/session", handler.handleSessionExchange)

	api := router.Group("/api")
	api.Use(handler.resolveIdentity)

	api.GET("/lists", handler.requireIdentity, handler.handleListLists)
	api.POST("/lists", handler.requireIdentity, handler.handleCreateList)
	api.GET("/lists/:id", handler.requireIdentity, handler.handleLoadList)
	api.PUT("/lists/:id", handler.requireIdentity, handler.handleUpdateList)
	api.DELETE("/lists/:id", handler.requireIdentity, handler.handleDeleteList)

	// Item mutations stay open to anonymous callers; the service decides
	// based on the list's sharing settings.
	api.POST("/lists/:id/items", handler.handleCreateItem)
	api.PUT("/items/:id", handler.handleUpdateItem)
	api.DELETE("/items/:id", handler.handleDeleteItem)

	api.GET("/share/:token", handler.handleResolveShare)
	api.POST("/ai/suggest", handler.handleSuggest)
	api.GET("/realtime/lists/:id", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	sessions    SessionVerifier
	tokens      BackendTokenManager
	identities  IdentityResolver
	lists       *lists.Service
	feed        *realtime.Feed
	suggestions SuggestionService
	logger      *zap.Logger
}

type sessionRequestPayload struct {
	SessionToken string `json:"session_token"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionExchange(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.sessions.ValidateToken(request.SessionToken)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.identities != nil {
		canonical, err := h.identities.ResolveCanonicalUserID(claims)
		if err != nil {
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
			return
		}
		claims.UserID = canonical
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// resolveIdentity extracts an optional bearer identity. A present but invalid
// token is rejected; absence leaves the caller anonymous.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.Next()
		return
	}
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	if c.GetString(userIDContextKey) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) caller(c *gin.Context) lists.Caller {
	return lists.Caller{UserID: c.GetString(userIDContextKey)}
}

type createListPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleListLists(c *gin.Context) {
	result, err := h.lists.ListLists(c.Request.Context(), h.caller(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	rows := make([]lists.ListRow, 0, len(result))
	for _, list := range result {
		rows = append(rows, lists.NewListRow(list))
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleCreateList(c *gin.Context) {
	var payload createListPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	name, err := lists.NewListName(payload.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.lists.CreateList(c.Request.Context(), h.caller(c), name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lists.NewListRow(*list))
}

func (h *httpHandler) handleLoadList(c *gin.Context) {
	listID, err := lists.NewListID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.lists.LoadList(c.Request.Context(), h.caller(c), listID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lists.NewListRow(*list))
}

type updateListPayload struct {
	Name               *string `json:"name"`
	IsPublic           *bool   `json:"isPublic"`
	AllowAnonymousEdit *bool   `json:"allowAnonymousEdit"`
}

func (h *httpHandler) handleUpdateList(c *gin.Context) {
	listID, err := lists.NewListID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var payload updateListPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	if payload.Name == nil && payload.IsPublic == nil && payload.AllowAnonymousEdit == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one field must be provided"})
		return
	}

	caller := h.caller(c)
	var updated *lists.ShoppingList
	if payload.Name != nil {
		name, err := lists.NewListName(*payload.Name)
		if err != nil {
			h.respondError(c, err)
			return
		}
		updated, err = h.lists.RenameList(c.Request.Context(), caller, listID, name)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	if payload.IsPublic != nil || payload.AllowAnonymousEdit != nil {
		updated, err = h.lists.UpdateListSettings(c.Request.Context(), caller, listID, lists.SettingsUpdate{
			IsPublic:           payload.IsPublic,
			AllowAnonymousEdit: payload.AllowAnonymousEdit,
		})
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, lists.NewListRow(*updated))
}

func (h *httpHandler) handleDeleteList(c *gin.Context) {
	listID, err := lists.NewListID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.lists.DeleteList(c.Request.Context(), h.caller(c), listID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createItemPayload struct {
	Text  string   `json:"text"`
	Price *float64 `json:"price"`
}

func (h *httpHandler) handleCreateItem(c *gin.Context) {
	listID, err := lists.NewListID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var payload createItemPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	text, err := lists.NewItemText(payload.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	item, err := h.lists.CreateItem(c.Request.Context(), h.caller(c), listID, text, payload.Price)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lists.NewItemRow(*item))
}

type updateItemPayload struct {
	Text      *string         `json:"text"`
	Purchased *bool           `json:"purchased"`
	Price     json.RawMessage `json:"price"`
}

func (h *httpHandler) handleUpdateItem(c *gin.Context) {
	itemID, err := lists.NewItemID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var payload updateItemPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	patch := lists.ItemPatch{Purchased: payload.Purchased}
	if payload.Text != nil {
		text, err := lists.NewItemText(*payload.Text)
		if err != nil {
			h.respondError(c, err)
			return
		}
		patch.Text = &text
	}
	// A present "price" key distinguishes clearing the price (null) from
	// leaving it untouched (absent).
	if len(payload.Price) > 0 {
		patch.PriceSet = true
		if string(payload.Price) != "null" {
			var price float64
			if err := json.Unmarshal(payload.Price, &price); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "price must be a number or null"})
				return
			}
			patch.Price = &price
		}
	}

	item, err := h.lists.UpdateItem(c.Request.Context(), h.caller(c), itemID, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lists.NewItemRow(*item))
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	itemID, err := lists.NewItemID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.lists.DeleteItem(c.Request.Context(), h.caller(c), itemID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveShare(c *gin.Context) {
	token, err := lists.NewShareToken(c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.lists.ResolveShareToken(c.Request.Context(), token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	row := lists.NewListRow(*list)
	row.CreatedBy = ""
	c.JSON(http.StatusOK, row)
}

type suggestPayload struct {
	Type          string   `json:"type"`
	Query         string   `json:"query"`
	ExistingItems []string `json:"existingItems"`
}

type suggestResponsePayload struct {
	Suggestions []suggest.Suggestion `json:"suggestions"`
	IsDemo      bool                 `json:"isDemo"`
	Message     string               `json:"message,omitempty"`
}

func (h *httpHandler) handleSuggest(c *gin.Context) {
	if h.suggestions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "suggestions unavailable"})
		return
	}
	var payload suggestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	response, err := h.suggestions.Suggest(c.Request.Context(), suggest.Request{
		Mode:          suggest.Mode(payload.Type),
		Query:         payload.Query,
		ExistingItems: payload.ExistingItems,
	})
	if err != nil {
		if errors.Is(err, suggest.ErrEmptyQuery) || errors.Is(err, suggest.ErrUnsupportedMode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("suggestion request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggestion_failed"})
		return
	}
	c.JSON(http.StatusOK, suggestResponsePayload{
		Suggestions: response.Suggestions,
		IsDemo:      response.IsDemo,
		Message:     response.Message,
	})
}

// respondError maps domain errors onto HTTP statuses: 400 validation,
// 401 missing identity, 403 wrong identity, 404 invisible rows.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lists.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, lists.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, lists.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, lists.ErrInvalidListID),
		errors.Is(err, lists.ErrInvalidItemID),
		errors.Is(err, lists.ErrInvalidListName),
		errors.Is(err, lists.ErrInvalidItemText),
		errors.Is(err, lists.ErrInvalidPrice),
		errors.Is(err, lists.ErrInvalidShareToken),
		errors.Is(err, lists.ErrEmptyUpdate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
