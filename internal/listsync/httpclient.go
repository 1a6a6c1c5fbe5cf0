package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

// HTTPClientConfig configures the HTTP implementation of Fetcher.
type HTTPClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.spisok.app".
	BaseURL string
	// AccessToken is attached as a bearer token when non-empty. Anonymous
	// share-view clients leave it empty.
	AccessToken string
	HTTPClient  *http.Client
}

// HTTPClient is the Fetcher implementation backed by the REST API.
type HTTPClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewHTTPClient validates the configuration and constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("listsync: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("listsync: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPClient{
		baseURL:     base,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
	}, nil
}

type listPayload struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	IsPublic           bool          `json:"is_public"`
	ShareToken         string        `json:"share_token"`
	AllowAnonymousEdit bool          `json:"allow_anonymous_edit"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Items              []itemPayload `json:"shopping_items"`
}

type itemPayload struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	Text      string    `json:"text"`
	Purchased bool      `json:"purchased"`
	Price     *float64  `json:"price"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p listPayload) toList() *List {
	list := &List{
		ID:                 p.ID,
		Name:               p.Name,
		IsPublic:           p.IsPublic,
		ShareToken:         p.ShareToken,
		AllowAnonymousEdit: p.AllowAnonymousEdit,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		Items:              make([]Item, 0, len(p.Items)),
	}
	for _, item := range p.Items {
		list.Items = append(list.Items, item.toItem())
	}
	return list
}

func (p itemPayload) toItem() Item {
	return Item{
		ID:        p.ID,
		Text:      p.Text,
		Purchased: p.Purchased,
		Price:     p.Price,
		Position:  p.Position,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// LoadList fetches the full list with its items.
func (c *HTTPClient) LoadList(ctx context.Context, listID string) (*List, error) {
	var payload listPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/lists/"+url.PathEscape(listID), nil, &payload, "failed to load list"); err != nil {
		return nil, err
	}
	return payload.toList(), nil
}

// CreateItem appends an item to the list.
func (c *HTTPClient) CreateItem(ctx context.Context, listID, text string, price *float64) (*Item, error) {
	body := map[string]any{"text": text}
	if price != nil {
		body["price"] = *price
	}
	var payload itemPayload
	path := "/api/lists/" + url.PathEscape(listID) + "/items"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &payload, "failed to add item"); err != nil {
		return nil, err
	}
	item := payload.toItem()
	return &item, nil
}

// UpdateItem applies a partial update to an item.
func (c *HTTPClient) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*Item, error) {
	body := map[string]any{}
	if patch.Text != nil {
		body["text"] = *patch.Text
	}
	if patch.Purchased != nil {
		body["purchased"] = *patch.Purchased
	}
	if patch.PriceSet {
		if patch.Price != nil {
			body["price"] = *patch.Price
		} else {
			body["price"] = nil
		}
	}
	var payload itemPayload
	if err := c.doJSON(ctx, http.MethodPut, "/api/items/"+url.PathEscape(itemID), body, &payload, "failed to update item"); err != nil {
		return nil, err
	}
	item := payload.toItem()
	return &item, nil
}

// DeleteItem removes an item. A success response with an empty body is
// expected; a payload is only parsed when the response declares both a
// non-zero content length and a JSON content type.
func (c *HTTPClient) DeleteItem(ctx context.Context, itemID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil)
	if err != nil {
		return &RemoteError{Message: "failed to delete item: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp, "failed to delete item")
	}

	if resp.ContentLength > 0 && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var discard json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&discard); err != nil && err != io.EOF {
			return &RemoteError{StatusCode: resp.StatusCode, Message: "failed to delete item: malformed response"}
		}
	}
	return nil
}

// RenameList updates the list's name.
func (c *HTTPClient) RenameList(ctx context.Context, listID, name string) (*List, error) {
	var payload listPayload
	body := map[string]any{"name": name}
	if err := c.doJSON(ctx, http.MethodPut, "/api/lists/"+url.PathEscape(listID), body, &payload, "failed to rename list"); err != nil {
		return nil, err
	}
	return payload.toList(), nil
}

// UpdateListSettings toggles the list's sharing flags.
func (c *HTTPClient) UpdateListSettings(ctx context.Context, listID string, settings ListSettings) (*List, error) {
	body := map[string]any{}
	if settings.IsPublic != nil {
		body["isPublic"] = *settings.IsPublic
	}
	if settings.AllowAnonymousEdit != nil {
		body["allowAnonymousEdit"] = *settings.AllowAnonymousEdit
	}
	var payload listPayload
	if err := c.doJSON(ctx, http.MethodPut, "/api/lists/"+url.PathEscape(listID), body, &payload, "failed to update list settings"); err != nil {
		return nil, err
	}
	return payload.toList(), nil
}

// ResolveShareToken loads a public list through its share link.
func (c *HTTPClient) ResolveShareToken(ctx context.Context, token string) (*List, error) {
	var payload listPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/share/"+url.PathEscape(token), nil, &payload, "failed to resolve share link"); err != nil {
		return nil, err
	}
	return payload.toList(), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return c.httpClient.Do(req)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, out any, fallback string) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return &RemoteError{Message: fallback + ": " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp, fallback)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{StatusCode: resp.StatusCode, Message: fallback + ": malformed response"}
	}
	return nil
}

func (c *HTTPClient) decodeError(resp *http.Response, fallback string) error {
	remote := &RemoteError{StatusCode: resp.StatusCode, Message: fallback}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(raw) == 0 {
		return remote
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		remote.Message = body.Error
	}
	return remote
}
