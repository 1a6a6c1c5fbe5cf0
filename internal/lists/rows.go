package lists

import (
	"encoding/json"
	"time"
)

// ListRow is the wire shape of a shopping list row, shared by API responses
// and change-stream payloads.
type ListRow struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	CreatedBy          string    `json:"created_by,omitempty"`
	IsPublic           bool      `json:"is_public"`
	ShareToken         string    `json:"share_token,omitempty"`
	AllowAnonymousEdit bool      `json:"allow_anonymous_edit"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Items              []ItemRow `json:"shopping_items,omitempty"`
}

// ItemRow is the wire shape of a shopping item row.
type ItemRow struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	Text      string    `json:"text"`
	Purchased bool      `json:"purchased"`
	Price     *float64  `json:"price"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewListRow converts a persisted list, including its loaded items.
func NewListRow(list ShoppingList) ListRow {
	row := ListRow{
		ID:                 list.ID,
		Name:               list.Name,
		CreatedBy:          list.CreatedBy,
		IsPublic:           list.IsPublic,
		ShareToken:         list.ShareToken,
		AllowAnonymousEdit: list.AllowAnonymousEdit,
		CreatedAt:          list.CreatedAt,
		UpdatedAt:          list.UpdatedAt,
	}
	if list.Items != nil {
		row.Items = make([]ItemRow, 0, len(list.Items))
		for _, item := range list.Items {
			row.Items = append(row.Items, NewItemRow(item))
		}
	}
	return row
}

// NewItemRow converts a persisted item.
func NewItemRow(item ShoppingItem) ItemRow {
	return ItemRow{
		ID:        item.ID,
		ListID:    item.ListID,
		Text:      item.Text,
		Purchased: item.Purchased,
		Price:     item.Price,
		Position:  item.Position,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func mustMarshal(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}
