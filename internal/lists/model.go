package lists

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxListNameLength  = 255
	maxItemTextLength  = 500
	maxPrice           = 999999.99
	shareTokenLength   = 32
	maxUserIDLength    = 190
	shareTokenAlphabet = "0123456789abcdef"
)

var (
	// ErrInvalidListID indicates a list identifier that is not a UUID.
	ErrInvalidListID = errors.New("lists: invalid list id")
	// ErrInvalidItemID indicates an item identifier that is not a UUID.
	ErrInvalidItemID = errors.New("lists: invalid item id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("lists: invalid user id")
	// ErrInvalidListName indicates an empty or oversized list name.
	ErrInvalidListName = errors.New("lists: invalid list name")
	// ErrInvalidItemText indicates an empty or oversized item text.
	ErrInvalidItemText = errors.New("lists: invalid item text")
	// ErrInvalidPrice indicates a negative or out-of-range price.
	ErrInvalidPrice = errors.New("lists: invalid price")
	// ErrInvalidShareToken indicates a token that is not 32 hex characters.
	ErrInvalidShareToken = errors.New("lists: invalid share token")
	// ErrEmptyUpdate indicates an update request carrying no fields.
	ErrEmptyUpdate = errors.New("lists: no fields to update")

	// ErrNotFound indicates the list or item does not exist or is not visible.
	ErrNotFound = errors.New("lists: not found")
	// ErrUnauthorized indicates the caller presented no identity where one is required.
	ErrUnauthorized = errors.New("lists: authentication required")
	// ErrForbidden indicates the caller's identity does not grant access.
	ErrForbidden = errors.New("lists: access denied")
)

// ListID represents a validated shopping list identifier.
type ListID string

// NewListID validates raw input and returns a ListID.
func NewListID(rawInput string) (ListID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidListID, rawInput)
	}
	return ListID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ListID) String() string {
	return string(id)
}

// ItemID represents a validated shopping item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidItemID, rawInput)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// ListName represents a validated list name.
type ListName string

// NewListName trims and validates a list name.
func NewListName(rawInput string) (ListName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidListName)
	}
	if len(trimmed) > maxListNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidListName, maxListNameLength)
	}
	return ListName(trimmed), nil
}

// String returns the validated name.
func (n ListName) String() string {
	return string(n)
}

// ItemText represents a validated item description.
type ItemText string

// NewItemText trims and validates an item description.
func NewItemText(rawInput string) (ItemText, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemText)
	}
	if len(trimmed) > maxItemTextLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemText, maxItemTextLength)
	}
	return ItemText(trimmed), nil
}

// String returns the validated text.
func (t ItemText) String() string {
	return string(t)
}

// ValidatePrice rejects negative or out-of-range prices. A nil price means
// "no price recorded" and is always valid.
func ValidatePrice(price *float64) error {
	if price == nil {
		return nil
	}
	if *price < 0 || *price > maxPrice {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, *price)
	}
	return nil
}

// ShareToken represents a validated 32-character hexadecimal share token.
type ShareToken string

// NewShareToken validates raw input and returns a ShareToken.
func NewShareToken(rawInput string) (ShareToken, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if len(trimmed) != shareTokenLength {
		return "", fmt.Errorf("%w: expected %d characters", ErrInvalidShareToken, shareTokenLength)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(shareTokenAlphabet, r) {
			return "", fmt.Errorf("%w: non-hex character", ErrInvalidShareToken)
		}
	}
	return ShareToken(trimmed), nil
}

// String returns the underlying token.
func (t ShareToken) String() string {
	return string(t)
}

// Caller identifies who is performing an operation. A zero Caller is anonymous.
type Caller struct {
	UserID string
}

// Anonymous reports whether the caller carries no identity.
func (c Caller) Anonymous() bool {
	return strings.TrimSpace(c.UserID) == ""
}

// NewCaller validates a non-anonymous caller identity.
func NewCaller(rawUserID string) (Caller, error) {
	trimmed := strings.TrimSpace(rawUserID)
	if trimmed == "" || len(trimmed) > maxUserIDLength {
		return Caller{}, fmt.Errorf("%w: %q", ErrInvalidUserID, rawUserID)
	}
	return Caller{UserID: trimmed}, nil
}

// ShoppingList models a persisted shopping list.
type ShoppingList struct {
	ID                 string         `gorm:"column:id;primaryKey;size:36;not null"`
	Name               string         `gorm:"column:name;size:255;not null"`
	CreatedBy          string         `gorm:"column:created_by;size:190;index"`
	IsPublic           bool           `gorm:"column:is_public;not null;default:false"`
	ShareToken         string         `gorm:"column:share_token;size:32;index"`
	AllowAnonymousEdit bool           `gorm:"column:allow_anonymous_edit;not null;default:false"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;not null"`
	Items              []ShoppingItem `gorm:"foreignKey:ListID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (ShoppingList) TableName() string {
	return "shopping_lists"
}

// ShoppingItem models one entry of a shopping list. Position is assigned as
// max(existing)+1 at creation and never compacted on deletion.
type ShoppingItem struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	ListID    string    `gorm:"column:list_id;size:36;not null;index"`
	Text      string    `gorm:"column:text;size:500;not null"`
	Purchased bool      `gorm:"column:purchased;not null;default:false"`
	Price     *float64  `gorm:"column:price"`
	Position  int       `gorm:"column:position;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShoppingItem) TableName() string {
	return "shopping_items"
}

// ItemPatch describes a partial item update. Nil fields are left unchanged.
// PriceSet distinguishes "clear the price" from "leave it alone".
type ItemPatch struct {
	Text      *ItemText
	Purchased *bool
	Price     *float64
	PriceSet  bool
}

// Empty reports whether the patch carries no changes.
func (p ItemPatch) Empty() bool {
	return p.Text == nil && p.Purchased == nil && !p.PriceSet
}

// SettingsUpdate describes a partial update of a list's sharing settings.
type SettingsUpdate struct {
	IsPublic           *bool
	AllowAnonymousEdit *bool
}

// Empty reports whether the update carries no changes.
func (u SettingsUpdate) Empty() bool {
	return u.IsPublic == nil && u.AllowAnonymousEdit == nil
}
