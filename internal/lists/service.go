package lists

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spisok-app/spisok/internal/realtime"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "lists.service.new"
	opCreateList     = "lists.create_list"
	opListLists      = "lists.list_lists"
	opLoadList       = "lists.load_list"
	opDeleteList     = "lists.delete_list"
	opRenameList     = "lists.rename_list"
	opUpdateSettings = "lists.update_settings"
	opCreateItem     = "lists.create_item"
	opUpdateItem     = "lists.update_item"
	opDeleteItem     = "lists.delete_item"
	opResolveShare   = "lists.resolve_share_token"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues new row identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ChangePublisher receives committed row changes for fan-out to live views.
type ChangePublisher interface {
	Publish(listID string, event realtime.ChangeEvent)
}

// ServiceConfig wires the dependencies of the lists service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  ChangePublisher
	Logger     *zap.Logger
}

// Service implements list and item persistence with owner/share access control.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  ChangePublisher
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// CreateList persists a new empty list owned by the caller.
func (s *Service) CreateList(ctx context.Context, caller Caller, name ListName) (*ShoppingList, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthorized
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateList, "id_generation_failed", err)
		return nil, newServiceError(opCreateList, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	list := ShoppingList{
		ID:        id,
		Name:      name.String(),
		CreatedBy: caller.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&list).Error; err != nil {
		s.logError(opCreateList, "insert_failed", err, zap.String("user_id", caller.UserID))
		return nil, newServiceError(opCreateList, "insert_failed", err)
	}
	return &list, nil
}

// ListLists returns the caller's lists, most recently updated first.
func (s *Service) ListLists(ctx context.Context, caller Caller) ([]ShoppingList, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthorized
	}

	var result []ShoppingList
	if err := s.db.WithContext(ctx).
		Where("created_by = ?", caller.UserID).
		Order("updated_at DESC").
		Find(&result).Error; err != nil {
		s.logError(opListLists, "query_failed", err, zap.String("user_id", caller.UserID))
		return nil, newServiceError(opListLists, "query_failed", err)
	}
	return result, nil
}

// LoadList returns a list with its items sorted by position. Only the owner
// may load a list by id; anonymous visitors go through ResolveShareToken.
func (s *Service) LoadList(ctx context.Context, caller Caller, listID ListID) (*ShoppingList, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthorized
	}

	var list ShoppingList
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ? AND created_by = ?", listID.String(), caller.UserID).
		Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opLoadList, "query_failed", err, zap.String("list_id", listID.String()))
		return nil, newServiceError(opLoadList, "query_failed", err)
	}
	return &list, nil
}

// DeleteList removes a list and all of its items.
func (s *Service) DeleteList(ctx context.Context, caller Caller, listID ListID) error {
	if caller.Anonymous() {
		return ErrUnauthorized
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.lockList(tx, listID)
		if err != nil {
			return err
		}
		if list.CreatedBy != caller.UserID {
			return ErrForbidden
		}
		if err := tx.Where("list_id = ?", listID.String()).Delete(&ShoppingItem{}).Error; err != nil {
			return newServiceError(opDeleteList, "items_delete_failed", err)
		}
		if err := tx.Delete(&ShoppingList{}, "id = ?", listID.String()).Error; err != nil {
			return newServiceError(opDeleteList, "list_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logAccessError(opDeleteList, txErr, zap.String("list_id", listID.String()))
		return txErr
	}
	return nil
}

// RenameList updates a list's name. Owner only.
func (s *Service) RenameList(ctx context.Context, caller Caller, listID ListID, name ListName) (*ShoppingList, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthorized
	}

	var updated ShoppingList
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.lockList(tx, listID)
		if err != nil {
			return err
		}
		if list.CreatedBy != caller.UserID {
			return ErrForbidden
		}
		list.Name = name.String()
		list.UpdatedAt = s.clock().UTC()
		if err := tx.Save(list).Error; err != nil {
			return newServiceError(opRenameList, "save_failed", err)
		}
		updated = *list
		return nil
	})
	if txErr != nil {
		s.logAccessError(opRenameList, txErr, zap.String("list_id", listID.String()))
		return nil, txErr
	}

	s.publishListUpdate(updated)
	return &updated, nil
}

// UpdateListSettings toggles sharing flags. The share token is generated the
// first time a list goes public and reused on every later publish; making the
// list private never revokes it.
func (s *Service) UpdateListSettings(ctx context.Context, caller Caller, listID ListID, update SettingsUpdate) (*ShoppingList, error) {
	if caller.Anonymous() {
		return nil, ErrUnauthorized
	}
	if update.Empty() {
		return nil, ErrEmptyUpdate
	}

	var updated ShoppingList
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.lockList(tx, listID)
		if err != nil {
			return err
		}
		if list.CreatedBy != caller.UserID {
			return ErrForbidden
		}
		if update.IsPublic != nil {
			list.IsPublic = *update.IsPublic
			if list.IsPublic && list.ShareToken == "" {
				token, err := newShareToken()
				if err != nil {
					return newServiceError(opUpdateSettings, "token_generation_failed", err)
				}
				list.ShareToken = token
			}
		}
		if update.AllowAnonymousEdit != nil {
			list.AllowAnonymousEdit = *update.AllowAnonymousEdit
		}
		list.UpdatedAt = s.clock().UTC()
		if err := tx.Save(list).Error; err != nil {
			return newServiceError(opUpdateSettings, "save_failed", err)
		}
		updated = *list
		return nil
	})
	if txErr != nil {
		s.logAccessError(opUpdateSettings, txErr, zap.String("list_id", listID.String()))
		return nil, txErr
	}

	s.publishListUpdate(updated)
	return &updated, nil
}

// CreateItem appends a new item to a list. Permitted for the owner, or for
// anyone when the list is public with anonymous editing enabled. The position
// is one past the current maximum in the list.
func (s *Service) CreateItem(ctx context.Context, caller Caller, listID ListID, text ItemText, price *float64) (*ShoppingItem, error) {
	if err := ValidatePrice(price); err != nil {
		return nil, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateItem, "id_generation_failed", err)
		return nil, newServiceError(opCreateItem, "id_generation_failed", err)
	}

	var created ShoppingItem
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.lockList(tx, listID)
		if err != nil {
			return err
		}
		if err := authorizeMutation(caller, list); err != nil {
			return err
		}

		var maxPosition int
		row := tx.Model(&ShoppingItem{}).
			Where("list_id = ?", listID.String()).
			Select("COALESCE(MAX(position), 0)").
			Row()
		if err := row.Scan(&maxPosition); err != nil {
			return newServiceError(opCreateItem, "position_query_failed", err)
		}

		now := s.clock().UTC()
		created = ShoppingItem{
			ID:        id,
			ListID:    listID.String(),
			Text:      text.String(),
			Purchased: false,
			Price:     price,
			Position:  maxPosition + 1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opCreateItem, "insert_failed", err)
		}
		return s.touchList(tx, list, now)
	})
	if txErr != nil {
		s.logAccessError(opCreateItem, txErr, zap.String("list_id", listID.String()))
		return nil, txErr
	}

	s.publishItem(created.ListID, realtime.OperationInsert, created)
	return &created, nil
}

// UpdateItem applies a partial update to an item under the same access rule
// as CreateItem.
func (s *Service) UpdateItem(ctx context.Context, caller Caller, itemID ItemID, patch ItemPatch) (*ShoppingItem, error) {
	if patch.Empty() {
		return nil, ErrEmptyUpdate
	}
	if patch.PriceSet {
		if err := ValidatePrice(patch.Price); err != nil {
			return nil, err
		}
	}

	var updated ShoppingItem
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, list, err := s.lockItem(tx, itemID)
		if err != nil {
			return err
		}
		if err := authorizeMutation(caller, list); err != nil {
			return err
		}

		if patch.Text != nil {
			item.Text = patch.Text.String()
		}
		if patch.Purchased != nil {
			item.Purchased = *patch.Purchased
		}
		if patch.PriceSet {
			item.Price = patch.Price
		}
		now := s.clock().UTC()
		item.UpdatedAt = now
		if err := tx.Save(item).Error; err != nil {
			return newServiceError(opUpdateItem, "save_failed", err)
		}
		updated = *item
		return s.touchList(tx, list, now)
	})
	if txErr != nil {
		s.logAccessError(opUpdateItem, txErr, zap.String("item_id", itemID.String()))
		return nil, txErr
	}

	s.publishItem(updated.ListID, realtime.OperationUpdate, updated)
	return &updated, nil
}

// DeleteItem removes an item. Positions of remaining items are untouched.
func (s *Service) DeleteItem(ctx context.Context, caller Caller, itemID ItemID) error {
	var removed ShoppingItem
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, list, err := s.lockItem(tx, itemID)
		if err != nil {
			return err
		}
		if err := authorizeMutation(caller, list); err != nil {
			return err
		}
		if err := tx.Delete(&ShoppingItem{}, "id = ?", itemID.String()).Error; err != nil {
			return newServiceError(opDeleteItem, "delete_failed", err)
		}
		removed = *item
		return s.touchList(tx, list, s.clock().UTC())
	})
	if txErr != nil {
		s.logAccessError(opDeleteItem, txErr, zap.String("item_id", itemID.String()))
		return txErr
	}

	s.publishItem(removed.ListID, realtime.OperationDelete, removed)
	return nil
}

// ResolveShareToken loads a public list by its share token, items sorted by
// position. Private lists are invisible even when the token matches.
func (s *Service) ResolveShareToken(ctx context.Context, token ShareToken) (*ShoppingList, error) {
	var list ShoppingList
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("share_token = ? AND is_public = ?", token.String(), true).
		Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opResolveShare, "query_failed", err)
		return nil, newServiceError(opResolveShare, "query_failed", err)
	}
	return &list, nil
}

// authorizeMutation implements the shared access rule: the owner may always
// mutate; anonymous or foreign callers only when the list is public with
// anonymous editing enabled.
func authorizeMutation(caller Caller, list *ShoppingList) error {
	if !caller.Anonymous() && list.CreatedBy == caller.UserID {
		return nil
	}
	if list.IsPublic && list.AllowAnonymousEdit {
		return nil
	}
	if caller.Anonymous() {
		return ErrUnauthorized
	}
	return ErrForbidden
}

func (s *Service) lockList(tx *gorm.DB, listID ListID) (*ShoppingList, error) {
	var list ShoppingList
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", listID.String()).
		Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newServiceError(opLoadList, "list_select_failed", err)
	}
	return &list, nil
}

func (s *Service) lockItem(tx *gorm.DB, itemID ItemID) (*ShoppingItem, *ShoppingList, error) {
	var item ShoppingItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", itemID.String()).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, newServiceError(opUpdateItem, "item_select_failed", err)
	}

	listID, err := NewListID(item.ListID)
	if err != nil {
		return nil, nil, newServiceError(opUpdateItem, "corrupt_list_reference", err)
	}
	list, err := s.lockList(tx, listID)
	if err != nil {
		return nil, nil, err
	}
	return &item, list, nil
}

// touchList refreshes the parent list's updated_at on item mutations.
func (s *Service) touchList(tx *gorm.DB, list *ShoppingList, now time.Time) error {
	return tx.Model(&ShoppingList{}).
		Where("id = ?", list.ID).
		Update("updated_at", now).Error
}

func (s *Service) publishListUpdate(list ShoppingList) {
	if s.publisher == nil {
		return
	}
	list.Items = nil
	s.publisher.Publish(list.ID, realtime.ChangeEvent{
		Table:     realtime.TableLists,
		Operation: realtime.OperationUpdate,
		New:       mustMarshal(NewListRow(list)),
	})
}

func (s *Service) publishItem(listID string, op realtime.Operation, item ShoppingItem) {
	if s.publisher == nil {
		return
	}
	event := realtime.ChangeEvent{Table: realtime.TableItems, Operation: op}
	row := mustMarshal(NewItemRow(item))
	if op == realtime.OperationDelete {
		event.Old = row
	} else {
		event.New = row
	}
	s.publisher.Publish(listID, event)
}

func (s *Service) logAccessError(operation string, err error, fields ...zap.Field) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized) {
		return
	}
	s.logError(operation, "tx_failed", err, fields...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("lists service error", attrs...)
}
