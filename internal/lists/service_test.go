package lists

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spisok-app/spisok/internal/realtime"
)

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", p.next), nil
}

type capturingPublisher struct {
	events []publishedEvent
}

type publishedEvent struct {
	listID string
	event  realtime.ChangeEvent
}

func (p *capturingPublisher) Publish(listID string, event realtime.ChangeEvent) {
	p.events = append(p.events, publishedEvent{listID: listID, event: event})
}

func newTestService(t *testing.T) (*Service, *capturingPublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ShoppingList{}, &ShoppingItem{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	publisher := &capturingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		IDProvider: &sequentialIDProvider{},
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, publisher
}

func mustListName(t *testing.T, raw string) ListName {
	t.Helper()
	name, err := NewListName(raw)
	if err != nil {
		t.Fatalf("new list name: %v", err)
	}
	return name
}

func mustItemText(t *testing.T, raw string) ItemText {
	t.Helper()
	text, err := NewItemText(raw)
	if err != nil {
		t.Fatalf("new item text: %v", err)
	}
	return text
}

func mustListID(t *testing.T, raw string) ListID {
	t.Helper()
	id, err := NewListID(raw)
	if err != nil {
		t.Fatalf("new list id: %v", err)
	}
	return id
}

func mustItemID(t *testing.T, raw string) ItemID {
	t.Helper()
	id, err := NewItemID(raw)
	if err != nil {
		t.Fatalf("new item id: %v", err)
	}
	return id
}

func TestCreateListRequiresIdentity(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.CreateList(context.Background(), Caller{}, mustListName(t, "Groceries"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLoadListOwnerOnly(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	loaded, err := service.LoadList(context.Background(), owner, mustListID(t, list.ID))
	if err != nil {
		t.Fatalf("load list as owner: %v", err)
	}
	if loaded.Name != "Groceries" {
		t.Fatalf("unexpected name %q", loaded.Name)
	}

	if _, err := service.LoadList(context.Background(), Caller{UserID: "user-2"}, mustListID(t, list.ID)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign caller, got %v", err)
	}
	if _, err := service.LoadList(context.Background(), Caller{}, mustListID(t, list.ID)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous caller, got %v", err)
	}
}

func TestListListsOrdersByRecency(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	first, err := service.CreateList(context.Background(), owner, mustListName(t, "First"))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := service.CreateList(context.Background(), owner, mustListName(t, "Second")); err != nil {
		t.Fatalf("create second: %v", err)
	}

	// Touch the first list so it comes back on top.
	if _, err := service.CreateItem(context.Background(), owner, mustListID(t, first.ID), mustItemText(t, "Milk"), nil); err != nil {
		t.Fatalf("create item: %v", err)
	}

	lists, err := service.ListLists(context.Background(), owner)
	if err != nil {
		t.Fatalf("list lists: %v", err)
	}
	if len(lists) != 2 {
		t.Fatalf("expected 2 lists, got %d", len(lists))
	}
}

func TestCreateItemAssignsMonotonicPositions(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)

	first, err := service.CreateItem(context.Background(), owner, listID, mustItemText(t, "Milk"), nil)
	if err != nil {
		t.Fatalf("create first item: %v", err)
	}
	second, err := service.CreateItem(context.Background(), owner, listID, mustItemText(t, "Bread"), nil)
	if err != nil {
		t.Fatalf("create second item: %v", err)
	}
	if first.Position != 1 || second.Position != 2 {
		t.Fatalf("expected positions 1 and 2, got %d and %d", first.Position, second.Position)
	}

	// Deleting does not compact; the next insert still goes one past the max.
	if err := service.DeleteItem(context.Background(), owner, mustItemID(t, first.ID)); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	third, err := service.CreateItem(context.Background(), owner, listID, mustItemText(t, "Eggs"), nil)
	if err != nil {
		t.Fatalf("create third item: %v", err)
	}
	if third.Position != 3 {
		t.Fatalf("expected position 3 after delete, got %d", third.Position)
	}
}

func TestCreateItemRejectsInvalidPrice(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	negative := -1.0
	if _, err := service.CreateItem(context.Background(), owner, mustListID(t, list.ID), mustItemText(t, "Milk"), &negative); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	tooLarge := 1000000.0
	if _, err := service.CreateItem(context.Background(), owner, mustListID(t, list.ID), mustItemText(t, "Milk"), &tooLarge); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for out-of-range, got %v", err)
	}
}

func TestUpdateItemClearsPriceOnlyWhenSet(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	price := 3.5
	item, err := service.CreateItem(context.Background(), owner, mustListID(t, list.ID), mustItemText(t, "Milk"), &price)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	purchased := true
	updated, err := service.UpdateItem(context.Background(), owner, mustItemID(t, item.ID), ItemPatch{Purchased: &purchased})
	if err != nil {
		t.Fatalf("update purchased: %v", err)
	}
	if updated.Price == nil || *updated.Price != 3.5 {
		t.Fatalf("price should survive an unrelated update, got %v", updated.Price)
	}

	cleared, err := service.UpdateItem(context.Background(), owner, mustItemID(t, item.ID), ItemPatch{PriceSet: true})
	if err != nil {
		t.Fatalf("clear price: %v", err)
	}
	if cleared.Price != nil {
		t.Fatalf("expected price cleared, got %v", *cleared.Price)
	}
}

func TestUpdateItemRejectsEmptyPatch(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	item, err := service.CreateItem(context.Background(), owner, mustListID(t, list.ID), mustItemText(t, "Milk"), nil)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	if _, err := service.UpdateItem(context.Background(), owner, mustItemID(t, item.ID), ItemPatch{}); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestShareTokenGeneratedOnceAndReused(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)

	enabled := true
	published, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &enabled})
	if err != nil {
		t.Fatalf("publish list: %v", err)
	}
	if _, err := NewShareToken(published.ShareToken); err != nil {
		t.Fatalf("expected a valid share token, got %q: %v", published.ShareToken, err)
	}

	disabled := false
	private, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &disabled})
	if err != nil {
		t.Fatalf("unpublish list: %v", err)
	}
	if private.ShareToken != published.ShareToken {
		t.Fatalf("token should survive unpublishing")
	}

	republished, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &enabled})
	if err != nil {
		t.Fatalf("republish list: %v", err)
	}
	if republished.ShareToken != published.ShareToken {
		t.Fatalf("expected the same token on republish, got %q and %q", published.ShareToken, republished.ShareToken)
	}
}

func TestResolveShareTokenIgnoresPrivateLists(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)

	enabled := true
	published, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &enabled})
	if err != nil {
		t.Fatalf("publish list: %v", err)
	}
	token, err := NewShareToken(published.ShareToken)
	if err != nil {
		t.Fatalf("new share token: %v", err)
	}

	resolved, err := service.ResolveShareToken(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve share token: %v", err)
	}
	if resolved.ID != list.ID {
		t.Fatalf("resolved the wrong list")
	}

	disabled := false
	if _, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &disabled}); err != nil {
		t.Fatalf("unpublish list: %v", err)
	}
	if _, err := service.ResolveShareToken(context.Background(), token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for private list, got %v", err)
	}
}

func TestAnonymousMutationGatedOnSettings(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)

	if _, err := service.CreateItem(context.Background(), Caller{}, listID, mustItemText(t, "Milk"), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on private list, got %v", err)
	}
	if _, err := service.CreateItem(context.Background(), Caller{UserID: "user-2"}, listID, mustItemText(t, "Milk"), nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign caller, got %v", err)
	}

	enabled := true
	if _, err := service.UpdateListSettings(context.Background(), owner, listID, SettingsUpdate{IsPublic: &enabled, AllowAnonymousEdit: &enabled}); err != nil {
		t.Fatalf("open list for anonymous edits: %v", err)
	}
	if _, err := service.CreateItem(context.Background(), Caller{}, listID, mustItemText(t, "Milk"), nil); err != nil {
		t.Fatalf("anonymous create on open list: %v", err)
	}
}

func TestDeleteListRemovesItems(t *testing.T) {
	service, _ := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)
	item, err := service.CreateItem(context.Background(), owner, listID, mustItemText(t, "Milk"), nil)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	if err := service.DeleteList(context.Background(), owner, listID); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	if _, err := service.LoadList(context.Background(), owner, listID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deletion, got %v", err)
	}
	if _, err := service.UpdateItem(context.Background(), owner, mustItemID(t, item.ID), ItemPatch{PriceSet: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected orphaned item to be gone, got %v", err)
	}
}

func TestMutationsPublishChangeEvents(t *testing.T) {
	service, publisher := newTestService(t)
	owner := Caller{UserID: "user-1"}
	list, err := service.CreateList(context.Background(), owner, mustListName(t, "Groceries"))
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	listID := mustListID(t, list.ID)

	item, err := service.CreateItem(context.Background(), owner, listID, mustItemText(t, "Milk"), nil)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := service.DeleteItem(context.Background(), owner, mustItemID(t, item.ID)); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if _, err := service.RenameList(context.Background(), owner, listID, mustListName(t, "Weekend")); err != nil {
		t.Fatalf("rename list: %v", err)
	}

	if len(publisher.events) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(publisher.events))
	}
	if publisher.events[0].event.Operation != realtime.OperationInsert || publisher.events[0].event.Table != realtime.TableItems {
		t.Fatalf("unexpected first event: %+v", publisher.events[0].event)
	}
	if publisher.events[1].event.Operation != realtime.OperationDelete {
		t.Fatalf("unexpected second event: %+v", publisher.events[1].event)
	}
	if publisher.events[2].event.Table != realtime.TableLists || publisher.events[2].event.Operation != realtime.OperationUpdate {
		t.Fatalf("unexpected third event: %+v", publisher.events[2].event)
	}
	for _, published := range publisher.events {
		if published.listID != list.ID {
			t.Fatalf("event published for the wrong list: %q", published.listID)
		}
	}
}
