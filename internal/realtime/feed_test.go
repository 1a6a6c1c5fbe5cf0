package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPublishReachesEverySubscriberOfTheList(t *testing.T) {
	feed := NewFeed()
	first, cleanupFirst := feed.Subscribe(context.Background(), "list-1")
	defer cleanupFirst()
	second, cleanupSecond := feed.Subscribe(context.Background(), "list-1")
	defer cleanupSecond()
	other, cleanupOther := feed.Subscribe(context.Background(), "list-2")
	defer cleanupOther()

	event := ChangeEvent{
		Table:     TableItems,
		Operation: OperationInsert,
		New:       json.RawMessage(`{"id":"item-1"}`),
	}
	feed.Publish("list-1", event)

	for _, stream := range []<-chan ChangeEvent{first, second} {
		select {
		case received := <-stream:
			if received.Operation != OperationInsert {
				t.Fatalf("unexpected operation %q", received.Operation)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive the event")
		}
	}

	select {
	case unexpected := <-other:
		t.Fatalf("event leaked to another list: %+v", unexpected)
	default:
	}
}

func TestPublishSkipsMalformedEvents(t *testing.T) {
	feed := NewFeed()
	stream, cleanup := feed.Subscribe(context.Background(), "list-1")
	defer cleanup()

	feed.Publish("", ChangeEvent{Table: TableItems, Operation: OperationInsert})
	feed.Publish("list-1", ChangeEvent{Operation: OperationInsert})
	feed.Publish("list-1", ChangeEvent{Table: TableItems})

	select {
	case unexpected := <-stream:
		t.Fatalf("malformed event delivered: %+v", unexpected)
	default:
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	feed := NewFeed()
	stream, cleanup := feed.Subscribe(context.Background(), "list-1")
	defer cleanup()

	event := ChangeEvent{Table: TableItems, Operation: OperationUpdate}
	// Overflow the buffer; the publisher must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			feed.Publish("list-1", event)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	// The buffered prefix is still there.
	select {
	case <-stream:
	default:
		t.Fatalf("expected at least one buffered event")
	}
}

func TestSubscribeCleanupIsIdempotent(t *testing.T) {
	feed := NewFeed()
	_, cleanup := feed.Subscribe(context.Background(), "list-1")
	cleanup()
	cleanup()

	// Publishing after cleanup must not panic or deliver.
	feed.Publish("list-1", ChangeEvent{Table: TableItems, Operation: OperationDelete})
}

func TestSubscribeContextCancellationUnregisters(t *testing.T) {
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := feed.Subscribe(ctx, "list-1")
	cancel()

	deadline := time.After(time.Second)
	for {
		feed.mu.RLock()
		remaining := len(feed.subscribers["list-1"])
		feed.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriber still registered after context cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	feed.Publish("list-1", ChangeEvent{Table: TableItems, Operation: OperationInsert})
	select {
	case unexpected := <-stream:
		t.Fatalf("event delivered after unsubscribe: %+v", unexpected)
	default:
	}
}

func TestCloseDropsAllSubscribers(t *testing.T) {
	feed := NewFeed()
	stream, _ := feed.Subscribe(context.Background(), "list-1")
	feed.Close()

	if _, open := <-stream; open {
		t.Fatalf("expected stream closed")
	}
}
