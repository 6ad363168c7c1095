package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/go-apo/internal/domain/order"
)

func testEvent(t *testing.T, typ order.EventType) *order.Event {
	t.Helper()
	evt, err := order.NewEvent("session-1", typ, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return evt
}

func TestPublishFansOutToTagAndWildcard(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var got []string
	record := func(name string) Handler {
		return func(_ context.Context, evt *order.Event) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}
	}

	bus.Subscribe(order.EventOrderCreated, "typed", record("typed"))
	bus.Subscribe(TagAll, "wildcard", record("wildcard"))
	bus.Subscribe(order.EventOrderRejected, "other", record("other"))

	if err := bus.Publish(context.Background(), testEvent(t, order.EventOrderCreated)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
	if got[0] != "typed" || got[1] != "wildcard" {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestFailingHandlerDoesNotAffectOthers(t *testing.T) {
	bus := New(nil)

	delivered := 0
	bus.Subscribe(order.EventOrderCreated, "failing", func(context.Context, *order.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(order.EventOrderCreated, "panicking", func(context.Context, *order.Event) error {
		panic("boom")
	})
	bus.Subscribe(order.EventOrderCreated, "healthy", func(context.Context, *order.Event) error {
		delivered++
		return nil
	})

	if err := bus.Publish(context.Background(), testEvent(t, order.EventOrderCreated)); err != nil {
		t.Fatalf("publish must not surface handler errors: %v", err)
	}
	if delivered != 1 {
		t.Errorf("healthy handler not reached: %d", delivered)
	}
	if stats := bus.Stats(); stats.HandlerFailures != 2 {
		t.Errorf("expected 2 recorded failures, got %d", stats.HandlerFailures)
	}
}

func TestAsyncSubscriberPreservesPublicationOrder(t *testing.T) {
	bus := New(nil)

	const n = 100
	var mu sync.Mutex
	var seen []string
	bus.SubscribeAsync(order.EventNotificationSend, "ordered", n, func(_ context.Context, evt *order.Event) error {
		mu.Lock()
		seen = append(seen, evt.ID)
		mu.Unlock()
		return nil
	})

	var published []string
	for i := 0; i < n; i++ {
		evt := testEvent(t, order.EventNotificationSend)
		published = append(published, evt.ID)
		if err := bus.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(seen))
	}
	for i := range seen {
		if seen[i] != published[i] {
			t.Fatalf("delivery order broken at %d: got %s want %s", i, seen[i], published[i])
		}
	}
}

func TestAsyncOverflowDropsInsteadOfBlocking(t *testing.T) {
	bus := New(nil)

	block := make(chan struct{})
	bus.SubscribeAsync(order.EventOrderCreated, "slow", 1, func(context.Context, *order.Event) error {
		<-block
		return nil
	})

	// First fills the worker, second fills the queue, the rest must drop.
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), testEvent(t, order.EventOrderCreated)); err != nil {
			t.Fatalf("publish %d blocked or failed: %v", i, err)
		}
	}
	close(block)
	bus.Wait()

	if stats := bus.Stats(); stats.Dropped == 0 {
		t.Error("expected dropped deliveries under overflow")
	}
}

func TestPublishAfterCloseReturnsErrClosed(t *testing.T) {
	bus := New(nil)
	bus.Subscribe(order.EventOrderCreated, "noop", func(context.Context, *order.Event) error { return nil })
	bus.Close()

	if err := bus.Publish(context.Background(), testEvent(t, order.EventOrderCreated)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseDrainsQueuedDeliveries(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAsync(TagAll, "counter", 64, func(context.Context, *order.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), testEvent(t, order.EventOrderCreated)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 handled deliveries after close, got %d", count)
	}
}

func TestCloseRacingPublishNeverStrandsDeliveries(t *testing.T) {
	// A publisher that passes the closed check must have its async
	// deliveries handled before the workers retire; otherwise a later Wait
	// would hang on the stranded delivery.
	for round := 0; round < 50; round++ {
		bus := New(nil)
		bus.SubscribeAsync(TagAll, "sink", 64, func(context.Context, *order.Event) error {
			return nil
		})

		evt := testEvent(t, order.EventInventoryChecked)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := bus.Publish(context.Background(), evt); err != nil {
					return
				}
			}
		}()
		bus.Close()
		wg.Wait()

		done := make(chan struct{})
		go func() {
			bus.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Wait hung on a stranded async delivery")
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	perSession := make(map[string]int)
	bus.Subscribe(TagAll, "counter", func(_ context.Context, evt *order.Event) error {
		mu.Lock()
		perSession[evt.SessionID]++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				evt, err := order.NewEvent(fmt.Sprintf("session-%d", g), order.EventInventoryChecked, nil)
				if err != nil {
					t.Error(err)
					return
				}
				if err := bus.Publish(context.Background(), evt); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for session, n := range perSession {
		if n != 50 {
			t.Errorf("session %s: expected 50 deliveries, got %d", session, n)
		}
	}
}
