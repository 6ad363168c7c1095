package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
)

func setup(t *testing.T) (*eventbus.Bus, func() []*order.NotificationSendPayload) {
	t.Helper()
	bus := eventbus.New(nil)

	var mu sync.Mutex
	var sent []*order.NotificationSendPayload
	bus.Subscribe(order.EventNotificationSend, "capture", func(_ context.Context, evt *order.Event) error {
		var p order.NotificationSendPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			t.Errorf("decode notification: %v", err)
			return err
		}
		mu.Lock()
		sent = append(sent, &p)
		mu.Unlock()
		return nil
	})

	notifier := New(bus, nil)
	notifier.Register()

	return bus, func() []*order.NotificationSendPayload {
		mu.Lock()
		defer mu.Unlock()
		return append([]*order.NotificationSendPayload(nil), sent...)
	}
}

func publish(t *testing.T, bus *eventbus.Bus, typ order.EventType, payload any) {
	t.Helper()
	evt, err := order.NewEvent("session-1", typ, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestOrderCreatedNotification(t *testing.T) {
	bus, sent := setup(t)

	publish(t, bus, order.EventOrderCreated, &order.OrderCreatedPayload{
		OrderID:     "ord-1",
		UserID:      "user-1",
		TotalAmount: 42.5,
	})

	got := sent()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if got[0].NotificationType != "order_confirmation" {
		t.Errorf("wrong type: %s", got[0].NotificationType)
	}
	if !strings.Contains(got[0].Message, "ord-1") || !strings.Contains(got[0].Message, "42.50") {
		t.Errorf("message missing order details: %q", got[0].Message)
	}
}

func TestRejectionNotificationsCarryReason(t *testing.T) {
	cases := []struct {
		reason   order.RejectReason
		fragment string
	}{
		{order.ReasonPrescriptionRejected, "safety issues"},
		{order.ReasonCriticalRiskBlocked, "blocked for safety"},
		{order.ReasonNoStockAvailable, "in stock"},
		{order.ReasonConfirmationDeclined, "cancelled"},
	}

	for _, tc := range cases {
		bus, sent := setup(t)
		publish(t, bus, order.EventOrderRejected, &order.OrderRejectedPayload{
			UserID: "user-1",
			Reason: tc.reason,
		})

		got := sent()
		if len(got) != 1 {
			t.Fatalf("%s: expected one notification, got %d", tc.reason, len(got))
		}
		if got[0].NotificationType != "order_rejected" {
			t.Errorf("%s: wrong type %s", tc.reason, got[0].NotificationType)
		}
		if !strings.Contains(got[0].Message, tc.fragment) {
			t.Errorf("%s: message %q missing %q", tc.reason, got[0].Message, tc.fragment)
		}
	}
}

func TestFailureNotificationHidesInternals(t *testing.T) {
	bus, sent := setup(t)

	publish(t, bus, order.EventOrderFailed, &order.OrderFailedPayload{
		UserID:  "user-1",
		Message: "pg: connection refused on host db-internal-3",
		Kind:    order.FailureInfrastructure,
	})

	got := sent()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if got[0].NotificationType != "order_failed" {
		t.Errorf("wrong type: %s", got[0].NotificationType)
	}
	if strings.Contains(got[0].Message, "db-internal") {
		t.Error("patient message must not leak internal detail")
	}
	if got[0].Priority != order.PriorityCritical {
		t.Errorf("failures page at critical priority, got %s", got[0].Priority)
	}
}

func TestNonTerminalEventsAreIgnored(t *testing.T) {
	bus, sent := setup(t)

	publish(t, bus, order.EventInventoryChecked, &order.InventoryCheckedPayload{UserID: "user-1"})
	publish(t, bus, order.EventPrescriptionValidated, &order.PrescriptionValidatedPayload{UserID: "user-1"})

	if got := sent(); len(got) != 0 {
		t.Errorf("non-terminal events must not notify, got %d", len(got))
	}
}
