// Package notify turns terminal pipeline outcomes into outbound patient
// notifications, published back onto the bus as notification.send events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
)

// Notifier subscribes to terminal order events. It never fails the pipeline
// run that triggered it; errors are returned to the bus for logging only.
type Notifier struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

// New creates a notifier.
func New(bus *eventbus.Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{bus: bus, logger: logger}
}

// Register subscribes the notifier to the terminal event tags.
func (n *Notifier) Register() {
	n.bus.Subscribe(order.EventOrderCreated, "notifier", n.handle)
	n.bus.Subscribe(order.EventOrderRejected, "notifier", n.handle)
	n.bus.Subscribe(order.EventOrderFailed, "notifier", n.handle)
}

func (n *Notifier) handle(ctx context.Context, evt *order.Event) error {
	payload, err := n.build(evt)
	if err != nil {
		return err
	}
	out, err := order.NewEvent(evt.SessionID, order.EventNotificationSend, payload)
	if err != nil {
		return fmt.Errorf("build notification event: %w", err)
	}
	return n.bus.Publish(ctx, out)
}

// build maps a terminal event to its patient-facing notification. Rejections
// carry the reason; failures stay generic so no internal detail leaks.
func (n *Notifier) build(evt *order.Event) (*order.NotificationSendPayload, error) {
	switch evt.Type {
	case order.EventOrderCreated:
		var p order.OrderCreatedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode order.created: %w", err)
		}
		return &order.NotificationSendPayload{
			UserID:           p.UserID,
			NotificationType: "order_confirmation",
			Message:          fmt.Sprintf("Your order %s has been placed. Total: %.2f.", p.OrderID, p.TotalAmount),
			Priority:         order.PriorityMedium,
		}, nil

	case order.EventOrderRejected:
		var p order.OrderRejectedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode order.rejected: %w", err)
		}
		return &order.NotificationSendPayload{
			UserID:           p.UserID,
			NotificationType: "order_rejected",
			Message:          rejectionMessage(p.Reason),
			Priority:         order.PriorityHigh,
		}, nil

	case order.EventOrderFailed:
		var p order.OrderFailedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode order.failed: %w", err)
		}
		return &order.NotificationSendPayload{
			UserID:           p.UserID,
			NotificationType: "order_failed",
			Message:          "We could not process your order right now. Please try again shortly.",
			Priority:         order.PriorityCritical,
		}, nil
	}
	return nil, fmt.Errorf("unexpected event type %s", evt.Type)
}

func rejectionMessage(reason order.RejectReason) string {
	switch reason {
	case order.ReasonPrescriptionRejected:
		return "Your request could not be approved. A pharmacist flagged safety issues with the prescription."
	case order.ReasonCriticalRiskBlocked:
		return "Your request was blocked for safety reasons. Please consult your doctor before reordering."
	case order.ReasonNoStockAvailable:
		return "None of the requested medicines are in stock right now. We will notify you when they return."
	case order.ReasonConfirmationDeclined:
		return "Your order was cancelled as requested."
	}
	return "Your order could not be completed."
}
