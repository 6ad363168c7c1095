package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the closed set of domain events the pipeline
// publishes.
type EventType string

const (
	EventOrderCreated          EventType = "order.created"
	EventOrderRejected         EventType = "order.rejected"
	EventOrderFailed           EventType = "order.failed"
	EventPrescriptionValidated EventType = "prescription.validated"
	EventInventoryChecked      EventType = "inventory.checked"
	EventInventoryReserved     EventType = "inventory.reserved"
	EventNotificationSend      EventType = "notification.send"
	EventFusionSignal          EventType = "fusion.signal"
)

// Terminal reports whether the event type closes a pipeline run.
func (t EventType) Terminal() bool {
	switch t {
	case EventOrderCreated, EventOrderRejected, EventOrderFailed:
		return true
	}
	return false
}

// RejectReason identifies why an order was rejected.
type RejectReason string

const (
	ReasonPrescriptionRejected RejectReason = "prescription_rejected"
	ReasonCriticalRiskBlocked  RejectReason = "critical_risk_blocked"
	ReasonNoStockAvailable     RejectReason = "no_stock_available"
	ReasonConfirmationDeclined RejectReason = "confirmation_declined"
)

// FailureKind classifies collaborator infrastructure failures.
type FailureKind string

const (
	FailureInfrastructure FailureKind = "infrastructure"
	FailureTimeout        FailureKind = "timeout"
	FailureUnexpected     FailureKind = "unexpected"
)

// Priority ranks outbound notifications.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is an immutable fact published when the pipeline reaches a decision
// point. Consumers receive the same instance and must not mutate it.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent creates an event with a fresh id and a marshaled payload.
func NewEvent(sessionID string, t EventType, data any) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// OrderCreatedPayload carries the outputs of a successful fulfillment.
type OrderCreatedPayload struct {
	OrderID      string     `json:"order_id"`
	UserID       string     `json:"user_id"`
	ChannelPhone string     `json:"channel_phone,omitempty"`
	TotalAmount  float64    `json:"total_amount"`
	Items        []LineItem `json:"items"`
	Decision     Decision   `json:"decision"`
}

// OrderRejectedPayload carries a deliberate business rejection.
type OrderRejectedPayload struct {
	UserID       string         `json:"user_id"`
	ChannelPhone string         `json:"channel_phone,omitempty"`
	Reason       RejectReason   `json:"reason"`
	Details      map[string]any `json:"details,omitempty"`
}

// OrderFailedPayload carries a collaborator infrastructure failure.
type OrderFailedPayload struct {
	UserID       string      `json:"user_id"`
	ChannelPhone string      `json:"channel_phone,omitempty"`
	Message      string      `json:"message"`
	Kind         FailureKind `json:"kind"`
}

// PrescriptionValidatedPayload carries the validation verdict.
type PrescriptionValidatedPayload struct {
	UserID       string   `json:"user_id"`
	Decision     Decision `json:"decision"`
	SafetyIssues []string `json:"safety_issues,omitempty"`
}

// InventoryCheckedPayload carries the inventory verdict summary.
type InventoryCheckedPayload struct {
	UserID            string  `json:"user_id"`
	AvailabilityScore float64 `json:"availability_score"`
	ItemsAvailable    int     `json:"items_available"`
	ItemsTotal        int     `json:"items_total"`
}

// InventoryReservedPayload carries a single stock reservation.
type InventoryReservedPayload struct {
	MedicineName  string `json:"medicine_name"`
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id"`
}

// NotificationSendPayload carries an outbound patient notification.
type NotificationSendPayload struct {
	UserID           string   `json:"user_id"`
	NotificationType string   `json:"notification_type"`
	Message          string   `json:"message"`
	Priority         Priority `json:"priority"`
}
