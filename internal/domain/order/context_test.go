package order

import (
	"errors"
	"testing"
)

func TestTerminalContextRejectsMutation(t *testing.T) {
	c := NewContext("user-1", "", []LineItem{{MedicineName: "ibuprofen", Quantity: 1}})

	if err := c.SetFulfillment(&FulfillmentTrace{OrderID: "ord-1"}); err != nil {
		t.Fatalf("set fulfillment: %v", err)
	}
	if !c.Terminal() {
		t.Fatal("context must be terminal after fulfillment")
	}

	if err := c.SetValidation(&ValidationTrace{Decision: DecisionApproved}); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetValidation on terminal context: got %v", err)
	}
	if err := c.SetRisk(&RiskTrace{Level: RiskLow}); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetRisk on terminal context: got %v", err)
	}
	if err := c.SetInventory(&InventoryTrace{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetInventory on terminal context: got %v", err)
	}
	if err := c.SetFulfillment(&FulfillmentTrace{OrderID: "ord-2"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetFulfillment on terminal context: got %v", err)
	}
	if c.Fulfillment.OrderID != "ord-1" {
		t.Error("terminal trace must not be overwritten")
	}
}

func TestCriticalRiskDowngradesValidation(t *testing.T) {
	c := NewContext("user-1", "", nil)
	if err := c.SetValidation(&ValidationTrace{Decision: DecisionApproved}); err != nil {
		t.Fatalf("set validation: %v", err)
	}
	if err := c.SetRisk(&RiskTrace{Level: RiskCritical, Score: 0.95}); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if c.Validation.Decision != DecisionRejected {
		t.Errorf("expected downgraded decision, got %s", c.Validation.Decision)
	}
}

func TestNonCriticalRiskKeepsValidation(t *testing.T) {
	c := NewContext("user-1", "", nil)
	if err := c.SetValidation(&ValidationTrace{Decision: DecisionNeedsReview}); err != nil {
		t.Fatalf("set validation: %v", err)
	}
	if err := c.SetRisk(&RiskTrace{Level: RiskHigh, Score: 0.7}); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if c.Validation.Decision != DecisionNeedsReview {
		t.Errorf("decision must survive non-critical risk, got %s", c.Validation.Decision)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	c := NewContext("user-1", "+15550100", []LineItem{{MedicineName: "amoxicillin", Quantity: 1}})
	c.SetValidation(&ValidationTrace{Decision: DecisionApproved, SafetyIssues: []string{"check dosage"}})
	c.SetRisk(&RiskTrace{Level: RiskMedium, Score: 0.4, Factors: []string{"age"}})
	c.SetInventory(&InventoryTrace{
		AvailabilityScore: 0.5,
		Items:             []ItemAvailability{{MedicineName: "amoxicillin", Available: true}},
	})

	snap := c.Snapshot()

	c.Items[0].Quantity = 99
	c.Validation.SafetyIssues[0] = "mutated"
	c.Risk.Factors[0] = "mutated"
	c.Inventory.Items[0].Available = false
	c.Confirmed = true

	if snap.Items[0].Quantity != 1 {
		t.Error("snapshot items must not alias the original")
	}
	if snap.Validation.SafetyIssues[0] != "check dosage" {
		t.Error("snapshot validation must not alias the original")
	}
	if snap.Risk.Factors[0] != "age" {
		t.Error("snapshot risk must not alias the original")
	}
	if !snap.Inventory.Items[0].Available {
		t.Error("snapshot inventory must not alias the original")
	}
	if snap.Confirmed {
		t.Error("snapshot must keep its own scalar fields")
	}
}

func TestInventoryTraceHelpers(t *testing.T) {
	trace := &InventoryTrace{Items: []ItemAvailability{
		{MedicineName: "a", Available: true},
		{MedicineName: "b", Available: false, Substitution: "b-generic"},
		{MedicineName: "c", Available: false},
	}}

	if got := trace.AvailableCount(); got != 2 {
		t.Errorf("AvailableCount: got %d, want 2", got)
	}
	if !trace.NeedsConfirmation() {
		t.Error("substitutions and gaps must require confirmation")
	}

	clean := &InventoryTrace{Items: []ItemAvailability{{MedicineName: "a", Available: true}}}
	if clean.NeedsConfirmation() {
		t.Error("fully available verdict must not require confirmation")
	}
}

func TestEventTypeTerminal(t *testing.T) {
	terminals := []EventType{EventOrderCreated, EventOrderRejected, EventOrderFailed}
	for _, typ := range terminals {
		if !typ.Terminal() {
			t.Errorf("%s must be terminal", typ)
		}
	}
	others := []EventType{EventPrescriptionValidated, EventInventoryChecked, EventInventoryReserved, EventNotificationSend, EventFusionSignal}
	for _, typ := range others {
		if typ.Terminal() {
			t.Errorf("%s must not be terminal", typ)
		}
	}
}

func TestNewEventMarshalsPayload(t *testing.T) {
	evt, err := NewEvent("session-1", EventOrderCreated, &OrderCreatedPayload{OrderID: "ord-1", TotalAmount: 12.5})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if evt.ID == "" || evt.Timestamp.IsZero() {
		t.Error("event identity not populated")
	}
	if evt.SessionID != "session-1" || evt.Type != EventOrderCreated {
		t.Errorf("event fields wrong: %+v", evt)
	}
	if len(evt.Payload) == 0 {
		t.Error("payload must be marshaled")
	}

	_, err = NewEvent("session-1", EventOrderCreated, make(chan int))
	if err == nil {
		t.Error("unmarshalable payload must error")
	}
}
