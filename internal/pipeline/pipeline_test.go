package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/go-apo/internal/broadcast"
	"github.com/carebridge/go-apo/internal/confirm"
	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
)

type fakeClients struct {
	validation  *order.ValidationTrace
	risk        *order.RiskTrace
	inventory   *order.InventoryTrace
	fulfillment *order.FulfillmentTrace

	validationErr  error
	riskErr        error
	inventoryErr   error
	fulfillmentErr error
}

func (f *fakeClients) Validate(context.Context, []order.LineItem, bool) (*order.ValidationTrace, error) {
	return f.validation, f.validationErr
}

func (f *fakeClients) Score(context.Context, *order.Context) (*order.RiskTrace, error) {
	return f.risk, f.riskErr
}

func (f *fakeClients) Check(context.Context, []order.LineItem) (*order.InventoryTrace, error) {
	return f.inventory, f.inventoryErr
}

func (f *fakeClients) Fulfill(context.Context, *order.Context) (*order.FulfillmentTrace, error) {
	return f.fulfillment, f.fulfillmentErr
}

// recorder captures every published domain event.
type recorder struct {
	mu     sync.Mutex
	events []*order.Event
}

func (r *recorder) handle(_ context.Context, evt *order.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) terminals() []*order.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Event
	for _, evt := range r.events {
		if evt.Type.Terminal() {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) ofType(t order.EventType) []*order.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func happyClients() *fakeClients {
	return &fakeClients{
		validation: &order.ValidationTrace{Decision: order.DecisionApproved},
		risk:       &order.RiskTrace{Level: order.RiskLow, Score: 0.1},
		inventory: &order.InventoryTrace{
			AvailabilityScore: 1.0,
			Items:             []order.ItemAvailability{{MedicineName: "paracetamol", Available: true}},
		},
		fulfillment: &order.FulfillmentTrace{
			OrderID:     "ord-1",
			OrderStatus: "created",
			TotalAmount: 25.0,
			Reservations: []order.Reservation{
				{MedicineName: "paracetamol", Quantity: 2, ReservationID: "res-1"},
			},
		},
	}
}

func newTestPipeline(clients *fakeClients) (*Pipeline, *recorder, *confirm.Gate) {
	bus := eventbus.New(nil)
	rec := &recorder{}
	bus.Subscribe(eventbus.TagAll, "recorder", rec.handle)

	gate := confirm.NewGate(time.Minute, nil)
	hub := broadcast.NewHub(nil)
	pipe := New(clients, clients, clients, clients, bus, gate, hub, nil)
	return pipe, rec, gate
}

func newOrderContext(phone string) *order.Context {
	return order.NewContext("user-1", phone, []order.LineItem{
		{MedicineName: "paracetamol", Quantity: 2},
	})
}

func TestRunHappyPathCreatesOrder(t *testing.T) {
	pipe, rec, _ := newTestPipeline(happyClients())

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusCompleted || outcome.Terminal != order.EventOrderCreated {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.OrderID != "ord-1" {
		t.Errorf("order id not propagated: %q", outcome.OrderID)
	}

	terminals := rec.terminals()
	if len(terminals) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terminals))
	}
	if terminals[0].Type != order.EventOrderCreated {
		t.Errorf("wrong terminal event: %s", terminals[0].Type)
	}

	if got := rec.ofType(order.EventInventoryReserved); len(got) != 1 {
		t.Errorf("expected one reservation event, got %d", len(got))
	}
	if got := rec.ofType(order.EventPrescriptionValidated); len(got) != 1 {
		t.Errorf("expected validation event, got %d", len(got))
	}
	if got := rec.ofType(order.EventInventoryChecked); len(got) != 1 {
		t.Errorf("expected inventory event, got %d", len(got))
	}
}

func TestRunRejectsOnValidation(t *testing.T) {
	clients := happyClients()
	clients.validation = &order.ValidationTrace{
		Decision:     order.DecisionRejected,
		SafetyIssues: []string{"interaction with existing medication"},
	}
	pipe, rec, _ := newTestPipeline(clients)

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Terminal != order.EventOrderRejected || outcome.Reason != order.ReasonPrescriptionRejected {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	terminals := rec.terminals()
	if len(terminals) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terminals))
	}
	// Later stages must not have run.
	if got := rec.ofType(order.EventInventoryChecked); len(got) != 0 {
		t.Error("inventory must not run after validation rejection")
	}
}

func TestRunNeedsReviewProceeds(t *testing.T) {
	clients := happyClients()
	clients.validation = &order.ValidationTrace{Decision: order.DecisionNeedsReview}
	pipe, rec, _ := newTestPipeline(clients)

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Terminal != order.EventOrderCreated {
		t.Fatalf("needs_review must flow through to fulfillment: %+v", outcome)
	}

	var payload order.OrderCreatedPayload
	created := rec.ofType(order.EventOrderCreated)
	if err := json.Unmarshal(created[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Decision != order.DecisionNeedsReview {
		t.Errorf("created order must carry the review flag, got %s", payload.Decision)
	}
}

func TestRunRejectsOnCriticalRisk(t *testing.T) {
	clients := happyClients()
	clients.risk = &order.RiskTrace{Level: order.RiskCritical, Score: 0.95, Factors: []string{"overdose risk"}}
	pipe, rec, _ := newTestPipeline(clients)

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Terminal != order.EventOrderRejected || outcome.Reason != order.ReasonCriticalRiskBlocked {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(rec.terminals()) != 1 {
		t.Fatal("expected exactly one terminal event")
	}
}

func TestRunRejectsOnZeroAvailability(t *testing.T) {
	clients := happyClients()
	clients.inventory = &order.InventoryTrace{
		AvailabilityScore: 0,
		Items:             []order.ItemAvailability{{MedicineName: "paracetamol", Available: false}},
	}
	pipe, rec, _ := newTestPipeline(clients)

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Terminal != order.EventOrderRejected || outcome.Reason != order.ReasonNoStockAvailable {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(rec.terminals()) != 1 {
		t.Fatal("expected exactly one terminal event")
	}
}

func partialInventory() *order.InventoryTrace {
	return &order.InventoryTrace{
		AvailabilityScore: 0.5,
		Items: []order.ItemAvailability{
			{MedicineName: "paracetamol", Available: false, Substitution: "acetaminophen"},
		},
	}
}

func TestRunPausesForConfirmation(t *testing.T) {
	clients := happyClients()
	clients.inventory = partialInventory()
	pipe, rec, gate := newTestPipeline(clients)

	octx := newOrderContext("+15550100")
	outcome, err := pipe.Run(context.Background(), octx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected paused run, got %+v", outcome)
	}
	if outcome.Token == "" {
		t.Fatal("expected a confirmation token")
	}
	if !strings.Contains(outcome.Summary, "acetaminophen") {
		t.Errorf("summary must name the substitute: %q", outcome.Summary)
	}

	if len(rec.terminals()) != 0 {
		t.Fatal("paused run must not publish a terminal event")
	}

	notifications := rec.ofType(order.EventNotificationSend)
	if len(notifications) != 1 {
		t.Fatalf("expected one confirmation request, got %d", len(notifications))
	}
	var payload order.NotificationSendPayload
	if err := json.Unmarshal(notifications[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.NotificationType != "confirmation_request" || payload.Priority != order.PriorityHigh {
		t.Errorf("unexpected notification: %+v", payload)
	}

	if pending, _ := gate.IsPending(context.Background(), octx.SessionID); !pending {
		t.Error("gate must hold a pending entry")
	}
}

func TestRunWithoutPhoneSkipsConfirmation(t *testing.T) {
	clients := happyClients()
	clients.inventory = partialInventory()
	pipe, rec, _ := newTestPipeline(clients)

	outcome, err := pipe.Run(context.Background(), newOrderContext(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Terminal != order.EventOrderCreated {
		t.Fatalf("runs without a callback channel must proceed: %+v", outcome)
	}
	if len(rec.terminals()) != 1 {
		t.Fatal("expected exactly one terminal event")
	}
}

func TestResumeYesCreatesOrder(t *testing.T) {
	clients := happyClients()
	clients.inventory = partialInventory()
	pipe, rec, _ := newTestPipeline(clients)

	octx := newOrderContext("+15550100")
	paused, err := pipe.Run(context.Background(), octx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	outcome, err := pipe.Resume(context.Background(), octx.SessionID, paused.Token, "yes")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if outcome.Terminal != order.EventOrderCreated {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	terminals := rec.terminals()
	if len(terminals) != 1 {
		t.Fatalf("run plus resume must publish exactly one terminal event, got %d", len(terminals))
	}

	// The gate entry is consumed; a replay publishes nothing further.
	if _, err := pipe.Resume(context.Background(), octx.SessionID, paused.Token, "yes"); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("replayed resume: got %v", err)
	}
	if len(rec.terminals()) != 1 {
		t.Error("replay must not publish another terminal event")
	}
}

func TestResumeNoRejects(t *testing.T) {
	clients := happyClients()
	clients.inventory = partialInventory()
	pipe, rec, _ := newTestPipeline(clients)

	octx := newOrderContext("+15550100")
	paused, err := pipe.Run(context.Background(), octx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	outcome, err := pipe.Resume(context.Background(), octx.SessionID, paused.Token, "no")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if outcome.Terminal != order.EventOrderRejected || outcome.Reason != order.ReasonConfirmationDeclined {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := rec.ofType(order.EventOrderCreated); len(got) != 0 {
		t.Error("declined confirmation must not create an order")
	}
}

func TestResumeWrongToken(t *testing.T) {
	clients := happyClients()
	clients.inventory = partialInventory()
	pipe, rec, _ := newTestPipeline(clients)

	octx := newOrderContext("+15550100")
	if _, err := pipe.Run(context.Background(), octx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := pipe.Resume(context.Background(), octx.SessionID, "wrong-token", "yes"); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("wrong token: got %v", err)
	}
	if len(rec.terminals()) != 0 {
		t.Error("failed resume must publish nothing")
	}
}

func TestCollaboratorFailurePublishesOrderFailed(t *testing.T) {
	clients := happyClients()
	clients.inventoryErr = &CollaboratorError{
		Stage: StateInventory,
		Kind:  order.FailureTimeout,
		Err:   context.DeadlineExceeded,
	}
	pipe, rec, _ := newTestPipeline(clients)

	_, err := pipe.Run(context.Background(), newOrderContext(""))
	var ce *CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if ce.Kind != order.FailureTimeout {
		t.Errorf("kind not preserved: %s", ce.Kind)
	}

	failed := rec.ofType(order.EventOrderFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one order.failed event, got %d", len(failed))
	}
	var payload order.OrderFailedPayload
	if err := json.Unmarshal(failed[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Kind != order.FailureTimeout {
		t.Errorf("payload kind wrong: %s", payload.Kind)
	}
	if len(rec.terminals()) != 1 {
		t.Fatal("failure path must publish exactly one terminal event")
	}
}

func TestUnexpectedErrorClassification(t *testing.T) {
	clients := happyClients()
	clients.fulfillmentErr = errors.New("nil map write")
	pipe, rec, _ := newTestPipeline(clients)

	_, err := pipe.Run(context.Background(), newOrderContext(""))
	var ce *CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if ce.Kind != order.FailureUnexpected {
		t.Errorf("plain errors classify as unexpected, got %s", ce.Kind)
	}

	failed := rec.ofType(order.EventOrderFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one order.failed event, got %d", len(failed))
	}
}
