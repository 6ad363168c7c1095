// Package order implements the per-session request context and domain events.
package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Decision is the validation verdict for a request.
type Decision string

const (
	DecisionApproved    Decision = "approved"
	DecisionNeedsReview Decision = "needs_review"
	DecisionRejected    Decision = "rejected"
)

// RiskLevel classifies the clinical risk of a request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ErrTerminal is returned when a stage attempts to mutate a context that
// already carries fulfillment outputs.
var ErrTerminal = errors.New("order context is terminal")

// LineItem is one requested medicine with dosage and quantity.
type LineItem struct {
	MedicineName string  `json:"medicine_name"`
	Dosage       string  `json:"dosage,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price,omitempty"`
}

// ValidationTrace is the verdict written by the validation stage.
type ValidationTrace struct {
	Decision     Decision `json:"decision"`
	SafetyIssues []string `json:"safety_issues,omitempty"`
}

// RiskTrace is the verdict written by the risk-scoring stage.
type RiskTrace struct {
	Level   RiskLevel `json:"level"`
	Score   float64   `json:"score"`
	Factors []string  `json:"factors,omitempty"`
}

// ItemAvailability is the inventory outcome for a single line item.
type ItemAvailability struct {
	MedicineName string `json:"medicine_name"`
	Available    bool   `json:"available"`
	InStock      int    `json:"in_stock"`
	Substitution string `json:"substitution,omitempty"`
}

// InventoryTrace is the verdict written by the inventory stage.
type InventoryTrace struct {
	AvailabilityScore float64            `json:"availability_score"`
	Items             []ItemAvailability `json:"items"`
}

// AvailableCount returns how many line items are fulfillable as requested
// or via substitution.
func (t *InventoryTrace) AvailableCount() int {
	n := 0
	for _, it := range t.Items {
		if it.Available || it.Substitution != "" {
			n++
		}
	}
	return n
}

// NeedsConfirmation reports whether the verdict contains substitutions or
// unavailable items that a patient should approve before an order is placed.
func (t *InventoryTrace) NeedsConfirmation() bool {
	for _, it := range t.Items {
		if it.Substitution != "" || !it.Available {
			return true
		}
	}
	return false
}

// Reservation is a stock hold made by the fulfillment collaborator.
type Reservation struct {
	MedicineName  string `json:"medicine_name"`
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id"`
}

// FulfillmentTrace records the outputs of the fulfillment stage. Once set,
// the context is terminal.
type FulfillmentTrace struct {
	OrderID      string        `json:"order_id"`
	OrderStatus  string        `json:"order_status"`
	TotalAmount  float64       `json:"total_amount"`
	Reservations []Reservation `json:"reservations,omitempty"`
}

// Context is the mutable record threaded through the pipeline. Each stage
// writes exactly one trace slot; no stage reads a slot before its owning
// stage has run.
type Context struct {
	SessionID            string            `json:"session_id"`
	UserID               string            `json:"user_id"`
	ChannelPhone         string            `json:"channel_phone,omitempty"`
	PrescriptionVerified bool              `json:"prescription_verified"`
	Items                []LineItem        `json:"items"`
	Validation           *ValidationTrace  `json:"validation,omitempty"`
	Risk                 *RiskTrace        `json:"risk,omitempty"`
	Inventory            *InventoryTrace   `json:"inventory,omitempty"`
	Fulfillment          *FulfillmentTrace `json:"fulfillment,omitempty"`
	Confirmed            bool              `json:"confirmed"`
	CreatedAt            time.Time         `json:"created_at"`
}

// NewContext creates a context for a fresh patient request.
func NewContext(userID, channelPhone string, items []LineItem) *Context {
	return &Context{
		SessionID:    uuid.New().String(),
		UserID:       userID,
		ChannelPhone: channelPhone,
		Items:        items,
		CreatedAt:    time.Now().UTC(),
	}
}

// Terminal reports whether fulfillment outputs have been recorded.
func (c *Context) Terminal() bool { return c.Fulfillment != nil }

// SetValidation records the validation verdict.
func (c *Context) SetValidation(t *ValidationTrace) error {
	if c.Terminal() {
		return ErrTerminal
	}
	c.Validation = t
	return nil
}

// SetRisk records the risk verdict. A critical risk level downgrades the
// validation decision to rejected; the pipeline never re-decides.
func (c *Context) SetRisk(t *RiskTrace) error {
	if c.Terminal() {
		return ErrTerminal
	}
	c.Risk = t
	if t.Level == RiskCritical && c.Validation != nil {
		c.Validation.Decision = DecisionRejected
	}
	return nil
}

// SetInventory records the inventory verdict.
func (c *Context) SetInventory(t *InventoryTrace) error {
	if c.Terminal() {
		return ErrTerminal
	}
	c.Inventory = t
	return nil
}

// SetFulfillment records fulfillment outputs and makes the context terminal.
func (c *Context) SetFulfillment(t *FulfillmentTrace) error {
	if c.Terminal() {
		return ErrTerminal
	}
	c.Fulfillment = t
	return nil
}

// Snapshot returns a deep copy suitable for freezing into the confirmation
// gate while the original continues to be garbage-collected.
func (c *Context) Snapshot() *Context {
	cp := *c
	cp.Items = append([]LineItem(nil), c.Items...)
	if c.Validation != nil {
		v := *c.Validation
		v.SafetyIssues = append([]string(nil), c.Validation.SafetyIssues...)
		cp.Validation = &v
	}
	if c.Risk != nil {
		r := *c.Risk
		r.Factors = append([]string(nil), c.Risk.Factors...)
		cp.Risk = &r
	}
	if c.Inventory != nil {
		inv := *c.Inventory
		inv.Items = append([]ItemAvailability(nil), c.Inventory.Items...)
		cp.Inventory = &inv
	}
	if c.Fulfillment != nil {
		f := *c.Fulfillment
		f.Reservations = append([]Reservation(nil), c.Fulfillment.Reservations...)
		cp.Fulfillment = &f
	}
	return &cp
}
