package pipeline

import (
	"context"
	"fmt"

	"github.com/carebridge/go-apo/internal/domain/order"
)

// ValidationClient returns the safety verdict for a set of line items.
type ValidationClient interface {
	Validate(ctx context.Context, items []order.LineItem, prescriptionVerified bool) (*order.ValidationTrace, error)
}

// RiskClient scores the clinical risk of a request. A critical level implies
// the verdict has already been downgraded to rejected.
type RiskClient interface {
	Score(ctx context.Context, octx *order.Context) (*order.RiskTrace, error)
}

// InventoryClient checks availability and substitutions for line items.
type InventoryClient interface {
	Check(ctx context.Context, items []order.LineItem) (*order.InventoryTrace, error)
}

// FulfillmentClient creates the pharmacy order.
type FulfillmentClient interface {
	Fulfill(ctx context.Context, octx *order.Context) (*order.FulfillmentTrace, error)
}

// CollaboratorError is the distinct failure class surfaced to the pipeline's
// caller when a collaborator call itself fails. The API boundary uses Kind
// for the retryable-vs-not distinction.
type CollaboratorError struct {
	Stage State
	Kind  order.FailureKind
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
