// Package collaborators provides the HTTP boundary to the external verdict
// services the pipeline consumes: validation, risk scoring, inventory and
// fulfillment. OCR, speech, catalog search and clinical reasoning live
// behind these services; the core only sees their structured verdicts.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/pipeline"
	"github.com/carebridge/go-apo/pkg/circuitbreaker"
)

// Config holds the endpoints of the four collaborator services.
type Config struct {
	ValidationURL  string
	RiskURL        string
	InventoryURL   string
	FulfillmentURL string
	Timeout        time.Duration
}

// DefaultConfig returns local-development endpoints.
func DefaultConfig() Config {
	return Config{
		ValidationURL:  "http://localhost:9101/validate",
		RiskURL:        "http://localhost:9102/score",
		InventoryURL:   "http://localhost:9103/check",
		FulfillmentURL: "http://localhost:9104/fulfill",
		Timeout:        15 * time.Second,
	}
}

// Clients bundles the four collaborator clients behind circuit breakers.
type Clients struct {
	Validation  pipeline.ValidationClient
	Risk        pipeline.RiskClient
	Inventory   pipeline.InventoryClient
	Fulfillment pipeline.FulfillmentClient
}

// NewClients builds HTTP clients sharing one transport and breaker manager.
func NewClients(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Clients, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	newCaller := func(name, url string, stage pipeline.State) (*caller, error) {
		cb, err := breakers.GetOrCreate(name, circuitbreaker.DefaultConfig(name))
		if err != nil {
			return nil, err
		}
		return &caller{name: name, url: url, stage: stage, http: httpClient, breaker: cb, logger: logger}, nil
	}

	validation, err := newCaller("validation", cfg.ValidationURL, pipeline.StateValidation)
	if err != nil {
		return nil, err
	}
	risk, err := newCaller("risk", cfg.RiskURL, pipeline.StateRiskScoring)
	if err != nil {
		return nil, err
	}
	inventory, err := newCaller("inventory", cfg.InventoryURL, pipeline.StateInventory)
	if err != nil {
		return nil, err
	}
	fulfillment, err := newCaller("fulfillment", cfg.FulfillmentURL, pipeline.StateFulfillment)
	if err != nil {
		return nil, err
	}

	return &Clients{
		Validation:  &validationClient{validation},
		Risk:        &riskClient{risk},
		Inventory:   &inventoryClient{inventory},
		Fulfillment: &fulfillmentClient{fulfillment},
	}, nil
}

// caller posts JSON to one collaborator endpoint through its breaker and
// classifies failures into the pipeline's error kinds.
type caller struct {
	name    string
	url     string
	stage   pipeline.State
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func (c *caller) post(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &pipeline.CollaboratorError{Stage: c.stage, Kind: order.FailureUnexpected, Err: err}
	}

	_, err = c.breaker.Execute(ctx, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return &pipeline.CollaboratorError{Stage: c.stage, Kind: classify(err), Err: err}
	}
	return nil
}

func classify(err error) order.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return order.FailureTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return order.FailureTimeout
	}
	return order.FailureInfrastructure
}

type validationRequest struct {
	Items                []order.LineItem `json:"items"`
	PrescriptionVerified bool             `json:"prescription_verified"`
}

type validationClient struct{ *caller }

func (c *validationClient) Validate(ctx context.Context, items []order.LineItem, prescriptionVerified bool) (*order.ValidationTrace, error) {
	var verdict order.ValidationTrace
	err := c.post(ctx, &validationRequest{Items: items, PrescriptionVerified: prescriptionVerified}, &verdict)
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

type riskClient struct{ *caller }

func (c *riskClient) Score(ctx context.Context, octx *order.Context) (*order.RiskTrace, error) {
	var verdict order.RiskTrace
	if err := c.post(ctx, octx, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

type inventoryRequest struct {
	Items []order.LineItem `json:"items"`
}

type inventoryClient struct{ *caller }

func (c *inventoryClient) Check(ctx context.Context, items []order.LineItem) (*order.InventoryTrace, error) {
	var verdict order.InventoryTrace
	if err := c.post(ctx, &inventoryRequest{Items: items}, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

type fulfillmentClient struct{ *caller }

func (c *fulfillmentClient) Fulfill(ctx context.Context, octx *order.Context) (*order.FulfillmentTrace, error) {
	var result order.FulfillmentTrace
	if err := c.post(ctx, octx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
