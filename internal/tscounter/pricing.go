package tscounter

import (
	"fmt"
	"sync"

	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// Price is a model's per-million-token pricing, mirroring the $/1K-token
// tables in the teacher's middleware.BudgetMiddleware.ModelPricing but
// expressed per spec §4.1 as (modelId, inputTokens, outputTokens) -> $.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPricing is the static built-in table. Values are illustrative
// list prices for well-known models; callers extend it at construction
// time via Estimator.Register for models not listed here (e.g. custom
// deployments), generalizing the teacher's ModelInstance.InputCostPerToken
// / OutputCostPerToken config fields into one place.
var defaultPricing = map[string]Price{
	"gpt-4o":              {InputPerMillion: 5.00, OutputPerMillion: 15.00},
	"gpt-4o-mini":         {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4-turbo":         {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"gpt-4":               {InputPerMillion: 30.00, OutputPerMillion: 60.00},
	"gpt-3.5-turbo":       {InputPerMillion: 0.50, OutputPerMillion: 1.50},
	"claude-3-opus":       {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-3-sonnet":     {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-haiku":      {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	"claude-3-5-sonnet":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"gemini-1.5-pro":      {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-1.5-flash":    {InputPerMillion: 0.075, OutputPerMillion: 0.30},
}

// Estimator maps (modelId, inputTokens, outputTokens) to dollars.
type Estimator struct {
	mu      sync.RWMutex
	pricing map[string]Price
}

func NewEstimator() *Estimator {
	e := &Estimator{pricing: make(map[string]Price, len(defaultPricing))}
	for k, v := range defaultPricing {
		e.pricing[k] = v
	}
	return e
}

// Register adds or overrides pricing for a model id, e.g. for a custom
// deployment or fine-tune not in the built-in table.
func (e *Estimator) Register(modelID string, price Price) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pricing[modelID] = price
}

// Estimate returns the dollar cost of inputTokens+outputTokens against
// modelID's pricing. Unknown model ids fail with ErrUnknownModel.
func (e *Estimator) Estimate(modelID string, inputTokens, outputTokens int) (float64, error) {
	e.mu.RLock()
	price, ok := e.pricing[modelID]
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", tstypes.ErrUnknownModel, modelID)
	}
	cost := float64(inputTokens)/1e6*price.InputPerMillion + float64(outputTokens)/1e6*price.OutputPerMillion
	return cost, nil
}

// Known reports whether modelID has a pricing entry.
func (e *Estimator) Known(modelID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.pricing[modelID]
	return ok
}

// Price returns the raw per-million pricing for a model, if known.
func (e *Estimator) Price(modelID string) (Price, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pricing[modelID]
	return p, ok
}
