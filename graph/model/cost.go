package model

import (
	"sync"
	"time"
)

// ModelPricing is the price of a model in USD per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing covers the default models of the bundled adapters.
// Unknown models are tracked with zero cost.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":                    {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":               {InputPer1M: 0.40, OutputPer1M: 1.60},
	"claude-3-5-haiku-latest":    {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-20250514":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// LLMCall records one completion call.
type LLMCall struct {
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// CostTracker accumulates token usage and cost of completion calls.
//
// It is safe for concurrent use. A ScopedCompleter records every successful
// call into its tracker.
//
// Example:
//
//	costs := model.NewCostTracker()
//	completer := model.NewScopedCompleter(m, "gpt-4o", registry, model.WithCostTracker(costs))
//	...
//	fmt.Printf("spent $%.4f\n", costs.TotalCost())
type CostTracker struct {
	mu sync.RWMutex

	pricing      map[string]ModelPricing
	calls        []LLMCall
	callLimit    int
	callCount    int64
	totalCost    float64
	modelCosts   map[string]float64
	inputTokens  int64
	outputTokens int64
	now          func() time.Time
}

// DefaultCallHistory is the number of recent calls a CostTracker keeps.
// Totals cover every call regardless.
const DefaultCallHistory = 1000

// NewCostTracker creates a tracker using the built-in pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for k, v := range defaultModelPricing {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:    pricing,
		callLimit:  DefaultCallHistory,
		modelCosts: make(map[string]float64),
		now:        time.Now,
	}
}

// Record adds one call and returns its cost.
func (ct *CostTracker) Record(model, purpose string, usage Usage) float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	pricing := ct.pricing[model]
	cost := float64(usage.InputTokens)/1_000_000.0*pricing.InputPer1M +
		float64(usage.OutputTokens)/1_000_000.0*pricing.OutputPer1M

	if len(ct.calls) >= ct.callLimit {
		n := copy(ct.calls, ct.calls[len(ct.calls)-ct.callLimit+1:])
		ct.calls = ct.calls[:n]
	}
	ct.callCount++
	ct.calls = append(ct.calls, LLMCall{
		Model:        model,
		Purpose:      purpose,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Timestamp:    ct.now(),
	})
	ct.totalCost += cost
	ct.modelCosts[model] += cost
	ct.inputTokens += int64(usage.InputTokens)
	ct.outputTokens += int64(usage.OutputTokens)
	return cost
}

// TotalCost returns the accumulated cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// CostByModel returns the accumulated cost per model.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	costs := make(map[string]float64, len(ct.modelCosts))
	for m, c := range ct.modelCosts {
		costs[m] = c
	}
	return costs
}

// SetHistoryLimit sets how many recent calls Calls returns. n must be
// positive.
func (ct *CostTracker) SetHistoryLimit(n int) {
	if n < 1 {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.callLimit = n
	if len(ct.calls) > n {
		ct.calls = append([]LLMCall(nil), ct.calls[len(ct.calls)-n:]...)
	}
}

// CallCount returns the number of calls recorded since creation or Reset.
func (ct *CostTracker) CallCount() int64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.callCount
}

// Calls returns a copy of the most recent calls, oldest first.
func (ct *CostTracker) Calls() []LLMCall {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	calls := make([]LLMCall, len(ct.calls))
	copy(calls, ct.calls)
	return calls
}

// TokenUsage returns the total input and output tokens.
func (ct *CostTracker) TokenUsage() (inputTokens, outputTokens int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// SetPricing overrides the price of a model.
func (ct *CostTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Reset clears all recorded calls. Pricing is kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.calls = nil
	ct.callCount = 0
	ct.totalCost = 0
	ct.modelCosts = make(map[string]float64)
	ct.inputTokens = 0
	ct.outputTokens = 0
}
