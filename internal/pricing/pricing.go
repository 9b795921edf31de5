// Package pricing estimates request cost from a static per-model price table.
// Prices are USD per 1000 tokens. The table is an estimate for quota and
// billing-audit purposes, not an invoice.
package pricing

// Price is the per-1K-token rate pair for one model.
type Price struct {
	InputPerK  float64
	OutputPerK float64
}

// fallback is applied to models missing from the table so unknown models
// still accrue nonzero spend rather than free usage.
var fallback = Price{InputPerK: 0.002, OutputPerK: 0.008}

// prices is keyed by "provider/model".
var prices = map[string]Price{
	"openai/gpt-4o":       {InputPerK: 0.0025, OutputPerK: 0.01},
	"openai/gpt-4o-mini":  {InputPerK: 0.00015, OutputPerK: 0.0006},
	"openai/gpt-4.1":      {InputPerK: 0.002, OutputPerK: 0.008},
	"openai/gpt-4.1-mini": {InputPerK: 0.0004, OutputPerK: 0.0016},

	"anthropic/claude-opus-4-6":   {InputPerK: 0.015, OutputPerK: 0.075},
	"anthropic/claude-sonnet-4-6": {InputPerK: 0.003, OutputPerK: 0.015},
	"anthropic/claude-haiku-4-5":  {InputPerK: 0.0008, OutputPerK: 0.004},
}

// Lookup returns the price for (provider, model), falling back to the
// documented default rate for unknown models.
func Lookup(provider, model string) Price {
	if p, ok := prices[provider+"/"+model]; ok {
		return p
	}
	return fallback
}

// Estimate computes the cost estimate in USD for a completed request.
func Estimate(provider, model string, inputTokens, outputTokens int) float64 {
	p := Lookup(provider, model)
	return float64(inputTokens)/1000*p.InputPerK + float64(outputTokens)/1000*p.OutputPerK
}
