// Package pricing provides the static rate tables and pure cost functions
// that convert raw resource consumption into credits and USD.
package pricing

// ModelRate is the USD price of a single model, per 1K tokens.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table holds every rate needed to price a run. It is a value type:
// callers receive a copy and the engine never mutates one after load.
type Table struct {
	// Models maps a model name to its token rates. Lookups for names not
	// present fall back to DefaultModel.
	Models       map[string]ModelRate
	DefaultModel ModelRate

	// MarkupPct is applied on top of raw LLM cost (0.20 = 20%).
	MarkupPct float64

	// PremiumTools maps a tool name to a fixed per-invocation credit cost.
	// Tools not listed charge StandardToolCredits per invocation.
	PremiumTools        map[string]float64
	StandardToolCredits float64

	// KBAccessCredits is the flat credit cost of one knowledge-base access.
	KBAccessCredits float64

	// FixedFeeCredits is the flat platform fee applied once per run.
	FixedFeeCredits float64

	// CreditsPerUSD converts USD amounts into credits.
	CreditsPerUSD float64
}

// RateFor returns the rate for a model, falling back to the default table
// entry for unknown names. Unknown models are never an error.
func (t Table) RateFor(model string) ModelRate {
	if r, ok := t.Models[model]; ok {
		return r
	}
	return t.DefaultModel
}

// ToolCredits returns the per-invocation credit cost for a tool.
func (t Table) ToolCredits(name string) float64 {
	if c, ok := t.PremiumTools[name]; ok {
		return c
	}
	return t.StandardToolCredits
}

// USDToCredits converts a USD amount to credits using the table's ratio.
func (t Table) USDToCredits(usd float64) float64 {
	return usd * t.CreditsPerUSD
}

// CreditsToUSD converts credits to USD using the table's ratio.
func (t Table) CreditsToUSD(credits float64) float64 {
	if t.CreditsPerUSD == 0 {
		return 0
	}
	return credits / t.CreditsPerUSD
}

// DefaultTable returns the built-in rate table. Deployments override it
// from configuration; the values here keep tests and dev mode sensible.
func DefaultTable() Table {
	return Table{
		Models: map[string]ModelRate{
			"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"claude-sonnet":    {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-haiku":     {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		},
		DefaultModel: ModelRate{InputPer1K: 0.001, OutputPer1K: 0.002},
		MarkupPct:    0.20,
		PremiumTools: map[string]float64{
			"web_search":     10,
			"code_executor":  15,
			"image_generate": 25,
		},
		StandardToolCredits: 1,
		KBAccessCredits:     5,
		FixedFeeCredits:     10,
		CreditsPerUSD:       100,
	}
}
