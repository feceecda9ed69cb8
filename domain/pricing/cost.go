package pricing

import "github.com/artpar/runmeter/domain/usage"

// Breakdown is the finalized cost of one run, in credits (value type).
type Breakdown struct {
	FixedCost float64
	LLMCost   float64
	ToolsCost float64
	KBCost    float64
	AppMargin float64
	TotalCost float64
}

// USD converts the breakdown total to USD using the table's ratio.
func (b Breakdown) USD(t Table) float64 {
	return t.CreditsToUSD(b.TotalCost)
}

// LLMCost prices a list of token entries, in credits.
// Malformed entries (negative token counts) contribute zero.
// This is a PURE function.
func LLMCost(entries []usage.TokenUsage, t Table) float64 {
	var usd float64
	for _, e := range entries {
		in, out := e.InputTokens, e.OutputTokens
		if in < 0 {
			in = 0
		}
		if out < 0 {
			out = 0
		}
		r := t.RateFor(e.Model)
		usd += float64(in)/1000*r.InputPer1K + float64(out)/1000*r.OutputPer1K
	}
	return t.USDToCredits(usd * (1 + t.MarkupPct))
}

// ToolCost prices tool invocations, in credits. Premium tools charge their
// listed rate, everything else the standard per-use rate.
// This is a PURE function.
func ToolCost(entries []usage.ToolUsage, t Table) float64 {
	var credits float64
	for _, e := range entries {
		if e.Count <= 0 {
			continue
		}
		credits += t.ToolCredits(e.Name) * float64(e.Count)
	}
	return credits
}

// KBCost prices knowledge-base accesses at the flat per-access rate,
// in credits. This is a PURE function.
func KBCost(entries []usage.KBUsage, t Table) float64 {
	var total int64
	for _, e := range entries {
		if e.Accesses > 0 {
			total += e.Accesses
		}
	}
	return t.KBAccessCredits * float64(total)
}

// Calculate prices a full usage set. Deterministic, no side effects, no
// failure modes: malformed input degrades to zero cost.
// This is a PURE function.
func Calculate(set usage.Set, t Table) Breakdown {
	llm := LLMCost(set.Tokens, t)
	tools := ToolCost(set.Tools, t)
	kb := KBCost(set.KBs, t)

	// AppMargin is the markup share already folded into LLMCost, reported
	// separately for invoicing transparency.
	var margin float64
	if t.MarkupPct > 0 {
		margin = llm - llm/(1+t.MarkupPct)
	}

	return Breakdown{
		FixedCost: t.FixedFeeCredits,
		LLMCost:   llm,
		ToolsCost: tools,
		KBCost:    kb,
		AppMargin: margin,
		TotalCost: t.FixedFeeCredits + llm + tools + kb,
	}
}
