package pricing

import "testing"

func testTable() Table {
	return Table{
		Models: map[string]ModelRate{
			"model-a": {InputPer1K: 1.0, OutputPer1K: 2.0},
			"model-b": {InputPer1K: 0.5, OutputPer1K: 1.0},
		},
		DefaultModel:        ModelRate{InputPer1K: 0.25, OutputPer1K: 0.5},
		MarkupPct:           0.25,
		PremiumTools:        map[string]float64{"web_search": 10},
		StandardToolCredits: 1,
		KBAccessCredits:     5,
		FixedFeeCredits:     10,
		CreditsPerUSD:       100,
	}
}

func TestRateFor_KnownModel(t *testing.T) {
	tbl := testTable()
	r := tbl.RateFor("model-a")
	if r.InputPer1K != 1.0 || r.OutputPer1K != 2.0 {
		t.Errorf("unexpected rate for model-a: %+v", r)
	}
}

func TestRateFor_UnknownModelFallsBack(t *testing.T) {
	tbl := testTable()
	r := tbl.RateFor("never-heard-of-it")
	if r != tbl.DefaultModel {
		t.Errorf("expected default rate, got %+v", r)
	}
}

func TestToolCredits(t *testing.T) {
	tbl := testTable()
	if got := tbl.ToolCredits("web_search"); got != 10 {
		t.Errorf("premium tool credits = %v, want 10", got)
	}
	if got := tbl.ToolCredits("calculator"); got != 1 {
		t.Errorf("standard tool credits = %v, want 1", got)
	}
}

func TestUSDCreditConversion(t *testing.T) {
	tbl := testTable()
	if got := tbl.USDToCredits(2.5); got != 250 {
		t.Errorf("USDToCredits(2.5) = %v, want 250", got)
	}
	if got := tbl.CreditsToUSD(250); got != 2.5 {
		t.Errorf("CreditsToUSD(250) = %v, want 2.5", got)
	}
}

func TestCreditsToUSD_ZeroRatio(t *testing.T) {
	tbl := Table{}
	if got := tbl.CreditsToUSD(100); got != 0 {
		t.Errorf("CreditsToUSD with zero ratio = %v, want 0", got)
	}
}

func TestDefaultTable(t *testing.T) {
	tbl := DefaultTable()
	if tbl.CreditsPerUSD != 100 {
		t.Errorf("default CreditsPerUSD = %v, want 100", tbl.CreditsPerUSD)
	}
	if len(tbl.Models) == 0 {
		t.Error("default table has no models")
	}
	if tbl.MarkupPct <= 0 {
		t.Error("default table has no markup")
	}
}
