package billing_test

import (
	"testing"
	"time"

	"github.com/artpar/runmeter/domain/billing"
)

func TestClampAnchorDay(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{15, 15},
		{28, 28},
		{29, 28},
		{31, 28},
	}

	for _, tt := range tests {
		if got := billing.ClampAnchorDay(tt.in); got != tt.want {
			t.Errorf("ClampAnchorDay(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCycleBounds_AnchorBeforeNow(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

	start, end := billing.CycleBounds(now, 15)

	wantStart := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestCycleBounds_AnchorAfterNow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	start, end := billing.CycleBounds(now, 15)

	wantStart := time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestCycleBounds_ClampsHighAnchor(t *testing.T) {
	// Anchor 31 clamps to 28, so February still contains it.
	now := time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC)

	start, _ := billing.CycleBounds(now, 31)

	wantStart := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
}

func TestNextBounds_Contiguous(t *testing.T) {
	prevEnd := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)

	start, end := billing.NextBounds(prevEnd)

	if !start.Equal(prevEnd) {
		t.Errorf("start = %v, want %v", start, prevEnd)
	}
	wantEnd := time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestProratedQuota(t *testing.T) {
	tests := []struct {
		name      string
		quota     float64
		remaining int
		total     int
		want      float64
	}{
		{"ten of thirty days", 12000, 10, 30, 4000},
		{"full period", 12000, 30, 30, 12000},
		{"remaining exceeds total", 12000, 40, 30, 12000},
		{"zero remaining", 12000, 0, 30, 0},
		{"negative remaining", 12000, -3, 30, 0},
		{"zero quota", 0, 10, 30, 0},
		{"zero total", 12000, 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.ProratedQuota(tt.quota, tt.remaining, tt.total)
			if got != tt.want {
				t.Errorf("ProratedQuota = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDaysBetween(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"whole days", base, base.AddDate(0, 0, 10), 10},
		{"partial day rounds up", base, base.Add(36 * time.Hour), 2},
		{"same instant", base, base, 0},
		{"negative span", base.AddDate(0, 0, 5), base, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := billing.DaysBetween(tt.a, tt.b); got != tt.want {
				t.Errorf("DaysBetween = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRolloverAmount(t *testing.T) {
	if got := billing.RolloverAmount(true, 3000); got != 3000 {
		t.Errorf("RolloverAmount(true, 3000) = %v, want 3000", got)
	}
	if got := billing.RolloverAmount(false, 3000); got != 0 {
		t.Errorf("RolloverAmount(false, 3000) = %v, want 0", got)
	}
	if got := billing.RolloverAmount(true, -500); got != 0 {
		t.Errorf("RolloverAmount(true, -500) = %v, want 0", got)
	}
	if got := billing.RolloverAmount(true, 0); got != 0 {
		t.Errorf("RolloverAmount(true, 0) = %v, want 0", got)
	}
}

func TestOverageCost(t *testing.T) {
	if got := billing.OverageCost(-500, 0.012); got != 6.0 {
		t.Errorf("OverageCost(-500, 0.012) = %v, want 6.0", got)
	}
	if got := billing.OverageCost(100, 0.012); got != 0 {
		t.Errorf("OverageCost(100, 0.012) = %v, want 0", got)
	}
	if got := billing.OverageCost(0, 0.012); got != 0 {
		t.Errorf("OverageCost(0, 0.012) = %v, want 0", got)
	}
}
