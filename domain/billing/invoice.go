package billing

import "time"

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// Invoice represents a billing invoice for one completed period
// (value type). It is generated when a period closes carrying billable
// overage: amount = plan base price + overage cost.
type Invoice struct {
	ID          string
	AccountID   string
	PeriodID    string
	ProviderID  string // external ID assigned by the payment platform
	Items       []InvoiceItem
	SubtotalUSD float64
	TotalUSD    float64
	Status      InvoiceStatus
	PaidAt      *time.Time
	CreatedAt   time.Time
}

// InvoiceItem represents a line item on an invoice (value type).
type InvoiceItem struct {
	Description string
	Quantity    int64
	UnitUSD     float64
	AmountUSD   float64
}

// BuildOverageInvoice assembles the invoice for a closing period: the plan's
// base price plus the period's accumulated overage at the plan rate.
// This is a PURE function.
func BuildOverageInvoice(accountID string, period Period, planName string, planPriceUSD, overageRateUSD float64) Invoice {
	items := []InvoiceItem{
		{
			Description: planName + " - monthly subscription",
			Quantity:    1,
			UnitUSD:     planPriceUSD,
			AmountUSD:   planPriceUSD,
		},
	}
	subtotal := planPriceUSD

	overageCredits := int64(period.OverageUnits())
	if overageCredits > 0 {
		amount := OverageCost(period.QuotaRemaining, overageRateUSD)
		items = append(items, InvoiceItem{
			Description: "usage overage (" + formatNumber(overageCredits) + " credits)",
			Quantity:    overageCredits,
			UnitUSD:     overageRateUSD,
			AmountUSD:   amount,
		})
		subtotal += amount
	}

	return Invoice{
		AccountID:   accountID,
		PeriodID:    period.ID,
		Items:       items,
		SubtotalUSD: subtotal,
		TotalUSD:    subtotal, // no tax calculation
		Status:      InvoiceStatusPending,
		CreatedAt:   period.EndDate,
	}
}

// formatNumber adds comma separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return itoa(n)
	}
	return formatNumber(n/1000) + "," + padThree(n%1000)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func padThree(n int64) string {
	s := itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
