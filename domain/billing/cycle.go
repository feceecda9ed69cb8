package billing

import "time"

// ClampAnchorDay restricts a billing anchor day to 1-28 so every month of
// the year contains the anchor. Out-of-range values clamp rather than error.
func ClampAnchorDay(day int) int {
	if day < 1 {
		return 1
	}
	if day > 28 {
		return 28
	}
	return day
}

// CycleBounds computes the [start, end) of the billing month containing now,
// anchored to the account's billing day. If the anchor in the current
// calendar month lies after now, the cycle started last month.
// This is a PURE function.
func CycleBounds(now time.Time, anchorDay int) (start, end time.Time) {
	day := ClampAnchorDay(anchorDay)
	start = time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location())
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	end = start.AddDate(0, 1, 0)
	return start, end
}

// NextBounds computes the cycle following a period that ended at prevEnd.
// Periods are contiguous: the new start is exactly the old end.
// This is a PURE function.
func NextBounds(prevEnd time.Time) (start, end time.Time) {
	return prevEnd, prevEnd.AddDate(0, 1, 0)
}

// ProratedQuota computes the partial-period grant applied at plan change:
// the new plan's monthly quota scaled by the fraction of the closed period
// that remains. Degenerate inputs yield zero.
// This is a PURE function.
func ProratedQuota(monthlyQuota float64, remainingDays, totalDays int) float64 {
	if monthlyQuota <= 0 || remainingDays <= 0 || totalDays <= 0 {
		return 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}
	return monthlyQuota * float64(remainingDays) / float64(totalDays)
}

// DaysBetween returns the number of whole days from a to b, rounding up so
// a partially elapsed day still counts. Negative spans return zero.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// RolloverAmount returns the credits carried into the next period when a
// period closes. Plans without rollover always carry zero, regardless of
// unused balance.
// This is a PURE function.
func RolloverAmount(allowsRollover bool, quotaRemaining float64) float64 {
	if !allowsRollover || quotaRemaining <= 0 {
		return 0
	}
	return quotaRemaining
}

// OverageCost returns the USD cost of credits consumed beyond the grant.
// A non-negative remaining balance costs nothing.
// This is a PURE function.
func OverageCost(quotaRemaining, overageRateUSD float64) float64 {
	if quotaRemaining >= 0 {
		return 0
	}
	return -quotaRemaining * overageRateUSD
}
