package lending

import (
	"fmt"
	"time"
)

// DaysLate counts whole days between due and returned. Early or on-time
// returns, and anything less than a full day late, count as zero.
func DaysLate(due, returned time.Time) int64 {
	if !returned.After(due) {
		return 0
	}
	return int64(returned.Sub(due) / day)
}

// LateFee applies the fee law: min(daysLate * perDay, cap).
func (p Policy) LateFee(due, returned time.Time) int64 {
	fee := DaysLate(due, returned) * p.FeePerDay
	if fee > p.FeeCap {
		return p.FeeCap
	}
	return fee
}

// EstimateFee is the fee the loan would owe if it came back at asOf.
// Loans without a due date owe nothing.
func (p Policy) EstimateFee(l Loan, asOf time.Time) int64 {
	if l.DueDate == nil {
		return 0
	}
	return p.LateFee(*l.DueDate, asOf)
}

// FormatFee renders a minor-unit amount in major units with the policy
// currency, e.g. 250 -> "2.50 EUR".
func (p Policy) FormatFee(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	s := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	if p.Currency == "" {
		return s
	}
	return s + " " + p.Currency
}
