package lending

import (
	"fmt"
	"time"
)

// Policy holds the lending rules. Fees are in minor units.
type Policy struct {
	LoanPeriod    time.Duration `yaml:"loan_period"`
	RenewalPeriod time.Duration `yaml:"renewal_period"`
	MaxRenewals   int           `yaml:"max_renewals"`
	FeePerDay     int64         `yaml:"fee_per_day"`
	FeeCap        int64         `yaml:"fee_cap"`
	HoldWindow    time.Duration `yaml:"hold_window"`
	DueSoonWindow time.Duration `yaml:"due_soon_window"`
	Currency      string        `yaml:"currency"`
}

const day = 24 * time.Hour

// DefaultPolicy: 15 day loans, two renewals, 1.00 per late day capped at 30.00,
// 48h holds, reminders 3 days ahead.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:    15 * day,
		RenewalPeriod: 15 * day,
		MaxRenewals:   2,
		FeePerDay:     100,
		FeeCap:        3000,
		HoldWindow:    48 * time.Hour,
		DueSoonWindow: 3 * day,
		Currency:      "EUR",
	}
}

// Validate rejects policies that would break the fee law or the queue.
func (p Policy) Validate() error {
	switch {
	case p.LoanPeriod <= 0:
		return fmt.Errorf("%w: loan period must be positive", ErrInvalidInput)
	case p.RenewalPeriod <= 0:
		return fmt.Errorf("%w: renewal period must be positive", ErrInvalidInput)
	case p.MaxRenewals < 0:
		return fmt.Errorf("%w: max renewals must not be negative", ErrInvalidInput)
	case p.FeePerDay < 0 || p.FeeCap < 0:
		return fmt.Errorf("%w: fees must not be negative", ErrInvalidInput)
	case p.HoldWindow <= 0:
		return fmt.Errorf("%w: hold window must be positive", ErrInvalidInput)
	case p.DueSoonWindow <= 0:
		return fmt.Errorf("%w: due-soon window must be positive", ErrInvalidInput)
	}
	return nil
}
