package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	// TaxRate is applied on top of the commission amount.
	TaxRate = decimal.RequireFromString("0.20")
)

// ReminderThresholds are the lead times before due_at at which a provider is
// reminded, largest first. Reminders start inside ReminderHorizon.
var ReminderThresholds = []time.Duration{
	36 * time.Hour,
	24 * time.Hour,
	12 * time.Hour,
	6 * time.Hour,
	2 * time.Hour,
}

const ReminderHorizon = 48 * time.Hour

// Compute derives the charge for finalAmount at rate percent. Amounts are
// rounded to cents.
func Compute(finalAmount, rate decimal.Decimal) (Breakdown, error) {
	if !finalAmount.IsPositive() {
		return Breakdown{}, badInput("final amount must be greater than zero")
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return Breakdown{}, badInput("rate %s outside [0, 100]", rate)
	}
	commission := finalAmount.Mul(rate).Div(hundred).Round(2)
	tax := commission.Mul(TaxRate).Round(2)
	return Breakdown{
		FinalAmount:      finalAmount,
		Rate:             rate,
		CommissionAmount: commission,
		TaxAmount:        tax,
		TotalDue:         commission.Add(tax),
	}, nil
}

// remindersDue counts the thresholds remaining has already crossed.
func remindersDue(remaining time.Duration) int {
	n := 0
	for _, t := range ReminderThresholds {
		if remaining <= t {
			n++
		}
	}
	return n
}
