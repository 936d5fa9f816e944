package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusOverdue Status = "OVERDUE"
	StatusWaived  Status = "WAIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue, StatusWaived:
		return true
	}
	return false
}

// Open reports whether the record still expects a payment.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusOverdue
}

// Record mirrors a commission_records row. There is at most one per job.
type Record struct {
	ID               string
	JobID            string
	ProviderID       string
	RequesterID      string
	FinalAmount      decimal.Decimal
	Rate             decimal.Decimal
	CommissionAmount decimal.Decimal
	TaxAmount        decimal.Decimal
	TotalDue         decimal.Decimal
	Status           Status
	DueAt            time.Time
	PaidAt           *time.Time
	PaymentRef       *string
	WaivedAt         *time.Time
	WaiveReason      *string
	RemindersSent    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Breakdown is the arithmetic of a single commission charge.
type Breakdown struct {
	FinalAmount      decimal.Decimal
	Rate             decimal.Decimal
	CommissionAmount decimal.Decimal
	TaxAmount        decimal.Decimal
	TotalDue         decimal.Decimal
}

type Filters struct {
	ProviderID string
	Status     Status
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

type ListResult struct {
	Items []Record
	Total int
}

// Payment is a confirmed settlement reported by the payment gateway.
type Payment struct {
	CommissionID string
	Reference    string
	Amount       decimal.Decimal
	PaidAt       time.Time
}

// SweepReport summarises one reminder/overdue pass.
type SweepReport struct {
	Scanned  int
	Reminded int
	Overdue  int
	Skipped  int
	Failed   int
}
