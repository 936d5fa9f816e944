package ledger

import "time"

// Method is how a provider obtained access to a job.
type Method string

const (
	MethodPaidLead         Method = "PAID_LEAD"
	MethodCredit           Method = "CREDIT"
	MethodSubscriptionSlot Method = "SUBSCRIPTION_SLOT"
)

func (m Method) Valid() bool {
	switch m {
	case MethodPaidLead, MethodCredit, MethodSubscriptionSlot:
		return true
	}
	return false
}

// Grant mirrors one access_grants row. Grants are never deleted.
type Grant struct {
	JobID          string
	ProviderID     string
	Method         Method
	CreditConsumed bool
	ClaimedWin     bool
	ClaimedAt      *time.Time
	GrantedAt      time.Time
	PaymentRef     *string
	ReversedAt     *time.Time
	ReversalReason *string
}

// Reversed reports whether the consumed credit has been refunded.
func (g Grant) Reversed() bool {
	return g.ReversedAt != nil
}

// JobRef is the slice of a job the ledger needs to guard its operations.
type JobRef struct {
	ID                 string
	RequesterID        string
	Status             string
	AssignedProviderID *string
}

// GrantParams describes a grant request after the external payment or credit
// subsystem has approved it.
type GrantParams struct {
	JobID      string
	ProviderID string
	Method     Method
	PaymentRef string
}
