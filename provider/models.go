package provider

import "time"

// Profile is a provider account as seen by the access ledger and the
// commission engine.
type Profile struct {
	ID                string
	UserID            string
	DisplayName       string
	CreditBalance     int
	SubscriptionSlots int
	SuspendedAt       *time.Time
	SuspensionReason  *string
	CreatedAt         time.Time
}

// Suspended reports whether the provider is barred from obtaining new access.
func (p Profile) Suspended() bool {
	return p.SuspendedAt != nil
}

// TxKind classifies a credit_transactions row.
type TxKind string

const (
	TxConsume    TxKind = "CONSUME"
	TxReversal   TxKind = "REVERSAL"
	TxAllocation TxKind = "ALLOCATION"
	TxSlotRedeem TxKind = "SLOT_REDEEM"
)

// CreditTransaction is one entry of a provider's credit log.
type CreditTransaction struct {
	ID           int64
	ProviderID   string
	Kind         TxKind
	Delta        int
	BalanceAfter int
	JobID        *string
	Note         *string
	CreatedAt    time.Time
}
