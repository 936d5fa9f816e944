package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/commission"
	"jobmarket/dispute"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/provider"
)

// Wire representations. Domain types carry no JSON tags.

type jobResponse struct {
	ID                  string           `json:"id"`
	RequesterID         string           `json:"requester_id"`
	Title               string           `json:"title"`
	Description         string           `json:"description"`
	Status              job.Status       `json:"status"`
	AssignedProviderID  *string          `json:"assigned_provider_id,omitempty"`
	Budget              *decimal.Decimal `json:"budget,omitempty"`
	ProposedFinalAmount *decimal.Decimal `json:"proposed_final_amount,omitempty"`
	FinalAmount         *decimal.Decimal `json:"final_amount,omitempty"`
	NegotiationDeadline *string          `json:"negotiation_deadline,omitempty"`
	CommissionSettled   bool             `json:"commission_settled"`
	StartedAt           *string          `json:"started_at,omitempty"`
	CompletedAt         *string          `json:"completed_at,omitempty"`
	CreatedAt           string           `json:"created_at"`
	UpdatedAt           string           `json:"updated_at"`
}

func toJobResponse(j job.Job) jobResponse {
	return jobResponse{
		ID:                  j.ID,
		RequesterID:         j.RequesterID,
		Title:               j.Title,
		Description:         j.Description,
		Status:              j.Status,
		AssignedProviderID:  j.AssignedProviderID,
		Budget:              j.Budget,
		ProposedFinalAmount: j.ProposedFinalAmount,
		FinalAmount:         j.FinalAmount,
		NegotiationDeadline: formatTimePtr(j.NegotiationDeadline),
		CommissionSettled:   j.CommissionSettled,
		StartedAt:           formatTimePtr(j.StartedAt),
		CompletedAt:         formatTimePtr(j.CompletedAt),
		CreatedAt:           formatTime(j.CreatedAt),
		UpdatedAt:           formatTime(j.UpdatedAt),
	}
}

type eventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func toEventResponses(events []job.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:        e.ID,
			Type:      e.Type,
			ActorID:   e.ActorID,
			ActorRole: e.ActorRole,
			Payload:   e.Payload,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	return out
}

type grantResponse struct {
	JobID          string        `json:"job_id"`
	ProviderID     string        `json:"provider_id"`
	Method         ledger.Method `json:"method"`
	CreditConsumed bool          `json:"credit_consumed"`
	ClaimedWin     bool          `json:"claimed_win"`
	ClaimedAt      *string       `json:"claimed_at,omitempty"`
	GrantedAt      string        `json:"granted_at"`
	ReversedAt     *string       `json:"reversed_at,omitempty"`
	ReversalReason *string       `json:"reversal_reason,omitempty"`
}

func toGrantResponse(g ledger.Grant) grantResponse {
	return grantResponse{
		JobID:          g.JobID,
		ProviderID:     g.ProviderID,
		Method:         g.Method,
		CreditConsumed: g.CreditConsumed,
		ClaimedWin:     g.ClaimedWin,
		ClaimedAt:      formatTimePtr(g.ClaimedAt),
		GrantedAt:      formatTime(g.GrantedAt),
		ReversedAt:     formatTimePtr(g.ReversedAt),
		ReversalReason: g.ReversalReason,
	}
}

type disputeResponse struct {
	ID              string              `json:"id"`
	JobID           string              `json:"job_id"`
	RaisedBy        string              `json:"raised_by"`
	RaisedByRole    string              `json:"raised_by_role"`
	Details         string              `json:"details"`
	Status          dispute.Status      `json:"status"`
	Resolution      *dispute.Resolution `json:"resolution,omitempty"`
	ResolutionNotes *string             `json:"resolution_notes,omitempty"`
	ResolvedBy      *string             `json:"resolved_by,omitempty"`
	CreditReversed  bool                `json:"credit_reversed"`
	CreatedAt       string              `json:"created_at"`
	ResolvedAt      *string             `json:"resolved_at,omitempty"`
}

func toDisputeResponse(r dispute.Record) disputeResponse {
	return disputeResponse{
		ID:              r.ID,
		JobID:           r.JobID,
		RaisedBy:        r.RaisedBy,
		RaisedByRole:    string(r.RaisedByRole),
		Details:         r.Details,
		Status:          r.Status,
		Resolution:      r.Resolution,
		ResolutionNotes: r.ResolutionNotes,
		ResolvedBy:      r.ResolvedBy,
		CreditReversed:  r.CreditReversed,
		CreatedAt:       formatTime(r.CreatedAt),
		ResolvedAt:      formatTimePtr(r.ResolvedAt),
	}
}

type threadEntry struct {
	ID           string `json:"id"`
	AuthorID     string `json:"author_id"`
	AuthorRole   string `json:"author_role"`
	Body         string `json:"body"`
	InternalOnly bool   `json:"internal_only"`
	CreatedAt    string `json:"created_at"`
}

func toThreadEntry(r dispute.Response) threadEntry {
	return threadEntry{
		ID:           r.ID,
		AuthorID:     r.AuthorID,
		AuthorRole:   string(r.AuthorRole),
		Body:         r.Body,
		InternalOnly: r.InternalOnly,
		CreatedAt:    formatTime(r.CreatedAt),
	}
}

type commissionResponse struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	ProviderID       string            `json:"provider_id"`
	FinalAmount      decimal.Decimal   `json:"final_amount"`
	Rate             decimal.Decimal   `json:"rate"`
	CommissionAmount decimal.Decimal   `json:"commission_amount"`
	TaxAmount        decimal.Decimal   `json:"tax_amount"`
	TotalDue         decimal.Decimal   `json:"total_due"`
	Status           commission.Status `json:"status"`
	DueAt            string            `json:"due_at"`
	PaidAt           *string           `json:"paid_at,omitempty"`
	PaymentRef       *string           `json:"payment_ref,omitempty"`
	WaivedAt         *string           `json:"waived_at,omitempty"`
	WaiveReason      *string           `json:"waive_reason,omitempty"`
	RemindersSent    int               `json:"reminders_sent"`
	CreatedAt        string            `json:"created_at"`
}

func toCommissionResponse(r commission.Record) commissionResponse {
	return commissionResponse{
		ID:               r.ID,
		JobID:            r.JobID,
		ProviderID:       r.ProviderID,
		FinalAmount:      r.FinalAmount,
		Rate:             r.Rate,
		CommissionAmount: r.CommissionAmount,
		TaxAmount:        r.TaxAmount,
		TotalDue:         r.TotalDue,
		Status:           r.Status,
		DueAt:            formatTime(r.DueAt),
		PaidAt:           formatTimePtr(r.PaidAt),
		PaymentRef:       r.PaymentRef,
		WaivedAt:         formatTimePtr(r.WaivedAt),
		WaiveReason:      r.WaiveReason,
		RemindersSent:    r.RemindersSent,
		CreatedAt:        formatTime(r.CreatedAt),
	}
}

type profileResponse struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"display_name"`
	CreditBalance     int     `json:"credit_balance"`
	SubscriptionSlots int     `json:"subscription_slots"`
	SuspendedAt       *string `json:"suspended_at,omitempty"`
	SuspensionReason  *string `json:"suspension_reason,omitempty"`
}

func toProfileResponse(p provider.Profile) profileResponse {
	return profileResponse{
		ID:                p.ID,
		DisplayName:       p.DisplayName,
		CreditBalance:     p.CreditBalance,
		SubscriptionSlots: p.SubscriptionSlots,
		SuspendedAt:       formatTimePtr(p.SuspendedAt),
		SuspensionReason:  p.SuspensionReason,
	}
}

type creditTxResponse struct {
	ID           int64           `json:"id"`
	Kind         provider.TxKind `json:"kind"`
	Delta        int             `json:"delta"`
	BalanceAfter int             `json:"balance_after"`
	JobID        *string         `json:"job_id,omitempty"`
	Note         *string         `json:"note,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
