package job

import (
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/auth"
)

type Status string

const (
	StatusOpen               Status = "OPEN"
	StatusAssigned           Status = "ASSIGNED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusAwaitingSettlement Status = "AWAITING_SETTLEMENT"
	StatusCompleted          Status = "COMPLETED"
	StatusDisputed           Status = "DISPUTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusAwaitingSettlement, StatusCompleted, StatusDisputed:
		return true
	}
	return false
}

// Job mirrors the jobs table. Amounts are exact decimals.
type Job struct {
	ID                  string
	RequesterID         string
	Title               string
	Description         string
	Status              Status
	StatusBeforeDispute *Status
	AssignedProviderID  *string
	Budget              *decimal.Decimal
	ProposedFinalAmount *decimal.Decimal
	FinalAmount         *decimal.Decimal
	ProposedAt          *time.Time
	NegotiationDeadline *time.Time
	ConfirmedAt         *time.Time
	RequesterConfirmed  bool
	CommissionSettled   bool
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsAssignedTo reports whether providerID is the job's winner.
func (j Job) IsAssignedTo(providerID string) bool {
	return providerID != "" && j.AssignedProviderID != nil && *j.AssignedProviderID == providerID
}

// Actor is the resolved caller of a transition.
type Actor struct {
	UserID     string
	Role       auth.Role
	ProviderID string
	System     bool
}

// ActorFrom maps an authenticated identity onto a transition actor.
func ActorFrom(id auth.Identity) Actor {
	return Actor{UserID: id.UserID, Role: id.Role, ProviderID: id.ProviderID}
}

// SystemActor tags transitions driven by the scheduled sweep.
func SystemActor() Actor {
	return Actor{System: true}
}

func (a Actor) String() string {
	if a.System {
		return "system"
	}
	return string(a.Role) + ":" + a.UserID
}

// Event is one immutable job_events row.
type Event struct {
	ID        int64
	JobID     string
	Type      string
	ActorID   *string
	ActorRole string
	Payload   map[string]any
	CreatedAt time.Time
}

const (
	EventPosted             = "JOB_POSTED"
	EventProviderAssigned   = "PROVIDER_ASSIGNED"
	EventWorkStarted        = "WORK_STARTED"
	EventPriceProposed      = "FINAL_PRICE_PROPOSED"
	EventPriceConfirmed     = "FINAL_PRICE_CONFIRMED"
	EventPriceRejected      = "FINAL_PRICE_REJECTED"
	EventPriceAutoConfirmed = "FINAL_PRICE_AUTO_CONFIRMED"
	EventPriceOverridden    = "FINAL_PRICE_OVERRIDDEN"
	EventDisputed           = "JOB_DISPUTED"
	EventDisputeResumed     = "DISPUTE_RESUMED"
	EventDisputeReopened    = "DISPUTE_REOPENED"
	EventDisputeCompleted   = "DISPUTE_COMPLETED"
	EventCommissionSettled  = "COMMISSION_SETTLED"
)

// PostParams describes a new job.
type PostParams struct {
	RequesterID string
	Title       string
	Description string
	Budget      *decimal.Decimal
}

type Filters struct {
	RequesterID string
	ProviderID  string
	Status      Status
	Page        int
	PageSize    int
}

type ListResult struct {
	Items []Job
	Total int
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Scanned   int
	Processed int
	Skipped   int
	Failed    int
}
