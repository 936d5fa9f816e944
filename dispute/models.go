package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/auth"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
)

// Active reports whether the dispute still holds its job in DISPUTED.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Resolution is the arbitrator's outcome for the job.
type Resolution string

const (
	// ResolutionResume sends the job back to work with the same provider, or
	// back to OPEN when no provider was assigned.
	ResolutionResume Resolution = "RESUME"
	// ResolutionReopen releases the assigned provider and reopens the job.
	ResolutionReopen Resolution = "REOPEN"
	// ResolutionComplete closes the job and settles its commission.
	ResolutionComplete Resolution = "COMPLETE"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionResume, ResolutionReopen, ResolutionComplete:
		return true
	}
	return false
}

// Record mirrors the disputes table.
type Record struct {
	ID              string
	JobID           string
	RaisedBy        string
	RaisedByRole    auth.Role
	Details         string
	Status          Status
	Resolution      *Resolution
	ResolutionNotes *string
	ResolvedBy      *string
	CreditReversed  bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// Response is one message in a dispute thread.
type Response struct {
	ID           string
	DisputeID    string
	AuthorID     string
	AuthorRole   auth.Role
	Body         string
	InternalOnly bool
	CreatedAt    time.Time
}

type RaiseParams struct {
	JobID   string
	Details string
}

type RespondParams struct {
	Body         string
	InternalOnly bool
}

type ResolveParams struct {
	Resolution    Resolution
	Notes         string
	ReverseCredit bool
	// FinalAmount is used by COMPLETE when the job has neither a final amount
	// nor a pending proposal to settle on.
	FinalAmount *decimal.Decimal
}
