package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/notify"
)

var (
	ErrNotFound          = fmt.Errorf("job: %w", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("job: %w", apperr.ErrInvalidTransition)
	ErrForbidden         = fmt.Errorf("job: %w", apperr.ErrUnauthorized)
	ErrInvalidInput      = fmt.Errorf("job: %w", apperr.ErrInvalidInput)
	ErrConflictingClaim  = fmt.Errorf("job: several providers claimed the win, choose one: %w", apperr.ErrConflictingClaim)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidTransition}, args...)...)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrForbidden}, args...)...)
}

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// maxAmount is the smallest value a NUMERIC(14, 2) column cannot hold.
var maxAmount = decimal.New(1, 12)

// checkStorable rejects amounts the money columns would round or overflow.
func checkStorable(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(2)) {
		return badInput("%s must have at most two decimal places", field)
	}
	if d.GreaterThanOrEqual(maxAmount) {
		return badInput("%s must be below %s", field, maxAmount.String())
	}
	return nil
}

type Action string

const (
	ActionAssign          Action = "assign"
	ActionStart           Action = "start"
	ActionPropose         Action = "propose"
	ActionConfirm         Action = "confirm"
	ActionReject          Action = "reject"
	ActionAutoConfirm     Action = "auto_confirm"
	ActionOverride        Action = "override"
	ActionDispute         Action = "dispute"
	ActionResume          Action = "resume"
	ActionReopen          Action = "reopen"
	ActionResolveComplete Action = "resolve_complete"
)

// transitions is the whole lifecycle. Anything not listed is rejected.
var transitions = map[Status]map[Action]Status{
	StatusOpen: {
		ActionAssign:  StatusAssigned,
		ActionDispute: StatusDisputed,
	},
	StatusAssigned: {
		ActionStart:   StatusInProgress,
		ActionDispute: StatusDisputed,
	},
	StatusInProgress: {
		ActionPropose: StatusAwaitingSettlement,
		ActionDispute: StatusDisputed,
	},
	StatusAwaitingSettlement: {
		ActionConfirm:     StatusCompleted,
		ActionReject:      StatusInProgress,
		ActionAutoConfirm: StatusCompleted,
		ActionOverride:    StatusCompleted,
		ActionDispute:     StatusDisputed,
	},
	StatusCompleted: {
		ActionDispute: StatusDisputed,
	},
	StatusDisputed: {
		ActionDispute:         StatusDisputed,
		ActionResume:          StatusInProgress,
		ActionReopen:          StatusOpen,
		ActionResolveComplete: StatusCompleted,
	},
}

// Next looks up the target status for action from status.
func Next(from Status, action Action) (Status, error) {
	to, ok := transitions[from][action]
	if !ok {
		return "", invalid("%s not allowed from %s", action, from)
	}
	return to, nil
}

// Input carries the facts a transition needs. The service resolves them
// (ledger lookups, clock, configuration) before calling Apply.
type Input struct {
	Actor             Actor
	Now               time.Time
	ProviderID        string
	ProviderHasAccess bool
	Amount            *decimal.Decimal
	Reason            string
	NegotiationWindow time.Duration
	DisputeWindow     time.Duration
	DisputeID         string
}

// Outcome is the result of a pure transition: the new job, the timeline
// event to append, the notifications to emit after commit, and whether the
// commission engine must run in the same transaction.
type Outcome struct {
	Job           Job
	From          Status
	EventType     string
	Payload       map[string]any
	Notifications []notify.Message
	Settle        bool
}

type guard func(j Job, in Input) error

var guards = map[Action]guard{
	ActionAssign:          guardAssign,
	ActionStart:           guardRequester,
	ActionPropose:         guardPropose,
	ActionConfirm:         guardConfirm,
	ActionReject:          guardReject,
	ActionAutoConfirm:     guardAutoConfirm,
	ActionOverride:        guardOverride,
	ActionDispute:         guardDispute,
	ActionResume:          guardResume,
	ActionReopen:          guardReopen,
	ActionResolveComplete: guardResolveComplete,
}

// Apply validates and performs action on j without side effects. On error j
// is returned untouched by construction.
func Apply(j Job, action Action, in Input) (Outcome, error) {
	to, err := Next(j.Status, action)
	if err != nil {
		return Outcome{}, err
	}
	if g, ok := guards[action]; ok {
		if err := g(j, in); err != nil {
			return Outcome{}, err
		}
	}

	now := in.Now.UTC()
	next := j
	out := Outcome{From: j.Status, Payload: map[string]any{"from": j.Status, "to": to}}
	provider := func(kind notify.Kind, extra map[string]any) {
		id := next.AssignedProviderID
		if id == nil {
			id = j.AssignedProviderID
		}
		if id == nil {
			return
		}
		out.Notifications = append(out.Notifications, notify.Message{ProviderID: *id, Kind: kind, Payload: withJob(j.ID, extra)})
	}
	requester := func(kind notify.Kind, extra map[string]any) {
		out.Notifications = append(out.Notifications, notify.Message{UserID: j.RequesterID, Kind: kind, Payload: withJob(j.ID, extra)})
	}

	switch action {
	case ActionAssign:
		pid := in.ProviderID
		next.AssignedProviderID = &pid
		out.EventType = EventProviderAssigned
		out.Payload["provider_id"] = pid
		provider(notify.KindProviderAssigned, nil)

	case ActionStart:
		next.StartedAt = &now
		out.EventType = EventWorkStarted
		provider(notify.KindWorkStarted, nil)

	case ActionPropose:
		amount := *in.Amount
		deadline := now.Add(in.NegotiationWindow)
		next.ProposedFinalAmount = &amount
		next.ProposedAt = &now
		next.NegotiationDeadline = &deadline
		out.EventType = EventPriceProposed
		out.Payload["amount"] = amount.String()
		out.Payload["negotiation_deadline"] = deadline
		requester(notify.KindFinalPriceProposed, map[string]any{"amount": amount.String(), "deadline": deadline})

	case ActionConfirm, ActionAutoConfirm, ActionOverride:
		finalize(&next, *j.ProposedFinalAmount, now, action == ActionConfirm)
		out.EventType = map[Action]string{
			ActionConfirm:     EventPriceConfirmed,
			ActionAutoConfirm: EventPriceAutoConfirmed,
			ActionOverride:    EventPriceOverridden,
		}[action]
		out.Payload["final_amount"] = next.FinalAmount.String()
		if in.Reason != "" {
			out.Payload["reason"] = in.Reason
		}
		out.Settle = true
		extra := map[string]any{"final_amount": next.FinalAmount.String(), "via": string(action)}
		provider(notify.KindFinalPriceConfirmed, extra)
		if action != ActionConfirm {
			requester(notify.KindFinalPriceConfirmed, extra)
		}

	case ActionReject:
		out.Payload["rejected_amount"] = j.ProposedFinalAmount.String()
		out.Payload["reason"] = in.Reason
		clearProposal(&next)
		out.EventType = EventPriceRejected
		provider(notify.KindFinalPriceRejected, map[string]any{"reason": in.Reason})

	case ActionDispute:
		if j.Status != StatusDisputed {
			prev := j.Status
			next.StatusBeforeDispute = &prev
		}
		out.EventType = EventDisputed
		out.Payload["dispute_id"] = in.DisputeID
		out.Payload["raised_by"] = in.Actor.String()
		if in.Actor.UserID == j.RequesterID {
			provider(notify.KindDisputeRaised, map[string]any{"dispute_id": in.DisputeID})
		} else {
			requester(notify.KindDisputeRaised, map[string]any{"dispute_id": in.DisputeID})
		}

	case ActionResume:
		clearProposal(&next)
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		next.StatusBeforeDispute = nil
		out.EventType = EventDisputeResumed
		requester(notify.KindDisputeResolved, map[string]any{"outcome": "RESUME"})
		provider(notify.KindDisputeResolved, map[string]any{"outcome": "RESUME"})

	case ActionReopen:
		if j.AssignedProviderID != nil {
			out.Payload["released_provider_id"] = *j.AssignedProviderID
		}
		provider(notify.KindDisputeResolved, map[string]any{"outcome": "REOPEN"})
		clearProposal(&next)
		next.AssignedProviderID = nil
		next.StartedAt = nil
		next.StatusBeforeDispute = nil
		out.EventType = EventDisputeReopened
		requester(notify.KindDisputeResolved, map[string]any{"outcome": "REOPEN"})

	case ActionResolveComplete:
		if j.FinalAmount == nil {
			amount := j.ProposedFinalAmount
			if in.Amount != nil {
				amount = in.Amount
			}
			finalize(&next, *amount, now, false)
		}
		next.StatusBeforeDispute = nil
		out.EventType = EventDisputeCompleted
		out.Payload["final_amount"] = next.FinalAmount.String()
		out.Settle = !j.CommissionSettled
		requester(notify.KindDisputeResolved, map[string]any{"outcome": "COMPLETE"})
		provider(notify.KindDisputeResolved, map[string]any{"outcome": "COMPLETE"})
	}

	next.Status = to
	next.UpdatedAt = now
	out.Job = next
	return out, nil
}

func finalize(j *Job, amount decimal.Decimal, now time.Time, byRequester bool) {
	final := amount
	j.FinalAmount = &final
	j.ConfirmedAt = &now
	j.CompletedAt = &now
	j.RequesterConfirmed = byRequester
}

func clearProposal(j *Job) {
	j.ProposedFinalAmount = nil
	j.ProposedAt = nil
	j.NegotiationDeadline = nil
}

func withJob(jobID string, extra map[string]any) map[string]any {
	out := map[string]any{"job_id": jobID}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func isRequester(j Job, a Actor) bool {
	return !a.System && a.Role == auth.RoleRequester && a.UserID == j.RequesterID
}

func isArbitrator(a Actor) bool {
	return !a.System && a.Role == auth.RoleArbitrator
}

func guardRequester(j Job, in Input) error {
	if !isRequester(j, in.Actor) {
		return forbidden("only the job's requester may do this")
	}
	return nil
}

func guardAssign(j Job, in Input) error {
	if err := guardRequester(j, in); err != nil {
		return err
	}
	if j.AssignedProviderID != nil {
		return invalid("a provider is already assigned")
	}
	if in.ProviderID == "" {
		return badInput("provider id is required")
	}
	if !in.ProviderHasAccess {
		return forbidden("provider %s has no access grant for this job", in.ProviderID)
	}
	return nil
}

func guardPropose(j Job, in Input) error {
	a := in.Actor
	if a.System || a.Role != auth.RoleProvider || !j.IsAssignedTo(a.ProviderID) {
		return forbidden("only the assigned provider may propose a final price")
	}
	if !in.ProviderHasAccess {
		return forbidden("provider has no access grant for this job")
	}
	if j.ProposedFinalAmount != nil {
		return invalid("a proposal is already pending")
	}
	if in.Amount == nil || !in.Amount.IsPositive() {
		return invalid("final amount must be greater than zero")
	}
	if err := checkStorable("final amount", *in.Amount); err != nil {
		return err
	}
	if in.NegotiationWindow <= 0 {
		return invalid("negotiation window is not configured")
	}
	return nil
}

func pendingProposal(j Job) error {
	if j.ProposedFinalAmount == nil {
		return invalid("no pending proposal")
	}
	if j.FinalAmount != nil {
		return invalid("final amount already set")
	}
	return nil
}

func guardConfirm(j Job, in Input) error {
	if err := guardRequester(j, in); err != nil {
		return err
	}
	return pendingProposal(j)
}

func guardReject(j Job, in Input) error {
	if err := guardRequester(j, in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return badInput("a reason is required to reject a proposal")
	}
	return pendingProposal(j)
}

func guardAutoConfirm(j Job, in Input) error {
	if !in.Actor.System {
		return forbidden("auto-confirmation is reserved to the scheduler")
	}
	if err := pendingProposal(j); err != nil {
		return err
	}
	if j.NegotiationDeadline == nil {
		return invalid("no negotiation deadline")
	}
	if in.Now.Before(*j.NegotiationDeadline) {
		return invalid("negotiation deadline has not passed")
	}
	return nil
}

func guardOverride(j Job, in Input) error {
	if !isArbitrator(in.Actor) {
		return forbidden("only an arbitrator may override")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return badInput("a reason is required to override")
	}
	return pendingProposal(j)
}

func guardDispute(j Job, in Input) error {
	a := in.Actor
	party := isRequester(j, a) ||
		(!a.System && a.Role == auth.RoleProvider && j.IsAssignedTo(a.ProviderID) && in.ProviderHasAccess)
	if !party {
		return forbidden("only the requester or the assigned provider may raise a dispute")
	}
	if j.Status == StatusCompleted {
		if j.CompletedAt == nil || in.DisputeWindow <= 0 || in.Now.After(j.CompletedAt.Add(in.DisputeWindow)) {
			return invalid("dispute window has closed")
		}
	}
	return nil
}

func guardResume(j Job, in Input) error {
	if !isArbitrator(in.Actor) {
		return forbidden("only an arbitrator may resolve disputes")
	}
	if j.FinalAmount != nil {
		return invalid("job already has a final amount")
	}
	if j.AssignedProviderID == nil {
		return invalid("no provider to resume with")
	}
	return nil
}

func guardReopen(j Job, in Input) error {
	if !isArbitrator(in.Actor) {
		return forbidden("only an arbitrator may resolve disputes")
	}
	if j.FinalAmount != nil {
		return invalid("job already has a final amount")
	}
	return nil
}

func guardResolveComplete(j Job, in Input) error {
	if !isArbitrator(in.Actor) {
		return forbidden("only an arbitrator may resolve disputes")
	}
	if j.FinalAmount != nil {
		return nil
	}
	if j.AssignedProviderID == nil {
		return invalid("cannot complete a job without a provider")
	}
	amount := j.ProposedFinalAmount
	if in.Amount != nil {
		amount = in.Amount
	}
	if amount == nil || !amount.IsPositive() {
		return invalid("a positive final amount is required")
	}
	return checkStorable("final amount", *amount)
}
