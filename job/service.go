package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/db"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/notify"
)

// Access is the slice of the access ledger the state machine consults.
type Access interface {
	HasAccessTx(ctx context.Context, q db.Querier, jobID, providerID string) (bool, error)
	Claimants(ctx context.Context, q db.Querier, jobID string) ([]ledger.Grant, error)
	ClearClaimsTx(ctx context.Context, q db.Querier, jobID string) (int64, error)
}

// Settlement is what the commission engine reports back for a completed job.
type Settlement struct {
	AlreadySettled bool
	Charged        bool
	RecordID       string
	TotalDue       string
	Notifications  []notify.Message
}

// Settler runs the commission engine inside the completing transaction.
type Settler interface {
	SettleTx(ctx context.Context, q db.Querier, j Job) (Settlement, error)
}

const (
	DefaultNegotiationWindow = 7 * 24 * time.Hour
	DefaultDisputeWindow     = 14 * 24 * time.Hour
)

type Service struct {
	pool              db.Pool
	store             Store
	access            Access
	settler           Settler
	notifier          notify.Notifier
	log               *slog.Logger
	now               func() time.Time
	idGenerator       func() string
	negotiationWindow time.Duration
	disputeWindow     time.Duration
}

func NewService(pool db.Pool, store Store, access Access, settler Settler, notifier notify.Notifier, log *slog.Logger) *Service {
	if store == nil {
		store = NewPGStore()
	}
	return &Service{
		pool:              pool,
		store:             store,
		access:            access,
		settler:           settler,
		notifier:          notifier,
		log:               logger.OrDefault(log),
		now:               time.Now,
		idGenerator:       func() string { return uuid.NewString() },
		negotiationWindow: DefaultNegotiationWindow,
		disputeWindow:     DefaultDisputeWindow,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithNegotiationWindow(d time.Duration) *Service {
	if d > 0 {
		s.negotiationWindow = d
	}
	return s
}

func (s *Service) WithDisputeWindow(d time.Duration) *Service {
	if d > 0 {
		s.disputeWindow = d
	}
	return s
}

// Post creates a job in OPEN.
func (s *Service) Post(ctx context.Context, actor Actor, params PostParams) (Job, error) {
	if actor.System || actor.Role != auth.RoleRequester {
		return Job{}, forbidden("only requesters may post jobs")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Job{}, badInput("title is required")
	}
	if params.Budget != nil {
		if !params.Budget.IsPositive() {
			return Job{}, badInput("budget must be greater than zero")
		}
		if err := checkStorable("budget", *params.Budget); err != nil {
			return Job{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	created, err := s.store.Insert(ctx, tx, Job{
		ID:          s.idGenerator(),
		RequesterID: actor.UserID,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Status:      StatusOpen,
		Budget:      params.Budget,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Job{}, err
	}

	payload := map[string]any{"title": created.Title}
	if created.Budget != nil {
		payload["budget"] = created.Budget.String()
	}
	if err := s.store.AppendEvent(ctx, tx, s.event(created.ID, EventPosted, actor, payload, now)); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit post: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.store.Get(ctx, s.pool, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return ListResult{}, badInput("unknown status %q", filters.Status)
	}
	items, total, err := s.store.List(ctx, s.pool, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Events returns the job's timeline, oldest first.
func (s *Service) Events(ctx context.Context, jobID string) ([]Event, error) {
	if _, err := s.store.Get(ctx, s.pool, jobID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, s.pool, jobID)
}

// ConfirmWinner assigns the job. With an empty providerID the single
// claimant is chosen; several claimants need an explicit id. An explicit id
// only needs an access grant, a claim is optional.
func (s *Service) ConfirmWinner(ctx context.Context, jobID string, actor Actor, providerID string) (Job, error) {
	return s.run(ctx, jobID, ActionAssign, Input{Actor: actor, ProviderID: strings.TrimSpace(providerID)},
		func(ctx context.Context, q db.Querier, j Job, in *Input) error {
			if !isRequester(j, in.Actor) {
				return forbidden("only the job's requester may choose the winner")
			}
			if in.ProviderID != "" || j.Status != StatusOpen {
				return nil
			}
			claimants, err := s.access.Claimants(ctx, q, j.ID)
			if err != nil {
				return err
			}
			switch len(claimants) {
			case 0:
				return invalid("no provider has claimed the win")
			case 1:
				in.ProviderID = claimants[0].ProviderID
				return nil
			default:
				return ErrConflictingClaim
			}
		})
}

// ConfirmStart moves an assigned job into work.
func (s *Service) ConfirmStart(ctx context.Context, jobID string, actor Actor) (Job, error) {
	return s.run(ctx, jobID, ActionStart, Input{Actor: actor}, nil)
}

// ProposeFinalPrice opens the negotiation with the provider's closing price.
func (s *Service) ProposeFinalPrice(ctx context.Context, jobID string, actor Actor, amount decimal.Decimal) (Job, error) {
	return s.run(ctx, jobID, ActionPropose, Input{Actor: actor, Amount: &amount}, nil)
}

// ConfirmFinalPrice answers a pending proposal. Accepting completes the job
// and settles the commission; rejecting needs a reason and reopens work.
func (s *Service) ConfirmFinalPrice(ctx context.Context, jobID string, actor Actor, accept bool, reason string) (Job, error) {
	if accept {
		return s.run(ctx, jobID, ActionConfirm, Input{Actor: actor, Reason: reason}, nil)
	}
	return s.run(ctx, jobID, ActionReject, Input{Actor: actor, Reason: strings.TrimSpace(reason)}, nil)
}

// OverrideFinalPrice lets an arbitrator force confirmation before the deadline.
func (s *Service) OverrideFinalPrice(ctx context.Context, jobID string, actor Actor, reason string) (Job, error) {
	return s.run(ctx, jobID, ActionOverride, Input{Actor: actor, Reason: strings.TrimSpace(reason)}, nil)
}

// AutoConfirm performs the timeout confirmation as the system actor. The
// deadline guard is evaluated under the row lock.
func (s *Service) AutoConfirm(ctx context.Context, jobID string) (Job, error) {
	return s.run(ctx, jobID, ActionAutoConfirm, Input{Actor: SystemActor()}, nil)
}

// LockTx reads and locks the job row inside the caller's transaction.
func (s *Service) LockTx(ctx context.Context, q db.Querier, jobID string) (Job, error) {
	return s.store.GetForUpdate(ctx, q, jobID)
}

// ApplyTx runs a transition inside the caller's transaction. Notifications are
// returned for the caller to dispatch after commit.
func (s *Service) ApplyTx(ctx context.Context, q db.Querier, jobID string, action Action, in Input) (Job, []notify.Message, error) {
	return s.applyTx(ctx, q, jobID, action, in, nil)
}

type resolver func(ctx context.Context, q db.Querier, j Job, in *Input) error

func (s *Service) run(ctx context.Context, jobID string, action Action, in Input, resolve resolver) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saved, msgs, err := s.applyTx(ctx, tx, jobID, action, in, resolve)
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit %s: %w", action, err)
	}

	notify.Dispatch(ctx, s.log, s.notifier, msgs...)
	return saved, nil
}

func (s *Service) applyTx(ctx context.Context, q db.Querier, jobID string, action Action, in Input, resolve resolver) (Job, []notify.Message, error) {
	j, err := s.store.GetForUpdate(ctx, q, jobID)
	if err != nil {
		return Job{}, nil, err
	}

	in.Now = s.now().UTC()
	in.NegotiationWindow = s.negotiationWindow
	in.DisputeWindow = s.disputeWindow
	if resolve != nil {
		if err := resolve(ctx, q, j, &in); err != nil {
			return Job{}, nil, err
		}
	}

	subject := in.Actor.ProviderID
	if action == ActionAssign {
		subject = in.ProviderID
	}
	if subject != "" && (action == ActionAssign || in.Actor.Role == auth.RoleProvider) {
		ok, err := s.access.HasAccessTx(ctx, q, j.ID, subject)
		if err != nil {
			return Job{}, nil, err
		}
		in.ProviderHasAccess = ok
	}

	out, err := Apply(j, action, in)
	if err != nil {
		return Job{}, nil, err
	}

	saved, err := s.store.Save(ctx, q, out.Job)
	if err != nil {
		return Job{}, nil, err
	}
	// A reopened job starts a fresh claim round.
	if action == ActionReopen {
		if _, err := s.access.ClearClaimsTx(ctx, q, saved.ID); err != nil {
			return Job{}, nil, err
		}
	}
	if err := s.store.AppendEvent(ctx, q, s.event(saved.ID, out.EventType, in.Actor, out.Payload, in.Now)); err != nil {
		return Job{}, nil, err
	}

	msgs := out.Notifications
	if out.Settle {
		settlement, err := s.settler.SettleTx(ctx, q, saved)
		if err != nil {
			return Job{}, nil, fmt.Errorf("job: settle commission: %w", err)
		}
		saved.CommissionSettled = true
		if settlement.AlreadySettled {
			logger.WithContext(ctx, s.log).Info("job: commission already settled", "job_id", saved.ID, "kind", apperr.KindAlreadySettled)
		} else {
			payload := map[string]any{"charged": settlement.Charged}
			if settlement.Charged {
				payload["commission_id"] = settlement.RecordID
				payload["total_due"] = settlement.TotalDue
			}
			if err := s.store.AppendEvent(ctx, q, s.event(saved.ID, EventCommissionSettled, in.Actor, payload, in.Now)); err != nil {
				return Job{}, nil, err
			}
		}
		msgs = append(msgs, settlement.Notifications...)
	}

	logger.WithContext(ctx, s.log).Info("job: transition",
		"job_id", saved.ID, "action", action, "from", out.From, "to", saved.Status, "actor", in.Actor.String())
	return saved, msgs, nil
}

func (s *Service) event(jobID, eventType string, actor Actor, payload map[string]any, at time.Time) Event {
	e := Event{JobID: jobID, Type: eventType, Payload: payload, CreatedAt: at}
	if actor.System {
		e.ActorRole = "system"
	} else {
		e.ActorRole = string(actor.Role)
		if actor.UserID != "" {
			id := actor.UserID
			e.ActorID = &id
		}
	}
	return e
}

// IsInvalidTransition reports whether err means a guard rejected the action.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, apperr.ErrInvalidTransition)
}
