package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/db"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/notify"
)

var (
	ErrNotFound     = fmt.Errorf("dispute: %w", apperr.ErrNotFound)
	ErrForbidden    = fmt.Errorf("dispute: forbidden: %w", apperr.ErrUnauthorized)
	ErrBadStatus    = fmt.Errorf("dispute: already resolved: %w", apperr.ErrInvalidTransition)
	ErrInvalidInput = fmt.Errorf("dispute: %w", apperr.ErrInvalidInput)
)

// Jobs is the state machine surface disputes drive.
type Jobs interface {
	Get(ctx context.Context, id string) (job.Job, error)
	LockTx(ctx context.Context, q db.Querier, jobID string) (job.Job, error)
	ApplyTx(ctx context.Context, q db.Querier, jobID string, action job.Action, in job.Input) (job.Job, []notify.Message, error)
}

// Reverser refunds a consumed credit, implemented by *ledger.Service.
type Reverser interface {
	ReverseTx(ctx context.Context, q db.Querier, jobID, providerID, reason string) (ledger.Grant, bool, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	jobs        Jobs
	reverser    Reverser
	notifier    notify.Notifier
	log         *slog.Logger
	now         func() time.Time
	idGenerator func() string
}

func NewService(pool db.Pool, repo Store, jobs Jobs, reverser Reverser, notifier notify.Notifier, log *slog.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		jobs:        jobs,
		reverser:    reverser,
		notifier:    notifier,
		log:         logger.OrDefault(log),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
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

// Raise opens a dispute and forces the job into DISPUTED in the same
// transaction. Only the requester or the assigned provider may raise one.
func (s *Service) Raise(ctx context.Context, actor auth.Identity, params RaiseParams) (Record, error) {
	details := strings.TrimSpace(params.Details)
	if params.JobID == "" || details == "" {
		return Record{}, fmt.Errorf("%w: job and details are required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := s.idGenerator()
	_, msgs, err := s.jobs.ApplyTx(ctx, tx, params.JobID, job.ActionDispute, job.Input{Actor: job.ActorFrom(actor), DisputeID: id})
	if err != nil {
		return Record{}, err
	}
	rec, err := s.repo.Insert(ctx, tx, Record{
		ID:           id,
		JobID:        params.JobID,
		RaisedBy:     actor.UserID,
		RaisedByRole: actor.Role,
		Details:      details,
		Status:       StatusOpen,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit raise: %w", err)
	}

	logger.WithContext(ctx, s.log).Info("dispute: raised", "dispute_id", rec.ID, "job_id", rec.JobID, "role", actor.Role)
	notify.Dispatch(ctx, s.log, s.notifier, msgs...)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Identity, id string) (Record, error) {
	rec, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.authorize(ctx, actor, rec.JobID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListForJob returns every dispute on the job, newest first.
func (s *Service) ListForJob(ctx context.Context, actor auth.Identity, jobID string) ([]Record, error) {
	if _, err := s.authorize(ctx, actor, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListForJob(ctx, s.pool, jobID)
}

// Respond appends to the dispute thread. Internal-only responses are reserved
// to arbitrators; the first arbitrator response moves the dispute under review.
func (s *Service) Respond(ctx context.Context, actor auth.Identity, disputeID string, params RespondParams) (Response, error) {
	body := strings.TrimSpace(params.Body)
	if body == "" {
		return Response{}, fmt.Errorf("%w: response body is required", ErrInvalidInput)
	}
	arbitrator := actor.Role == auth.RoleArbitrator
	if params.InternalOnly && !arbitrator {
		return Response{}, fmt.Errorf("%w: only arbitrators may post internal responses", ErrForbidden)
	}

	rec, err := s.repo.Get(ctx, s.pool, disputeID)
	if err != nil {
		return Response{}, err
	}
	j, err := s.authorize(ctx, actor, rec.JobID)
	if err != nil {
		return Response{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Response{}, err
	}
	if !locked.Status.Active() {
		return Response{}, ErrBadStatus
	}
	resp, err := s.repo.InsertResponse(ctx, tx, Response{
		ID:           s.idGenerator(),
		DisputeID:    disputeID,
		AuthorID:     actor.UserID,
		AuthorRole:   actor.Role,
		Body:         body,
		InternalOnly: params.InternalOnly,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return Response{}, err
	}
	if arbitrator && locked.Status == StatusOpen {
		if _, err := s.repo.MarkUnderReview(ctx, tx, disputeID); err != nil {
			return Response{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Response{}, fmt.Errorf("dispute: commit response: %w", err)
	}

	if !resp.InternalOnly {
		payload := map[string]any{"dispute_id": disputeID, "job_id": j.ID, "response_id": resp.ID}
		var msgs []notify.Message
		if actor.UserID != j.RequesterID {
			msgs = append(msgs, notify.Message{UserID: j.RequesterID, Kind: notify.KindDisputeResponse, Payload: payload})
		}
		if j.AssignedProviderID != nil && actor.ProviderID != *j.AssignedProviderID {
			msgs = append(msgs, notify.Message{ProviderID: *j.AssignedProviderID, Kind: notify.KindDisputeResponse, Payload: payload})
		}
		notify.Dispatch(ctx, s.log, s.notifier, msgs...)
	}
	return resp, nil
}

// Responses lists the thread as actor may see it: internal-only responses are
// hidden from everyone but arbitrators.
func (s *Service) Responses(ctx context.Context, actor auth.Identity, disputeID string) ([]Response, error) {
	rec, err := s.repo.Get(ctx, s.pool, disputeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, actor, rec.JobID); err != nil {
		return nil, err
	}
	return s.repo.Responses(ctx, s.pool, disputeID, actor.Role == auth.RoleArbitrator)
}

// Resolve closes the dispute. The job only leaves DISPUTED when no other
// dispute on it is still active; the optional credit reversal happens either
// way.
func (s *Service) Resolve(ctx context.Context, actor auth.Identity, disputeID string, params ResolveParams) (Record, error) {
	if actor.Role != auth.RoleArbitrator {
		return Record{}, fmt.Errorf("%w: only an arbitrator may resolve disputes", ErrForbidden)
	}
	if !params.Resolution.Valid() {
		return Record{}, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, params.Resolution)
	}
	notes := strings.TrimSpace(params.Notes)

	current, err := s.repo.Get(ctx, s.pool, disputeID)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Job row first, then the dispute row, the same order Raise takes them in.
	j, err := s.jobs.LockTx(ctx, tx, current.JobID)
	if err != nil {
		return Record{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !rec.Status.Active() {
		return Record{}, ErrBadStatus
	}

	var msgs []notify.Message
	reversed := false
	if params.ReverseCredit {
		if j.AssignedProviderID == nil {
			return Record{}, fmt.Errorf("%w: job has no provider to refund", ErrInvalidInput)
		}
		pid := *j.AssignedProviderID
		_, refunded, err := s.reverser.ReverseTx(ctx, tx, j.ID, pid, "dispute "+disputeID)
		if err != nil {
			return Record{}, err
		}
		reversed = refunded
		if refunded {
			msgs = append(msgs, notify.Message{
				ProviderID: pid,
				Kind:       notify.KindCreditRefunded,
				Payload:    map[string]any{"job_id": j.ID, "dispute_id": disputeID},
			})
		}
	}

	others, err := s.repo.CountActive(ctx, tx, j.ID, disputeID)
	if err != nil {
		return Record{}, err
	}
	if others == 0 {
		in := job.Input{Actor: job.ActorFrom(actor), Amount: params.FinalAmount, Reason: notes, DisputeID: disputeID}
		_, jobMsgs, err := s.jobs.ApplyTx(ctx, tx, j.ID, resolutionAction(params.Resolution, j), in)
		if err != nil {
			return Record{}, err
		}
		msgs = append(msgs, jobMsgs...)
	}

	now := s.now().UTC()
	resolution := params.Resolution
	rec.Resolution = &resolution
	if notes != "" {
		rec.ResolutionNotes = &notes
	}
	by := actor.UserID
	rec.ResolvedBy = &by
	rec.CreditReversed = reversed
	rec.ResolvedAt = &now
	resolved, err := s.repo.Resolve(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	logger.WithContext(ctx, s.log).Info("dispute: resolved",
		"dispute_id", disputeID, "job_id", j.ID, "resolution", resolution, "credit_reversed", reversed, "job_released", others == 0)
	if others > 0 {
		payload := map[string]any{"dispute_id": disputeID, "job_id": j.ID, "outcome": string(resolution)}
		msgs = append(msgs, notify.Message{UserID: j.RequesterID, Kind: notify.KindDisputeResolved, Payload: payload})
	}
	notify.Dispatch(ctx, s.log, s.notifier, msgs...)
	return resolved, nil
}

func resolutionAction(r Resolution, j job.Job) job.Action {
	switch r {
	case ResolutionComplete:
		return job.ActionResolveComplete
	case ResolutionReopen:
		return job.ActionReopen
	}
	if j.AssignedProviderID == nil {
		return job.ActionReopen
	}
	return job.ActionResume
}

// authorize lets arbitrators and the job's two parties through.
func (s *Service) authorize(ctx context.Context, actor auth.Identity, jobID string) (job.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	switch {
	case actor.Role == auth.RoleArbitrator:
	case actor.Role == auth.RoleRequester && actor.UserID == j.RequesterID:
	case actor.Role == auth.RoleProvider && j.IsAssignedTo(actor.ProviderID):
	default:
		return job.Job{}, ErrForbidden
	}
	return j, nil
}
