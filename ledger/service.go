package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jobmarket/apperr"
	"jobmarket/db"
	"jobmarket/logger"
	"jobmarket/notify"
	"jobmarket/provider"
)

var (
	ErrJobNotFound    = fmt.Errorf("ledger: job %w", apperr.ErrNotFound)
	ErrNoGrant        = fmt.Errorf("ledger: access grant %w", apperr.ErrNotFound)
	ErrAlreadyGranted = fmt.Errorf("ledger: access already granted: %w", apperr.ErrInvalidTransition)
	ErrNoAccess       = fmt.Errorf("ledger: provider has no access grant: %w", apperr.ErrUnauthorized)
	ErrSuspended      = fmt.Errorf("ledger: provider is suspended: %w", apperr.ErrUnauthorized)
	ErrJobNotOpen     = fmt.Errorf("ledger: job is not open: %w", apperr.ErrInvalidTransition)
	ErrInvalidMethod  = fmt.Errorf("ledger: invalid access method: %w", apperr.ErrInvalidInput)
)

// jobOpen is the job status in which access can be granted and wins claimed.
const jobOpen = "OPEN"

// Credits is the provider balance seam, implemented by *provider.Repository.
type Credits interface {
	GetForUpdate(ctx context.Context, q db.Querier, id string) (provider.Profile, error)
	AdjustCredits(ctx context.Context, q db.Querier, id string, delta int, kind provider.TxKind, jobID *string, note string) (int, error)
	RedeemSlot(ctx context.Context, q db.Querier, id string, jobID *string) (int, error)
}

// Service is the access ledger: it decides which providers may act on a job.
type Service struct {
	pool     db.Pool
	store    Store
	credits  Credits
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(pool db.Pool, store Store, credits Credits, notifier notify.Notifier, log *slog.Logger) *Service {
	if store == nil {
		store = NewPGStore()
	}
	return &Service{
		pool:     pool,
		store:    store,
		credits:  credits,
		notifier: notifier,
		log:      logger.OrDefault(log),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Grant records a provider's right to act on an open job. CREDIT consumes one
// credit and SUBSCRIPTION_SLOT one slot, both in the grant's transaction.
func (s *Service) Grant(ctx context.Context, params GrantParams) (Grant, error) {
	if params.JobID == "" || params.ProviderID == "" {
		return Grant{}, fmt.Errorf("ledger: job and provider are required: %w", apperr.ErrInvalidInput)
	}
	if !params.Method.Valid() {
		return Grant{}, ErrInvalidMethod
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.store.LockJob(ctx, tx, params.JobID)
	if err != nil {
		return Grant{}, err
	}
	if job.Status != jobOpen {
		return Grant{}, ErrJobNotOpen
	}

	profile, err := s.credits.GetForUpdate(ctx, tx, params.ProviderID)
	if err != nil {
		return Grant{}, err
	}
	if profile.Suspended() {
		return Grant{}, ErrSuspended
	}

	if _, err := s.store.GetGrant(ctx, tx, params.JobID, params.ProviderID); err == nil {
		return Grant{}, ErrAlreadyGranted
	} else if !errors.Is(err, ErrNoGrant) {
		return Grant{}, err
	}

	grant := Grant{
		JobID:      params.JobID,
		ProviderID: params.ProviderID,
		Method:     params.Method,
		GrantedAt:  s.now().UTC(),
	}
	if ref := strings.TrimSpace(params.PaymentRef); ref != "" {
		grant.PaymentRef = &ref
	}

	jobID := params.JobID
	switch params.Method {
	case MethodCredit:
		if _, err := s.credits.AdjustCredits(ctx, tx, params.ProviderID, -1, provider.TxConsume, &jobID, "job access"); err != nil {
			return Grant{}, err
		}
		grant.CreditConsumed = true
	case MethodSubscriptionSlot:
		if _, err := s.credits.RedeemSlot(ctx, tx, params.ProviderID, &jobID); err != nil {
			return Grant{}, err
		}
	}

	created, err := s.store.InsertGrant(ctx, tx, grant)
	if err != nil {
		return Grant{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Grant{}, fmt.Errorf("ledger: commit grant: %w", err)
	}

	notify.Dispatch(ctx, s.log, s.notifier, notify.Message{
		ProviderID: created.ProviderID,
		Kind:       notify.KindAccessGranted,
		Payload:    map[string]any{"job_id": created.JobID, "method": created.Method},
	})
	return created, nil
}

// HasAccess is the authorization lookup behind every provider action on a job.
// A subscription on its own never satisfies it.
func (s *Service) HasAccess(ctx context.Context, jobID, providerID string) (bool, error) {
	return s.HasAccessTx(ctx, s.pool, jobID, providerID)
}

func (s *Service) HasAccessTx(ctx context.Context, q db.Querier, jobID, providerID string) (bool, error) {
	if jobID == "" || providerID == "" {
		return false, nil
	}
	if _, err := s.store.GetGrant(ctx, q, jobID, providerID); err != nil {
		if errors.Is(err, ErrNoGrant) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GrantFor returns the grant for the pair, or ErrNoGrant.
func (s *Service) GrantFor(ctx context.Context, q db.Querier, jobID, providerID string) (Grant, error) {
	return s.store.GetGrant(ctx, q, jobID, providerID)
}

// Claimants lists the grants whose holders claimed to have won the job.
func (s *Service) Claimants(ctx context.Context, q db.Querier, jobID string) ([]Grant, error) {
	return s.store.ListClaimants(ctx, q, jobID)
}

// ClearClaimsTx withdraws every win claim on a job so a reopened job starts
// from an empty claimant set. Grants themselves are kept.
func (s *Service) ClearClaimsTx(ctx context.Context, q db.Querier, jobID string) (int64, error) {
	n, err := s.store.ClearClaims(ctx, q, jobID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.WithContext(ctx, s.log).Info("ledger: win claims cleared", "job_id", jobID, "count", n)
	}
	return n, nil
}

// ListForJob returns every grant on a job, oldest first.
func (s *Service) ListForJob(ctx context.Context, jobID string) ([]Grant, error) {
	return s.store.ListForJob(ctx, s.pool, jobID)
}

// ClaimWin flags that the provider says the requester chose them. Several
// providers may claim independently until a winner is confirmed.
func (s *Service) ClaimWin(ctx context.Context, jobID, providerID string) (Grant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.store.LockJob(ctx, tx, jobID)
	if err != nil {
		return Grant{}, err
	}
	if job.Status != jobOpen || job.AssignedProviderID != nil {
		return Grant{}, fmt.Errorf("ledger: winner already confirmed: %w", apperr.ErrInvalidTransition)
	}

	grant, err := s.store.GetGrantForUpdate(ctx, tx, jobID, providerID)
	if err != nil {
		if errors.Is(err, ErrNoGrant) {
			return Grant{}, ErrNoAccess
		}
		return Grant{}, err
	}
	if grant.ClaimedWin {
		return grant, nil
	}

	claimed, err := s.store.MarkClaimed(ctx, tx, jobID, providerID, s.now().UTC())
	if err != nil {
		return Grant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Grant{}, fmt.Errorf("ledger: commit claim: %w", err)
	}

	notify.Dispatch(ctx, s.log, s.notifier, notify.Message{
		UserID:  job.RequesterID,
		Kind:    notify.KindWinClaimed,
		Payload: map[string]any{"job_id": jobID, "provider_id": providerID},
	})
	return claimed, nil
}

// ReverseTx refunds the credit a grant consumed, once. The grant itself is
// kept and annotated. It reports whether a refund happened.
func (s *Service) ReverseTx(ctx context.Context, q db.Querier, jobID, providerID, reason string) (Grant, bool, error) {
	grant, err := s.store.GetGrantForUpdate(ctx, q, jobID, providerID)
	if err != nil {
		return Grant{}, false, err
	}
	if !grant.CreditConsumed || grant.Reversed() {
		logger.WithContext(ctx, s.log).Info("ledger: nothing to reverse",
			"job_id", jobID, "provider_id", providerID, "method", grant.Method, "reversed", grant.Reversed())
		return grant, false, nil
	}

	if _, err := s.credits.AdjustCredits(ctx, q, providerID, 1, provider.TxReversal, &jobID, reason); err != nil {
		return Grant{}, false, err
	}
	reversed, err := s.store.MarkReversed(ctx, q, jobID, providerID, reason, s.now().UTC())
	if err != nil {
		return Grant{}, false, err
	}
	return reversed, true, nil
}
