package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobmarket/db"
)

// Store is the persistence seam of the ledger. Every method runs on the
// supplied querier so callers control the transaction.
type Store interface {
	LockJob(ctx context.Context, q db.Querier, jobID string) (JobRef, error)
	GetGrant(ctx context.Context, q db.Querier, jobID, providerID string) (Grant, error)
	GetGrantForUpdate(ctx context.Context, q db.Querier, jobID, providerID string) (Grant, error)
	InsertGrant(ctx context.Context, q db.Querier, g Grant) (Grant, error)
	MarkClaimed(ctx context.Context, q db.Querier, jobID, providerID string, at time.Time) (Grant, error)
	MarkReversed(ctx context.Context, q db.Querier, jobID, providerID, reason string, at time.Time) (Grant, error)
	ListClaimants(ctx context.Context, q db.Querier, jobID string) ([]Grant, error)
	ClearClaims(ctx context.Context, q db.Querier, jobID string) (int64, error)
	ListForJob(ctx context.Context, q db.Querier, jobID string) ([]Grant, error)
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

const grantColumns = `job_id::text, provider_id::text, method, credit_consumed, claimed_win, claimed_at, granted_at, payment_ref, reversed_at, reversal_reason`

func (s *PGStore) LockJob(ctx context.Context, q db.Querier, jobID string) (JobRef, error) {
	var ref JobRef
	err := q.QueryRow(ctx, `
		SELECT id::text, requester_id::text, status, assigned_provider_id::text
		FROM jobs
		WHERE id = $1
		FOR UPDATE
	`, jobID).Scan(&ref.ID, &ref.RequesterID, &ref.Status, &ref.AssignedProviderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JobRef{}, ErrJobNotFound
		}
		return JobRef{}, fmt.Errorf("ledger: lock job: %w", err)
	}
	return ref, nil
}

func (s *PGStore) GetGrant(ctx context.Context, q db.Querier, jobID, providerID string) (Grant, error) {
	return s.getGrant(ctx, q, `SELECT `+grantColumns+` FROM access_grants WHERE job_id = $1 AND provider_id = $2`, jobID, providerID)
}

func (s *PGStore) GetGrantForUpdate(ctx context.Context, q db.Querier, jobID, providerID string) (Grant, error) {
	return s.getGrant(ctx, q, `SELECT `+grantColumns+` FROM access_grants WHERE job_id = $1 AND provider_id = $2 FOR UPDATE`, jobID, providerID)
}

func (s *PGStore) getGrant(ctx context.Context, q db.Querier, query, jobID, providerID string) (Grant, error) {
	g, err := scanGrant(q.QueryRow(ctx, query, jobID, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNoGrant
		}
		return Grant{}, fmt.Errorf("ledger: get grant: %w", err)
	}
	return g, nil
}

func (s *PGStore) InsertGrant(ctx context.Context, q db.Querier, g Grant) (Grant, error) {
	out, err := scanGrant(q.QueryRow(ctx, `
		INSERT INTO access_grants (job_id, provider_id, method, credit_consumed, granted_at, payment_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+grantColumns,
		g.JobID, g.ProviderID, g.Method, g.CreditConsumed, g.GrantedAt, g.PaymentRef))
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return Grant{}, ErrAlreadyGranted
		}
		return Grant{}, fmt.Errorf("ledger: insert grant: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkClaimed(ctx context.Context, q db.Querier, jobID, providerID string, at time.Time) (Grant, error) {
	g, err := scanGrant(q.QueryRow(ctx, `
		UPDATE access_grants
		SET claimed_win = true, claimed_at = COALESCE(claimed_at, $3)
		WHERE job_id = $1 AND provider_id = $2
		RETURNING `+grantColumns, jobID, providerID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNoGrant
		}
		return Grant{}, fmt.Errorf("ledger: mark claimed: %w", err)
	}
	return g, nil
}

func (s *PGStore) MarkReversed(ctx context.Context, q db.Querier, jobID, providerID, reason string, at time.Time) (Grant, error) {
	g, err := scanGrant(q.QueryRow(ctx, `
		UPDATE access_grants
		SET reversed_at = $3, reversal_reason = NULLIF($4, '')
		WHERE job_id = $1 AND provider_id = $2 AND reversed_at IS NULL
		RETURNING `+grantColumns, jobID, providerID, at, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNoGrant
		}
		return Grant{}, fmt.Errorf("ledger: mark reversed: %w", err)
	}
	return g, nil
}

func (s *PGStore) ListClaimants(ctx context.Context, q db.Querier, jobID string) ([]Grant, error) {
	return s.list(ctx, q, `SELECT `+grantColumns+` FROM access_grants WHERE job_id = $1 AND claimed_win ORDER BY claimed_at, provider_id`, jobID)
}

func (s *PGStore) ClearClaims(ctx context.Context, q db.Querier, jobID string) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE access_grants
		SET claimed_win = false, claimed_at = NULL
		WHERE job_id = $1 AND claimed_win
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("ledger: clear claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) ListForJob(ctx context.Context, q db.Querier, jobID string) ([]Grant, error) {
	return s.list(ctx, q, `SELECT `+grantColumns+` FROM access_grants WHERE job_id = $1 ORDER BY granted_at, provider_id`, jobID)
}

func (s *PGStore) list(ctx context.Context, q db.Querier, query, jobID string) ([]Grant, error) {
	rows, err := q.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate grants: %w", err)
	}
	return out, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	err := row.Scan(
		&g.JobID,
		&g.ProviderID,
		&g.Method,
		&g.CreditConsumed,
		&g.ClaimedWin,
		&g.ClaimedAt,
		&g.GrantedAt,
		&g.PaymentRef,
		&g.ReversedAt,
		&g.ReversalReason,
	)
	return g, err
}
