package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobmarket/apperr"
	"jobmarket/db"
)

var (
	// ErrNotFound signals the requested provider does not exist.
	ErrNotFound = fmt.Errorf("provider: %w", apperr.ErrNotFound)
	// ErrInsufficientCredits is returned when a debit would take the balance below zero.
	ErrInsufficientCredits = fmt.Errorf("provider: insufficient credits: %w", apperr.ErrInvalidInput)
	// ErrNoSubscriptionSlots is returned when no subscription slot is left to redeem.
	ErrNoSubscriptionSlots = fmt.Errorf("provider: no subscription slots left: %w", apperr.ErrInvalidInput)
)

// Repository provides access to provider profiles. Methods taking a
// db.Querier run inside the caller's transaction.
type Repository struct {
	pool db.Querier
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `id, user_id, display_name, credit_balance, subscription_slots, suspended_at, suspension_reason, created_at`

// GetByID fetches a provider profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	return r.get(ctx, r.pool, `SELECT `+profileColumns+` FROM providers WHERE id = $1`, id)
}

// GetForUpdate locks the provider row for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Profile, error) {
	return r.get(ctx, q, `SELECT `+profileColumns+` FROM providers WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) get(ctx context.Context, q db.Querier, query, id string) (Profile, error) {
	profile, err := scanProfile(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("provider: query by id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit provider profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `SELECT `+profileColumns+` FROM providers ORDER BY display_name ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("provider: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("provider: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provider: iterate profiles: %w", err)
	}

	return profiles, nil
}

// ListActiveIDs returns ids of providers that are not suspended.
func (r *Repository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text FROM providers WHERE suspended_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("provider: list active: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("provider: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdjustCredits applies delta to the balance and logs the movement. A debit
// that would go below zero fails with ErrInsufficientCredits.
func (r *Repository) AdjustCredits(ctx context.Context, q db.Querier, id string, delta int, kind TxKind, jobID *string, note string) (int, error) {
	var balance int
	err := q.QueryRow(ctx, `
		UPDATE providers
		SET credit_balance = credit_balance + $2
		WHERE id = $1 AND credit_balance + $2 >= 0
		RETURNING credit_balance
	`, id, delta).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.get(ctx, q, `SELECT `+profileColumns+` FROM providers WHERE id = $1`, id); getErr != nil {
				return 0, getErr
			}
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("provider: adjust credits: %w", err)
	}
	if err := r.logTransaction(ctx, q, id, kind, delta, balance, jobID, note); err != nil {
		return 0, err
	}
	return balance, nil
}

// RedeemSlot consumes one subscription slot.
func (r *Repository) RedeemSlot(ctx context.Context, q db.Querier, id string, jobID *string) (int, error) {
	var slots, balance int
	err := q.QueryRow(ctx, `
		UPDATE providers
		SET subscription_slots = subscription_slots - 1
		WHERE id = $1 AND subscription_slots > 0
		RETURNING subscription_slots, credit_balance
	`, id).Scan(&slots, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoSubscriptionSlots
		}
		return 0, fmt.Errorf("provider: redeem slot: %w", err)
	}
	if err := r.logTransaction(ctx, q, id, TxSlotRedeem, 0, balance, jobID, fmt.Sprintf("subscription slot, %d left", slots)); err != nil {
		return 0, err
	}
	return slots, nil
}

// TopUpCredits raises the balance to target when it is below it and returns
// the credits added. A provider whose last allocation is later than notAfter
// is skipped; otherwise the allocation time is stamped even when nothing was
// added.
func (r *Repository) TopUpCredits(ctx context.Context, q db.Querier, id string, target int, notAfter, at time.Time) (int, error) {
	var added, balance int
	err := q.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, credit_balance FROM providers
			WHERE id = $1 AND suspended_at IS NULL
			  AND (last_allocated_at IS NULL OR last_allocated_at <= $3)
			FOR UPDATE
		)
		UPDATE providers p
		SET credit_balance = GREATEST(prev.credit_balance, $2), last_allocated_at = $4
		FROM prev
		WHERE p.id = prev.id
		RETURNING p.credit_balance - prev.credit_balance, p.credit_balance
	`, id, target, notAfter, at).Scan(&added, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("provider: top up credits: %w", err)
	}
	if added == 0 {
		return 0, nil
	}
	if err := r.logTransaction(ctx, q, id, TxAllocation, added, balance, nil, "weekly allocation"); err != nil {
		return 0, err
	}
	return added, nil
}

// Suspend marks the provider suspended. Suspending twice keeps the first timestamp.
func (r *Repository) Suspend(ctx context.Context, q db.Querier, id, reason string) error {
	tag, err := q.Exec(ctx, `
		UPDATE providers
		SET suspended_at = COALESCE(suspended_at, now()),
		    suspension_reason = COALESCE(suspension_reason, $2)
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("provider: suspend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reinstate lifts a suspension.
func (r *Repository) Reinstate(ctx context.Context, q db.Querier, id string) error {
	if _, err := q.Exec(ctx, `
		UPDATE providers SET suspended_at = NULL, suspension_reason = NULL WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("provider: reinstate: %w", err)
	}
	return nil
}

// Transactions lists the most recent credit movements for a provider.
func (r *Repository) Transactions(ctx context.Context, id string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id::text, kind, delta, balance_after, job_id::text, note, created_at
		FROM credit_transactions
		WHERE provider_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("provider: list transactions: %w", err)
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.ProviderID, &tx.Kind, &tx.Delta, &tx.BalanceAfter, &tx.JobID, &tx.Note, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("provider: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *Repository) logTransaction(ctx context.Context, q db.Querier, id string, kind TxKind, delta, balanceAfter int, jobID *string, note string) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (provider_id, kind, delta, balance_after, job_id, note)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, id, kind, delta, balanceAfter, jobID, note); err != nil {
		return fmt.Errorf("provider: log credit transaction: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.DisplayName,
		&p.CreditBalance,
		&p.SubscriptionSlots,
		&p.SuspendedAt,
		&p.SuspensionReason,
		&p.CreatedAt,
	)
	return p, err
}
