package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobmarket/db"
)

// Store is the persistence seam of the dispute package.
type Store interface {
	Insert(ctx context.Context, q db.Querier, r Record) (Record, error)
	Get(ctx context.Context, q db.Querier, id string) (Record, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error)
	ListForJob(ctx context.Context, q db.Querier, jobID string) ([]Record, error)
	// CountActive counts OPEN and UNDER_REVIEW disputes on the job other than exceptID.
	CountActive(ctx context.Context, q db.Querier, jobID, exceptID string) (int, error)
	MarkUnderReview(ctx context.Context, q db.Querier, id string) (bool, error)
	Resolve(ctx context.Context, q db.Querier, r Record) (Record, error)
	InsertResponse(ctx context.Context, q db.Querier, resp Response) (Response, error)
	Responses(ctx context.Context, q db.Querier, disputeID string, includeInternal bool) ([]Response, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `id::text, job_id::text, raised_by::text, raised_by_role, details, status,
	resolution, resolution_notes, resolved_by::text, credit_reversed, created_at, updated_at, resolved_at`

func (r *Repository) Insert(ctx context.Context, q db.Querier, rec Record) (Record, error) {
	out, err := scanRecord(q.QueryRow(ctx, `
		INSERT INTO disputes (id, job_id, raised_by, raised_by_role, details, status, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, 'OPEN', $6, $6)
		RETURNING `+disputeColumns,
		rec.ID, rec.JobID, rec.RaisedBy, rec.RaisedByRole, rec.Details, rec.CreatedAt))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	return r.get(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error) {
	return r.get(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) get(ctx context.Context, q db.Querier, query, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListForJob(ctx context.Context, q db.Querier, jobID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) CountActive(ctx context.Context, q db.Querier, jobID, exceptID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM disputes
		WHERE job_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW') AND id::text <> $2
	`, jobID, exceptID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dispute: count active: %w", err)
	}
	return n, nil
}

func (r *Repository) MarkUnderReview(ctx context.Context, q db.Querier, id string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE disputes SET status = 'UNDER_REVIEW', updated_at = now()
		WHERE id = $1 AND status = 'OPEN'
	`, id)
	if err != nil {
		return false, fmt.Errorf("dispute: mark under review: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) Resolve(ctx context.Context, q db.Querier, rec Record) (Record, error) {
	var resolvedAt time.Time
	if rec.ResolvedAt != nil {
		resolvedAt = *rec.ResolvedAt
	}
	out, err := scanRecord(q.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'RESOLVED',
		    resolution = $2,
		    resolution_notes = $3,
		    resolved_by = $4::uuid,
		    credit_reversed = $5,
		    resolved_at = $6,
		    updated_at = $6
		WHERE id = $1 AND status <> 'RESOLVED'
		RETURNING `+disputeColumns,
		rec.ID, rec.Resolution, rec.ResolutionNotes, rec.ResolvedBy, rec.CreditReversed, resolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertResponse(ctx context.Context, q db.Querier, resp Response) (Response, error) {
	var out Response
	err := q.QueryRow(ctx, `
		INSERT INTO dispute_responses (id, dispute_id, author_id, author_role, body, internal_only, created_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING id::text, dispute_id::text, author_id::text, author_role, body, internal_only, created_at
	`, resp.ID, resp.DisputeID, resp.AuthorID, resp.AuthorRole, resp.Body, resp.InternalOnly, resp.CreatedAt).
		Scan(&out.ID, &out.DisputeID, &out.AuthorID, &out.AuthorRole, &out.Body, &out.InternalOnly, &out.CreatedAt)
	if err != nil {
		return Response{}, fmt.Errorf("dispute: insert response: %w", err)
	}
	return out, nil
}

func (r *Repository) Responses(ctx context.Context, q db.Querier, disputeID string, includeInternal bool) ([]Response, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, dispute_id::text, author_id::text, author_role, body, internal_only, created_at
		FROM dispute_responses
		WHERE dispute_id = $1 AND ($2 OR NOT internal_only)
		ORDER BY created_at, id
	`, disputeID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("dispute: list responses: %w", err)
	}
	defer rows.Close()

	out := []Response{}
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.ID, &resp.DisputeID, &resp.AuthorID, &resp.AuthorRole, &resp.Body, &resp.InternalOnly, &resp.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan response: %w", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.RaisedBy,
		&rec.RaisedByRole,
		&rec.Details,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolutionNotes,
		&rec.ResolvedBy,
		&rec.CreditReversed,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	return rec, err
}
