package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"jobmarket/db"
)

// Store is the persistence seam of the job package. Every method runs on the
// supplied querier so callers control the transaction.
type Store interface {
	Insert(ctx context.Context, q db.Querier, j Job) (Job, error)
	Get(ctx context.Context, q db.Querier, id string) (Job, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Job, error)
	// Save persists every mutable field except commission_settled, which only
	// the commission engine writes.
	Save(ctx context.Context, q db.Querier, j Job) (Job, error)
	List(ctx context.Context, q db.Querier, filters Filters) ([]Job, int, error)
	AppendEvent(ctx context.Context, q db.Querier, e Event) error
	Events(ctx context.Context, q db.Querier, jobID string) ([]Event, error)
	DueForAutoConfirm(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error)
	NegotiationsClosingBy(ctx context.Context, q db.Querier, now, until time.Time, limit int) ([]Job, error)
	// RecordReminder reports false when the reminder was already recorded.
	RecordReminder(ctx context.Context, q db.Querier, jobID string, deadline time.Time, thresholdHours int) (bool, error)
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

const jobColumns = `id::text, requester_id::text, title, description, status, status_before_dispute,
	assigned_provider_id::text, budget::text, proposed_final_amount::text, final_amount::text,
	proposed_at, negotiation_deadline, confirmed_at, requester_confirmed, commission_settled,
	started_at, completed_at, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, q db.Querier, j Job) (Job, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO jobs (id, requester_id, title, description, status, budget, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6::numeric, $7, $7)
		RETURNING `+jobColumns,
		j.ID, j.RequesterID, j.Title, j.Description, j.Status, amountArg(j.Budget), j.CreatedAt)
	out, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("job: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, q db.Querier, id string) (Job, error) {
	return s.get(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (s *PGStore) GetForUpdate(ctx context.Context, q db.Querier, id string) (Job, error) {
	return s.get(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
}

func (s *PGStore) get(ctx context.Context, q db.Querier, query, id string) (Job, error) {
	j, err := scanJob(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

func (s *PGStore) Save(ctx context.Context, q db.Querier, j Job) (Job, error) {
	var before *string
	if j.StatusBeforeDispute != nil {
		v := string(*j.StatusBeforeDispute)
		before = &v
	}
	row := q.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
		    status_before_dispute = $3,
		    assigned_provider_id = $4::uuid,
		    proposed_final_amount = $5::numeric,
		    final_amount = COALESCE(final_amount, $6::numeric),
		    proposed_at = $7,
		    negotiation_deadline = $8,
		    confirmed_at = $9,
		    requester_confirmed = $10,
		    started_at = $11,
		    completed_at = $12,
		    updated_at = $13
		WHERE id = $1
		RETURNING `+jobColumns,
		j.ID, j.Status, before, j.AssignedProviderID,
		amountArg(j.ProposedFinalAmount), amountArg(j.FinalAmount),
		j.ProposedAt, j.NegotiationDeadline, j.ConfirmedAt, j.RequesterConfirmed,
		j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	out, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: save: %w", err)
	}
	return out, nil
}

func (s *PGStore) List(ctx context.Context, q db.Querier, filters Filters) ([]Job, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.RequesterID != "" {
		where = append(where, fmt.Sprintf("requester_id = $%d", len(args)+1))
		args = append(args, filters.RequesterID)
	}
	if filters.ProviderID != "" {
		where = append(where, fmt.Sprintf("id IN (SELECT job_id FROM access_grants WHERE provider_id = $%d)", len(args)+1))
		args = append(args, filters.ProviderID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		jobColumns, whereClause, filters.PageSize, offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("job: query list: %w", err)
	}
	defer rows.Close()

	list := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("job: scan list: %w", err)
		}
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("job: iterate list: %w", err)
	}

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("job: count list: %w", err)
	}
	return list, total, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, q db.Querier, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("job: marshal event payload: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO job_events (job_id, type, actor_id, actor_role, payload, created_at)
		VALUES ($1, $2, $3::uuid, $4, $5::jsonb, $6)
	`, e.JobID, e.Type, e.ActorID, e.ActorRole, string(body), e.CreatedAt); err != nil {
		return fmt.Errorf("job: insert event: %w", err)
	}
	return nil
}

func (s *PGStore) Events(ctx context.Context, q db.Querier, jobID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, job_id::text, type, actor_id::text, actor_role, payload, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.ActorID, &e.ActorRole, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("job: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("job: decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) DueForAutoConfirm(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text
		FROM jobs
		WHERE status = 'AWAITING_SETTLEMENT'
		  AND negotiation_deadline <= $1
		ORDER BY negotiation_deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("job: query due negotiations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("job: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) NegotiationsClosingBy(ctx context.Context, q db.Querier, now, until time.Time, limit int) ([]Job, error) {
	rows, err := q.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'AWAITING_SETTLEMENT'
		  AND negotiation_deadline > $1
		  AND negotiation_deadline <= $2
		ORDER BY negotiation_deadline
		LIMIT $3
	`, now, until, limit)
	if err != nil {
		return nil, fmt.Errorf("job: query closing negotiations: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job: scan closing negotiation: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PGStore) RecordReminder(ctx context.Context, q db.Querier, jobID string, deadline time.Time, thresholdHours int) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO negotiation_reminders (job_id, deadline, threshold_hours)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, jobID, deadline, thresholdHours)
	if err != nil {
		return false, fmt.Errorf("job: record reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		j                            Job
		before                       *string
		budget, proposed, finalValue *string
	)
	err := row.Scan(
		&j.ID,
		&j.RequesterID,
		&j.Title,
		&j.Description,
		&j.Status,
		&before,
		&j.AssignedProviderID,
		&budget,
		&proposed,
		&finalValue,
		&j.ProposedAt,
		&j.NegotiationDeadline,
		&j.ConfirmedAt,
		&j.RequesterConfirmed,
		&j.CommissionSettled,
		&j.StartedAt,
		&j.CompletedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if before != nil {
		st := Status(*before)
		j.StatusBeforeDispute = &st
	}
	if j.Budget, err = parseAmount(budget); err != nil {
		return Job{}, err
	}
	if j.ProposedFinalAmount, err = parseAmount(proposed); err != nil {
		return Job{}, err
	}
	if j.FinalAmount, err = parseAmount(finalValue); err != nil {
		return Job{}, err
	}
	return j, nil
}

func parseAmount(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("job: parse amount %q: %w", *raw, err)
	}
	return &d, nil
}

func amountArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
