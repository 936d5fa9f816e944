package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"jobmarket/db"
)

// Store is the persistence seam of the commission engine.
type Store interface {
	// MarkJobSettled flips jobs.commission_settled and reports false when it
	// was already true.
	MarkJobSettled(ctx context.Context, q db.Querier, jobID string) (bool, error)
	// Insert reports false when a record for the job already exists.
	Insert(ctx context.Context, q db.Querier, r Record) (Record, bool, error)
	Get(ctx context.Context, q db.Querier, id string) (Record, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error)
	GetByJob(ctx context.Context, q db.Querier, jobID string) (Record, error)
	List(ctx context.Context, q db.Querier, filters Filters) ([]Record, int, error)
	DueForReminder(ctx context.Context, q db.Querier, now, until time.Time, limit int) ([]Record, error)
	PastDue(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error)
	BumpReminders(ctx context.Context, q db.Querier, id string, count int) (bool, error)
	MarkOverdue(ctx context.Context, q db.Querier, id string, now time.Time) (Record, bool, error)
	MarkPaid(ctx context.Context, q db.Querier, id, ref string, at time.Time) (Record, error)
	Waive(ctx context.Context, q db.Querier, id, reason string, at time.Time) (Record, error)
	CountOverdue(ctx context.Context, q db.Querier, providerID string) (int, error)
	// ReservePayment fails with ErrDuplicatePayment when the reference was
	// already applied to this record and ErrPaymentRefInUse when it settled
	// another one.
	ReservePayment(ctx context.Context, q db.Querier, ref, commissionID string) error
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

const recordColumns = `id::text, job_id::text, provider_id::text, requester_id::text,
	final_amount::text, rate::text, commission_amount::text, tax_amount::text, total_due::text,
	status, due_at, paid_at, payment_ref, waived_at, waive_reason, reminders_sent, created_at, updated_at`

func (s *PGStore) MarkJobSettled(ctx context.Context, q db.Querier, jobID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE jobs
		SET commission_settled = true, updated_at = now()
		WHERE id = $1 AND commission_settled = false
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("commission: flag job settled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Insert(ctx context.Context, q db.Querier, r Record) (Record, bool, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO commission_records (
			id, job_id, provider_id, requester_id, final_amount, rate,
			commission_amount, tax_amount, total_due, status, due_at, created_at, updated_at
		)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5::numeric, $6::numeric,
			$7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $12)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING `+recordColumns,
		r.ID, r.JobID, r.ProviderID, r.RequesterID,
		r.FinalAmount.String(), r.Rate.String(), r.CommissionAmount.String(), r.TaxAmount.String(), r.TotalDue.String(),
		r.Status, r.DueAt, r.CreatedAt,
	)
	out, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		if db.IsUniqueViolation(err, "commission_records_job_id_key") {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("commission: insert record: %w", err)
	}
	return out, true, nil
}

func (s *PGStore) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	return s.get(ctx, q, `SELECT `+recordColumns+` FROM commission_records WHERE id = $1`, id)
}

func (s *PGStore) GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error) {
	return s.get(ctx, q, `SELECT `+recordColumns+` FROM commission_records WHERE id = $1 FOR UPDATE`, id)
}

func (s *PGStore) GetByJob(ctx context.Context, q db.Querier, jobID string) (Record, error) {
	return s.get(ctx, q, `SELECT `+recordColumns+` FROM commission_records WHERE job_id = $1`, jobID)
}

func (s *PGStore) get(ctx context.Context, q db.Querier, query string, args ...any) (Record, error) {
	r, err := scanRecord(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("commission: get record: %w", err)
	}
	return r, nil
}

func (s *PGStore) List(ctx context.Context, q db.Querier, filters Filters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 1000 {
		filters.PageSize = 50
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ProviderID != "" {
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)+1))
		args = append(args, filters.ProviderID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.From != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)+1))
		args = append(args, *filters.To)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	offset := (filters.Page - 1) * filters.PageSize
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM commission_records%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		recordColumns, whereClause, filters.PageSize, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("commission: query list: %w", err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM commission_records"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("commission: count list: %w", err)
	}
	return list, total, nil
}

func (s *PGStore) DueForReminder(ctx context.Context, q db.Querier, now, until time.Time, limit int) ([]Record, error) {
	rows, err := q.Query(ctx, `
		SELECT `+recordColumns+`
		FROM commission_records
		WHERE status = 'PENDING'
		  AND due_at > $1
		  AND due_at <= $2
		ORDER BY due_at
		LIMIT $3
	`, now, until, limit)
	if err != nil {
		return nil, fmt.Errorf("commission: query reminders: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) PastDue(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text
		FROM commission_records
		WHERE status = 'PENDING'
		  AND due_at <= $1
		ORDER BY due_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("commission: query past due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("commission: scan past due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) BumpReminders(ctx context.Context, q db.Querier, id string, count int) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE commission_records
		SET reminders_sent = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND reminders_sent < $2
	`, id, count)
	if err != nil {
		return false, fmt.Errorf("commission: bump reminders: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) MarkOverdue(ctx context.Context, q db.Querier, id string, now time.Time) (Record, bool, error) {
	r, err := scanRecord(q.QueryRow(ctx, `
		UPDATE commission_records
		SET status = 'OVERDUE', updated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND due_at <= $2
		RETURNING `+recordColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("commission: mark overdue: %w", err)
	}
	return r, true, nil
}

func (s *PGStore) MarkPaid(ctx context.Context, q db.Querier, id, ref string, at time.Time) (Record, error) {
	r, err := scanRecord(q.QueryRow(ctx, `
		UPDATE commission_records
		SET status = 'PAID', paid_at = $3, payment_ref = $2, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'OVERDUE')
		RETURNING `+recordColumns, id, ref, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: record is not awaiting payment", ErrInvalidTransition)
		}
		return Record{}, fmt.Errorf("commission: mark paid: %w", err)
	}
	return r, nil
}

func (s *PGStore) Waive(ctx context.Context, q db.Querier, id, reason string, at time.Time) (Record, error) {
	r, err := scanRecord(q.QueryRow(ctx, `
		UPDATE commission_records
		SET status = 'WAIVED', waived_at = $3, waive_reason = $2, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'OVERDUE')
		RETURNING `+recordColumns, id, reason, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: record is not awaiting payment", ErrInvalidTransition)
		}
		return Record{}, fmt.Errorf("commission: waive: %w", err)
	}
	return r, nil
}

func (s *PGStore) CountOverdue(ctx context.Context, q db.Querier, providerID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM commission_records WHERE provider_id = $1 AND status = 'OVERDUE'
	`, providerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("commission: count overdue: %w", err)
	}
	return n, nil
}

func (s *PGStore) ReservePayment(ctx context.Context, q db.Querier, ref, commissionID string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty payment reference", ErrInvalidInput)
	}
	var owner string
	err := q.QueryRow(ctx, `
		INSERT INTO commission_payments (payment_ref, commission_id) VALUES ($1, $2)
		ON CONFLICT (payment_ref) DO NOTHING
		RETURNING commission_id::text
	`, ref, commissionID).Scan(&owner)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("commission: reserve payment: %w", err)
	}
	if err := q.QueryRow(ctx, `SELECT commission_id::text FROM commission_payments WHERE payment_ref = $1`, ref).Scan(&owner); err != nil {
		return fmt.Errorf("commission: payment owner: %w", err)
	}
	if owner != commissionID {
		return ErrPaymentRefInUse
	}
	return ErrDuplicatePayment
}

func collect(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	list := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("commission: scan record: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commission: iterate records: %w", err)
	}
	return list, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r                                      Record
		final, rate, commission, tax, totalDue string
	)
	err := row.Scan(
		&r.ID,
		&r.JobID,
		&r.ProviderID,
		&r.RequesterID,
		&final,
		&rate,
		&commission,
		&tax,
		&totalDue,
		&r.Status,
		&r.DueAt,
		&r.PaidAt,
		&r.PaymentRef,
		&r.WaivedAt,
		&r.WaiveReason,
		&r.RemindersSent,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{final, &r.FinalAmount},
		{rate, &r.Rate},
		{commission, &r.CommissionAmount},
		{tax, &r.TaxAmount},
		{totalDue, &r.TotalDue},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Record{}, fmt.Errorf("commission: parse amount %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return r, nil
}
