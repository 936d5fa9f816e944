package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_commission_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM commission_records
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_commission_matches_job",
			SQL: `SELECT c.id, c.final_amount, j.final_amount FROM commission_records c
                  JOIN jobs j ON j.id = c.job_id
                  WHERE j.final_amount IS DISTINCT FROM c.final_amount
                     OR j.assigned_provider_id IS DISTINCT FROM c.provider_id
                     OR NOT j.commission_settled`,
		},
		{
			Name: "O3_completed_is_settled",
			SQL: `SELECT id, status FROM jobs
                  WHERE status = 'COMPLETED' AND (final_amount IS NULL OR NOT commission_settled)`,
		},
		{
			Name: "O4_single_assignment",
			SQL: `SELECT job_id, COUNT(*) FROM job_events
                  WHERE type = 'PROVIDER_ASSIGNED'
                  GROUP BY job_id
                  HAVING COUNT(*) > 1 + (SELECT COUNT(*) FROM job_events r
                                         WHERE r.job_id = job_events.job_id AND r.type = 'DISPUTE_REOPENED')`,
		},
		{
			Name: "O5_winner_has_access",
			SQL: `SELECT j.id, j.assigned_provider_id FROM jobs j
                  WHERE j.assigned_provider_id IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM access_grants g
                                    WHERE g.job_id = j.id AND g.provider_id = j.assigned_provider_id)`,
		},
		{
			Name: "O6_credit_ledger_balances",
			SQL: `SELECT p.id, p.credit_balance, COALESCE(SUM(t.delta), 0) AS ledger
                  FROM providers p
                  LEFT JOIN credit_transactions t ON t.provider_id = p.id
                  GROUP BY p.id, p.credit_balance
                  HAVING p.credit_balance <> COALESCE(SUM(t.delta), 0)`,
		},
		{
			Name: "O7_single_credit_consume",
			SQL: `SELECT provider_id, job_id, COUNT(*) FROM credit_transactions
                  WHERE kind = 'CONSUME'
                  GROUP BY provider_id, job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_payment_refs_point_once",
			SQL: `SELECT c.id FROM commission_records c
                  WHERE c.status = 'PAID'
                    AND NOT EXISTS (SELECT 1 FROM commission_payments p
                                    WHERE p.commission_id = c.id AND p.payment_ref = c.payment_ref)`,
		},
		{
			Name: "O9_job_guard_triggers",
			SQL: `SELECT t.name AS missing FROM (VALUES ('jobs_guard_update'), ('jobs_guard_delete')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
