// Package infra provisions the PostgreSQL database the stress suite runs
// against and migrates it with the embedded schema.
package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmarket/logger"
	"jobmarket/migrations"
)

// Harness owns a migrated database for one stress run. The database comes
// from an explicit DSN, STRESS_TEST_PG_DSN, a Postgres 16 container or a local
// server, in that order.
type Harness struct {
	src    source
	schema string
	pool   *pgxpool.Pool
}

func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	src, err := resolveSource(ctx, overrideDSN)
	if err != nil {
		return nil, err
	}
	h := &Harness{src: src}
	if src.shared {
		h.schema = fmt.Sprintf("jobmarket_run_%d", time.Now().UnixNano())
	}

	h.pool, err = h.connect(ctx)
	if err != nil {
		_ = src.release(ctx)
		return nil, err
	}
	if _, err := migrations.Apply(ctx, h.pool, logger.Discard()); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("migrate %s database: %w", src.kind, err)
	}
	return h, nil
}

func (h *Harness) connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(h.src.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if h.schema != "" {
		ident := pgx.Identifier{h.schema}.Sanitize()
		if err := h.adminExec(ctx, "CREATE SCHEMA "+ident); err != nil {
			return nil, err
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+ident)
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, nil
}

// adminExec runs sql on a connection outside the pool, whose search_path is
// pinned to the run schema.
func (h *Harness) adminExec(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, h.src.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%s: %w", sql, err)
	}
	return nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string of the underlying database.
func (h *Harness) DSN() string {
	return h.src.dsn
}

// Close drops the run schema on shared databases and stops any container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.schema != "" {
		err = h.adminExec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{h.schema}.Sanitize()+" CASCADE")
	}
	if rerr := h.src.release(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// resetTables lists every table a run writes, children first.
var resetTables = []string{
	"outbox",
	"dispute_responses",
	"disputes",
	"commission_payments",
	"commission_records",
	"negotiation_reminders",
	"credit_transactions",
	"access_grants",
	"job_events",
	"jobs",
	"providers",
	"users",
}

// Reset empties the mutable tables so the next epoch starts clean. The
// schema_migrations bookkeeping is kept.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, "TRUNCATE TABLE "+joinIdents(resetTables)+" CASCADE")
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func joinIdents(names []string) string {
	idents := make([]string, len(names))
	for i, n := range names {
		idents[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(idents, ", ")
}
