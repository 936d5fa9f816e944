// Package settings exposes externally managed platform configuration that
// business rules read fresh at every computation.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"jobmarket/db"
	"jobmarket/logger"
)

const (
	KeyCommissionRate       = "commission_rate"
	KeyFreeAccessAllocation = "free_access_allocation"
)

// Provider is the read contract for platform settings.
type Provider interface {
	CommissionRate(ctx context.Context) (decimal.Decimal, error)
	FreeAccessAllocation(ctx context.Context) (int, error)
}

// Defaults apply only when the settings store has no usable value.
type Defaults struct {
	CommissionRate       decimal.Decimal
	FreeAccessAllocation int
}

// PGProvider reads platform_settings on every call.
type PGProvider struct {
	q        db.Querier
	defaults Defaults
	log      *slog.Logger
}

func NewPGProvider(q db.Querier, defaults Defaults, log *slog.Logger) *PGProvider {
	return &PGProvider{q: q, defaults: defaults, log: logger.OrDefault(log)}
}

func (p *PGProvider) CommissionRate(ctx context.Context) (decimal.Decimal, error) {
	raw, ok, err := p.lookup(ctx, KeyCommissionRate)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return p.defaults.CommissionRate, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		p.log.Warn("settings: unusable commission rate, using default", "value", raw)
		return p.defaults.CommissionRate, nil
	}
	return rate, nil
}

func (p *PGProvider) FreeAccessAllocation(ctx context.Context) (int, error) {
	raw, ok, err := p.lookup(ctx, KeyFreeAccessAllocation)
	if err != nil {
		return 0, err
	}
	if !ok {
		return p.defaults.FreeAccessAllocation, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		p.log.Warn("settings: unusable free access allocation, using default", "value", raw)
		return p.defaults.FreeAccessAllocation, nil
	}
	return n, nil
}

// Set upserts a setting value.
func (p *PGProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO platform_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

func (p *PGProvider) lookup(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.q.QueryRow(ctx, `SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("settings: read %s: %w", key, err)
	}
	return value, true, nil
}

// Static serves fixed values. Used by tests and by tooling without a database.
type Static struct {
	Rate       decimal.Decimal
	Allocation int
}

func (s Static) CommissionRate(context.Context) (decimal.Decimal, error) { return s.Rate, nil }

func (s Static) FreeAccessAllocation(context.Context) (int, error) { return s.Allocation, nil }
