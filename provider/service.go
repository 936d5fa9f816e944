package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobmarket/db"
	"jobmarket/logger"
)

// DefaultAllocationPeriod is how often a provider may receive the free allocation.
const DefaultAllocationPeriod = 7 * 24 * time.Hour

// Service exposes business-level provider operations.
type Service struct {
	pool             db.Pool
	repo             *Repository
	log              *slog.Logger
	now              func() time.Time
	allocationPeriod time.Duration
}

// NewService builds a Service using the provided pool.
func NewService(pool db.Pool, log *slog.Logger) *Service {
	return &Service{
		pool:             pool,
		repo:             NewRepository(pool),
		log:              logger.OrDefault(log),
		now:              time.Now,
		allocationPeriod: DefaultAllocationPeriod,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAllocationPeriod sets the minimum spacing between two allocations to
// the same provider.
func (s *Service) WithAllocationPeriod(d time.Duration) *Service {
	if d > 0 {
		s.allocationPeriod = d
	}
	return s
}

// Repository exposes the tx-scoped operations other packages compose.
func (s *Service) Repository() *Repository {
	return s.repo
}

// GetByID returns the provider profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit provider profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// Transactions returns the provider's credit log, newest first.
func (s *Service) Transactions(ctx context.Context, id string, limit int) ([]CreditTransaction, error) {
	return s.repo.Transactions(ctx, id, limit)
}

// AllocateWeekly tops every active provider's balance up to allocation, at
// most once per allocation period. Repeated or restarted passes inside the
// period add nothing. A failure on one provider is logged and the rest are
// still processed.
func (s *Service) AllocateWeekly(ctx context.Context, allocation int) (int, error) {
	ids, err := s.repo.ListActiveIDs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	notAfter := allocationCutoff(now, s.allocationPeriod)
	topped := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return topped, err
		}
		added, err := s.topUp(ctx, id, allocation, notAfter, now)
		if err != nil {
			logger.WithContext(ctx, s.log).Error("provider: weekly allocation failed", "provider_id", id, "err", err)
			continue
		}
		if added > 0 {
			topped++
		}
	}
	return topped, nil
}

// allocationCutoff is the latest previous allocation that still lets a
// provider be topped up at now. A pass that fires slightly early on its
// schedule still counts as the next period.
func allocationCutoff(now time.Time, period time.Duration) time.Time {
	return now.Add(-period + period/100)
}

func (s *Service) topUp(ctx context.Context, id string, allocation int, notAfter, at time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("provider: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	added, err := s.repo.TopUpCredits(ctx, tx, id, allocation, notAfter, at)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("provider: commit allocation: %w", err)
	}
	return added, nil
}
