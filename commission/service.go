package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/db"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/notify"
	"jobmarket/settings"
)

var (
	ErrNotFound          = fmt.Errorf("commission: record %w", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("commission: %w", apperr.ErrInvalidTransition)
	ErrInvalidInput      = fmt.Errorf("commission: %w", apperr.ErrInvalidInput)
	ErrForbidden         = fmt.Errorf("commission: %w", apperr.ErrUnauthorized)
	// ErrDuplicatePayment means the payment reference was already applied.
	ErrDuplicatePayment = fmt.Errorf("commission: duplicate payment reference: %w", apperr.ErrAlreadySettled)
	// ErrPaymentRefInUse means the reference already settled a different record.
	ErrPaymentRefInUse = fmt.Errorf("commission: payment reference belongs to another commission: %w", apperr.ErrConflictingClaim)
)

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

const (
	DefaultDueIn     = 7 * 24 * time.Hour
	suspensionReason = "commission overdue"
)

// Grants is the ledger lookup used to decide whether a job is chargeable.
type Grants interface {
	GrantFor(ctx context.Context, q db.Querier, jobID, providerID string) (ledger.Grant, error)
}

// Accounts suspends and reinstates providers, implemented by *provider.Repository.
type Accounts interface {
	Suspend(ctx context.Context, q db.Querier, id, reason string) error
	Reinstate(ctx context.Context, q db.Querier, id string) error
}

// Engine settles commissions exactly once per job and follows the resulting
// records through reminders, overdue escalation and payment.
type Engine struct {
	pool        db.Pool
	store       Store
	grants      Grants
	accounts    Accounts
	rates       settings.Provider
	notifier    notify.Notifier
	log         *slog.Logger
	now         func() time.Time
	idGenerator func() string
	dueIn       time.Duration
}

func NewEngine(pool db.Pool, store Store, grants Grants, accounts Accounts, rates settings.Provider, notifier notify.Notifier, log *slog.Logger) *Engine {
	if store == nil {
		store = NewPGStore()
	}
	return &Engine{
		pool:        pool,
		store:       store,
		grants:      grants,
		accounts:    accounts,
		rates:       rates,
		notifier:    notifier,
		log:         logger.OrDefault(log),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
		dueIn:       DefaultDueIn,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithDueIn(d time.Duration) *Engine {
	if d > 0 {
		e.dueIn = d
	}
	return e
}

// SettleTx evaluates the commission of a completed job inside the caller's
// transaction. The settled flag is flipped first with a guarded update, so a
// concurrent or repeated call observes AlreadySettled and writes nothing.
func (e *Engine) SettleTx(ctx context.Context, q db.Querier, j job.Job) (job.Settlement, error) {
	if j.FinalAmount == nil {
		return job.Settlement{}, badInput("job %s has no final amount", j.ID)
	}
	log := logger.WithContext(ctx, e.log).With("job_id", j.ID)

	flipped, err := e.store.MarkJobSettled(ctx, q, j.ID)
	if err != nil {
		return job.Settlement{}, err
	}
	if !flipped {
		log.Info("commission: already settled", "kind", apperr.KindAlreadySettled)
		return job.Settlement{AlreadySettled: true}, nil
	}
	if j.AssignedProviderID == nil {
		log.Warn("commission: completed job has no provider, nothing to charge")
		return job.Settlement{}, nil
	}
	providerID := *j.AssignedProviderID

	grant, err := e.grants.GrantFor(ctx, q, j.ID, providerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoGrant) {
			log.Warn("commission: winner has no access grant, nothing to charge", "provider_id", providerID)
			return job.Settlement{}, nil
		}
		return job.Settlement{}, err
	}
	if grant.Method != ledger.MethodCredit {
		log.Info("commission: access method is fee exempt", "provider_id", providerID, "method", grant.Method)
		return job.Settlement{}, nil
	}

	rate, err := e.rates.CommissionRate(ctx)
	if err != nil {
		return job.Settlement{}, fmt.Errorf("commission: read rate: %w", err)
	}
	b, err := Compute(*j.FinalAmount, rate)
	if err != nil {
		return job.Settlement{}, err
	}

	now := e.now().UTC()
	rec, inserted, err := e.store.Insert(ctx, q, Record{
		ID:               e.idGenerator(),
		JobID:            j.ID,
		ProviderID:       providerID,
		RequesterID:      j.RequesterID,
		FinalAmount:      b.FinalAmount,
		Rate:             b.Rate,
		CommissionAmount: b.CommissionAmount,
		TaxAmount:        b.TaxAmount,
		TotalDue:         b.TotalDue,
		Status:           StatusPending,
		DueAt:            now.Add(e.dueIn),
		CreatedAt:        now,
	})
	if err != nil {
		return job.Settlement{}, err
	}
	if !inserted {
		log.Warn("commission: record already exists for job", "kind", apperr.KindAlreadySettled)
		return job.Settlement{AlreadySettled: true}, nil
	}

	log.Info("commission: record created", "commission_id", rec.ID, "provider_id", providerID, "total_due", rec.TotalDue.String())
	return job.Settlement{
		Charged:  true,
		RecordID: rec.ID,
		TotalDue: rec.TotalDue.String(),
		Notifications: []notify.Message{{
			ProviderID: providerID,
			Kind:       notify.KindCommissionCreated,
			Payload: map[string]any{
				"job_id":            j.ID,
				"commission_id":     rec.ID,
				"commission_amount": rec.CommissionAmount.String(),
				"tax_amount":        rec.TaxAmount.String(),
				"total_due":         rec.TotalDue.String(),
				"due_at":            rec.DueAt,
			},
		}},
	}, nil
}

// Settle runs SettleTx in its own transaction. The job must already be
// completed; it is used to retry settlement outside a transition.
func (e *Engine) Settle(ctx context.Context, j job.Job) (job.Settlement, error) {
	if j.Status != job.StatusCompleted {
		return job.Settlement{}, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return job.Settlement{}, fmt.Errorf("commission: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := e.SettleTx(ctx, tx, j)
	if err != nil {
		return job.Settlement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return job.Settlement{}, fmt.Errorf("commission: commit settle: %w", err)
	}
	notify.Dispatch(ctx, e.log, e.notifier, out.Notifications...)
	return out, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	return e.store.Get(ctx, e.pool, id)
}

func (e *Engine) ForJob(ctx context.Context, jobID string) (Record, error) {
	return e.store.GetByJob(ctx, e.pool, jobID)
}

func (e *Engine) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return ListResult{}, badInput("unknown status %q", filters.Status)
	}
	items, total, err := e.store.List(ctx, e.pool, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// SweepCommissionReminders sends the escalating reminders for records due
// within ReminderHorizon, then escalates past-due records to OVERDUE and
// suspends their providers. Per-record failures are logged and skipped.
func (e *Engine) SweepCommissionReminders(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 100
	}
	var report SweepReport
	if err := e.sendReminders(ctx, limit, &report); err != nil {
		return report, err
	}
	if err := e.escalateOverdue(ctx, limit, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) sendReminders(ctx context.Context, limit int, report *SweepReport) error {
	now := e.now().UTC()
	records, err := e.store.DueForReminder(ctx, e.pool, now, now.Add(ReminderHorizon), limit)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, e.log)
	report.Scanned += len(records)
	for _, r := range records {
		want := remindersDue(r.DueAt.Sub(now))
		if want <= r.RemindersSent {
			report.Skipped++
			continue
		}
		bumped, err := e.store.BumpReminders(ctx, e.pool, r.ID, want)
		if err != nil {
			report.Failed++
			log.Error("commission: bump reminders failed", "commission_id", r.ID, "err", err)
			continue
		}
		if !bumped {
			report.Skipped++
			continue
		}
		notify.Dispatch(ctx, e.log, e.notifier, notify.Message{
			ProviderID: r.ProviderID,
			Kind:       notify.KindCommissionReminder,
			Payload: map[string]any{
				"commission_id":  r.ID,
				"job_id":         r.JobID,
				"total_due":      r.TotalDue.String(),
				"due_at":         r.DueAt,
				"reminders_sent": want,
			},
		})
		report.Reminded++
	}
	return nil
}

func (e *Engine) escalateOverdue(ctx context.Context, limit int, report *SweepReport) error {
	ids, err := e.store.PastDue(ctx, e.pool, e.now().UTC(), limit)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, e.log)
	report.Scanned += len(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, escalated, err := e.markOverdue(ctx, id)
		if err != nil {
			report.Failed++
			log.Error("commission: overdue escalation failed", "commission_id", id, "err", err)
			continue
		}
		if !escalated {
			report.Skipped++
			continue
		}
		notify.Dispatch(ctx, e.log, e.notifier, notify.Message{
			ProviderID: rec.ProviderID,
			Kind:       notify.KindCommissionOverdue,
			Payload: map[string]any{
				"commission_id": rec.ID,
				"job_id":        rec.JobID,
				"total_due":     rec.TotalDue.String(),
				"due_at":        rec.DueAt,
			},
		})
		report.Overdue++
	}
	return nil
}

// markOverdue escalates one record and suspends its provider atomically. The
// status and due date are re-checked by the guarded update.
func (e *Engine) markOverdue(ctx context.Context, id string) (Record, bool, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("commission: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, ok, err := e.store.MarkOverdue(ctx, tx, id, e.now().UTC())
	if err != nil || !ok {
		return Record{}, false, err
	}
	if err := e.accounts.Suspend(ctx, tx, rec.ProviderID, suspensionReason); err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, fmt.Errorf("commission: commit overdue: %w", err)
	}
	logger.WithContext(ctx, e.log).Warn("commission: overdue, provider suspended",
		"commission_id", rec.ID, "provider_id", rec.ProviderID)
	return rec, true, nil
}

// MarkPaid applies a gateway payment. The amount must equal the record's
// total due. A repeated reference for the same record returns the current
// record without changes; one already used by another record is a conflict.
// The provider is reinstated once no overdue record remains.
func (e *Engine) MarkPaid(ctx context.Context, p Payment) (Record, error) {
	ref := strings.TrimSpace(p.Reference)
	if p.CommissionID == "" || ref == "" {
		return Record{}, badInput("commission id and payment reference are required")
	}
	if !p.Amount.IsPositive() {
		return Record{}, badInput("payment amount must be positive")
	}
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = e.now()
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("commission: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := e.store.GetForUpdate(ctx, tx, p.CommissionID)
	if err != nil {
		return Record{}, err
	}
	if !p.Amount.Equal(current.TotalDue) {
		logger.WithContext(ctx, e.log).Warn("commission: payment amount mismatch",
			"commission_id", current.ID, "payment_ref", ref, "amount", p.Amount.String(), "total_due", current.TotalDue.String())
		return Record{}, badInput("payment amount %s does not match total due %s", p.Amount.StringFixed(2), current.TotalDue.StringFixed(2))
	}
	if err := e.store.ReservePayment(ctx, tx, ref, p.CommissionID); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			logger.WithContext(ctx, e.log).Info("commission: duplicate payment ignored", "commission_id", p.CommissionID, "payment_ref", ref)
			return e.store.Get(ctx, e.pool, p.CommissionID)
		}
		return Record{}, err
	}

	rec, err := e.store.MarkPaid(ctx, tx, p.CommissionID, ref, paidAt.UTC())
	if err != nil {
		return Record{}, err
	}
	reinstated, err := e.reinstateIfClear(ctx, tx, rec.ProviderID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commission: commit payment: %w", err)
	}

	logger.WithContext(ctx, e.log).Info("commission: paid",
		"commission_id", rec.ID, "payment_ref", ref, "reinstated", reinstated)
	notify.Dispatch(ctx, e.log, e.notifier, notify.Message{
		ProviderID: rec.ProviderID,
		Kind:       notify.KindCommissionPaid,
		Payload:    map[string]any{"commission_id": rec.ID, "job_id": rec.JobID, "payment_ref": ref},
	})
	return rec, nil
}

// Waive cancels an unpaid commission. Arbitrators only, with a reason.
func (e *Engine) Waive(ctx context.Context, actor auth.Identity, id, reason string) (Record, error) {
	if actor.Role != auth.RoleArbitrator {
		return Record{}, fmt.Errorf("%w: only an arbitrator may waive a commission", ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, badInput("a reason is required to waive a commission")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("commission: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := e.store.Waive(ctx, tx, id, reason, e.now().UTC())
	if err != nil {
		return Record{}, err
	}
	if _, err := e.reinstateIfClear(ctx, tx, rec.ProviderID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commission: commit waiver: %w", err)
	}

	notify.Dispatch(ctx, e.log, e.notifier, notify.Message{
		ProviderID: rec.ProviderID,
		Kind:       notify.KindCommissionWaived,
		Payload:    map[string]any{"commission_id": rec.ID, "job_id": rec.JobID, "reason": reason},
	})
	return rec, nil
}

func (e *Engine) reinstateIfClear(ctx context.Context, q db.Querier, providerID string) (bool, error) {
	n, err := e.store.CountOverdue(ctx, q, providerID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := e.accounts.Reinstate(ctx, q, providerID); err != nil {
		return false, err
	}
	return true, nil
}
