// Package actors drives the lifecycle services from many goroutines at once.
// Every actor loops until stop closes and tallies outcomes by error kind;
// domain rejections are expected under contention and only internal failures
// count against a run.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"jobmarket/app"
	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/commission"
	"jobmarket/dispute"
	"jobmarket/job"
	"jobmarket/ledger"
)

// Tally counts outcomes per actor and error kind.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
	errs   []error
}

func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

func (t *Tally) record(actor string, err error) {
	kind := "ok"
	if err != nil {
		kind = string(apperr.KindOf(err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[actor+"/"+kind]++
	if kind == string(apperr.KindInternal) && len(t.errs) < 20 {
		t.errs = append(t.errs, fmt.Errorf("%s: %w", actor, err))
	}
}

// Counts returns a copy of the tallies keyed "actor/kind".
func (t *Tally) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Internal returns a sample of the non-domain failures seen.
func (t *Tally) Internal() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// World is the seeded population every actor draws from.
type World struct {
	App        *app.App
	Requester  auth.Identity
	Arbitrator auth.Identity
	Providers  []auth.Identity
	JobIDs     []string
}

func (w *World) randomJob() string {
	return w.JobIDs[rand.Intn(len(w.JobIDs))]
}

func (w *World) randomProvider() auth.Identity {
	return w.Providers[rand.Intn(len(w.Providers))]
}

func loop(ctx context.Context, stop <-chan struct{}, pause time.Duration, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(pause + time.Duration(rand.Int63n(int64(pause))))
	}
}

// Granter buys access with a credit. Repeat grants for the same pair race on
// the primary key and must consume at most one credit.
func Granter(ctx context.Context, w *World, p auth.Identity, tally *Tally, stop <-chan struct{}) error {
	return loop(ctx, stop, 10*time.Millisecond, func() {
		_, err := w.App.Ledger.Grant(ctx, ledger.GrantParams{
			JobID:      w.randomJob(),
			ProviderID: p.ProviderID,
			Method:     ledger.MethodCredit,
		})
		tally.record("grant", err)
	})
}

// Claimer flags a win on a random job.
func Claimer(ctx context.Context, w *World, p auth.Identity, tally *Tally, stop <-chan struct{}) error {
	return loop(ctx, stop, 15*time.Millisecond, func() {
		_, err := w.App.Ledger.ClaimWin(ctx, w.randomJob(), p.ProviderID)
		tally.record("claim", err)
	})
}

// Chooser confirms a random provider as winner and starts the work.
func Chooser(ctx context.Context, w *World, tally *Tally, stop <-chan struct{}) error {
	actor := job.ActorFrom(w.Requester)
	return loop(ctx, stop, 20*time.Millisecond, func() {
		jobID := w.randomJob()
		providerID := ""
		if rand.Intn(2) == 0 {
			providerID = w.randomProvider().ProviderID
		}
		_, err := w.App.Jobs.ConfirmWinner(ctx, jobID, actor, providerID)
		tally.record("confirm_winner", err)
		_, err = w.App.Jobs.ConfirmStart(ctx, jobID, actor)
		tally.record("start", err)
	})
}

// Proposer offers a closing price as a random provider.
func Proposer(ctx context.Context, w *World, tally *Tally, stop <-chan struct{}) error {
	return loop(ctx, stop, 20*time.Millisecond, func() {
		amount := decimal.New(int64(50+rand.Intn(950)), 0).Add(decimal.New(int64(rand.Intn(100)), -2))
		_, err := w.App.Jobs.ProposeFinalPrice(ctx, w.randomJob(), job.ActorFrom(w.randomProvider()), amount)
		tally.record("propose", err)
	})
}

// Settler races the requester's answer, the arbitrator override, the timeout
// sweep and a direct settlement against one another.
func Settler(ctx context.Context, w *World, tally *Tally, stop <-chan struct{}) error {
	requester := job.ActorFrom(w.Requester)
	arbitrator := job.ActorFrom(w.Arbitrator)
	return loop(ctx, stop, 15*time.Millisecond, func() {
		jobID := w.randomJob()
		switch rand.Intn(5) {
		case 0:
			_, err := w.App.Jobs.ConfirmFinalPrice(ctx, jobID, requester, true, "")
			tally.record("confirm_price", err)
		case 1:
			_, err := w.App.Jobs.ConfirmFinalPrice(ctx, jobID, requester, false, "not what we agreed")
			tally.record("reject_price", err)
		case 2:
			_, err := w.App.Jobs.OverrideFinalPrice(ctx, jobID, arbitrator, "stress override")
			tally.record("override", err)
		case 3:
			_, err := w.App.Jobs.SweepNegotiationTimeouts(ctx, 50)
			tally.record("timeout_sweep", err)
		default:
			j, err := w.App.Jobs.Get(ctx, jobID)
			if err != nil {
				tally.record("settle", err)
				return
			}
			_, err = w.App.Commissions.Settle(ctx, j)
			tally.record("settle", err)
		}
	})
}

// Disputer raises disputes as the requester and resolves them as the
// arbitrator, preferring outcomes that keep the job moving.
func Disputer(ctx context.Context, w *World, tally *Tally, stop <-chan struct{}) error {
	resolutions := []dispute.Resolution{dispute.ResolutionResume, dispute.ResolutionReopen, dispute.ResolutionComplete}
	return loop(ctx, stop, 60*time.Millisecond, func() {
		rec, err := w.App.Disputes.Raise(ctx, w.Requester, dispute.RaiseParams{
			JobID:   w.randomJob(),
			Details: "provider stopped responding",
		})
		tally.record("raise", err)
		if err != nil {
			return
		}
		_, err = w.App.Disputes.Resolve(ctx, w.Arbitrator, rec.ID, dispute.ResolveParams{
			Resolution:    resolutions[rand.Intn(len(resolutions))],
			Notes:         "stress resolution",
			ReverseCredit: rand.Intn(2) == 0,
		})
		tally.record("resolve", err)
	})
}

// Payer settles pending commissions. Several payers reuse one reference per
// record so duplicate deliveries collide.
func Payer(ctx context.Context, w *World, pool *pgxpool.Pool, tally *Tally, stop <-chan struct{}) error {
	return loop(ctx, stop, 30*time.Millisecond, func() {
		var id, due string
		err := pool.QueryRow(ctx, `SELECT id::text, total_due::text FROM commission_records WHERE status IN ('PENDING','OVERDUE')
                                   ORDER BY random() LIMIT 1`).Scan(&id, &due)
		if err != nil {
			return
		}
		_, err = w.App.Commissions.MarkPaid(ctx, commission.Payment{
			CommissionID: id,
			Reference:    "stress-" + id,
			Amount:       decimal.RequireFromString(due),
			PaidAt:       time.Now().UTC(),
		})
		tally.record("mark_paid", err)
	})
}

// OutboxDrainer marks pending notifications delivered with SKIP LOCKED, the
// way a relay process would.
func OutboxDrainer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		_, _ = tx.Exec(ctx, `UPDATE outbox SET delivered_at = now()
                              WHERE id IN (SELECT id FROM outbox WHERE delivered_at IS NULL
                                           ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10)`)
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
