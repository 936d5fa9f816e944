package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"jobmarket/app"
	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/commission"
	"jobmarket/config"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/test/actors"
	"jobmarket/test/chaos"
	"jobmarket/test/infra"
	"jobmarket/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run the lifecycle stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent provider actors")
	flJobs        = flag.Int("jobs", 12, "number of jobs actors compete over")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while actors run")
)

var harness *infra.Harness

// The suite needs a real Postgres, so it only runs with STRESS=1.
func TestMain(m *testing.M) {
	flag.Parse()
	if os.Getenv("STRESS") == "" {
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	h, err := infra.NewHarness(ctx, *flDSN)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stress harness: %v\n", err)
		os.Exit(1)
	}
	harness = h

	code := m.Run()
	if err := h.Close(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "teardown warning: %v\n", err)
	}
	os.Exit(code)
}

func TestSettlementRace(t *testing.T) {
	w := newWorld(t, 4, 1)
	ctx := context.Background()
	jobID := w.JobIDs[0]
	winner := w.Providers[0]

	driveToAwaiting(t, ctx, w, jobID, winner, decimal.RequireFromString("480.00"))

	requester := job.ActorFrom(w.Requester)
	arbitrator := job.ActorFrom(w.Arbitrator)
	var g errgroup.Group
	results := make([]error, 16)
	for i := range results {
		g.Go(func() error {
			var err error
			switch i % 4 {
			case 0:
				_, err = w.App.Jobs.ConfirmFinalPrice(ctx, jobID, requester, true, "")
			case 1:
				_, err = w.App.Jobs.OverrideFinalPrice(ctx, jobID, arbitrator, "race")
			case 2:
				var j job.Job
				if j, err = w.App.Jobs.Get(ctx, jobID); err == nil {
					_, err = w.App.Commissions.Settle(ctx, j)
				}
			default:
				_, err = w.App.Jobs.ConfirmFinalPrice(ctx, jobID, requester, false, "too high")
			}
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil && !apperr.IsDomain(err) {
			t.Fatalf("attempt %d failed outside the domain taxonomy: %v", i, err)
		}
	}

	j, err := w.App.Jobs.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	var records int
	if err := harness.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM commission_records WHERE job_id = $1`, jobID).Scan(&records); err != nil {
		t.Fatalf("count commissions: %v", err)
	}

	switch j.Status {
	case job.StatusCompleted:
		if !j.CommissionSettled || records != 1 {
			t.Fatalf("completed job: settled=%v records=%d, want settled with one record", j.CommissionSettled, records)
		}
		if !j.FinalAmount.Equal(decimal.RequireFromString("480.00")) {
			t.Fatalf("final amount = %s", j.FinalAmount)
		}
	case job.StatusInProgress:
		// A rejection won the lock first; nothing may have been charged.
		if j.CommissionSettled || records != 0 || j.FinalAmount != nil {
			t.Fatalf("rejected job carries settlement: settled=%v records=%d", j.CommissionSettled, records)
		}
	default:
		t.Fatalf("job ended in %s", j.Status)
	}
	assertOracles(t, ctx)
}

func TestConcurrentGrantsConsumeOneCredit(t *testing.T) {
	w := newWorld(t, 1, 1)
	ctx := context.Background()
	p := w.Providers[0]

	before, err := w.App.Providers.GetByID(ctx, p.ProviderID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}

	var g errgroup.Group
	granted := make([]bool, 12)
	for i := range granted {
		g.Go(func() error {
			_, err := w.App.Ledger.Grant(ctx, ledger.GrantParams{JobID: w.JobIDs[0], ProviderID: p.ProviderID, Method: ledger.MethodCredit})
			switch {
			case err == nil:
				granted[i] = true
			case errors.Is(err, ledger.ErrAlreadyGranted):
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("grant: %v", err)
	}

	wins := 0
	for _, ok := range granted {
		if ok {
			wins++
		}
	}
	after, err := w.App.Providers.GetByID(ctx, p.ProviderID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if wins != 1 || after.CreditBalance != before.CreditBalance-1 {
		t.Fatalf("wins=%d balance %d -> %d, want one grant and one credit", wins, before.CreditBalance, after.CreditBalance)
	}
	assertOracles(t, ctx)
}

func TestDuplicatePaymentDeliveries(t *testing.T) {
	w := newWorld(t, 1, 1)
	ctx := context.Background()
	jobID := w.JobIDs[0]

	driveToAwaiting(t, ctx, w, jobID, w.Providers[0], decimal.RequireFromString("200.00"))
	if _, err := w.App.Jobs.ConfirmFinalPrice(ctx, jobID, job.ActorFrom(w.Requester), true, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, err := w.App.Commissions.ForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("commission: %v", err)
	}

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := w.App.Commissions.MarkPaid(ctx, commission.Payment{
				CommissionID: rec.ID,
				Reference:    "psp-" + rec.ID,
				Amount:       rec.TotalDue,
				PaidAt:       time.Now().UTC(),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("duplicate delivery surfaced an error: %v", err)
	}

	var payments int
	if err := harness.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM commission_payments WHERE commission_id = $1`, rec.ID).Scan(&payments); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 1 {
		t.Fatalf("payments = %d, want 1", payments)
	}
	assertOracles(t, ctx)
}

func TestLifecycleConcurrency(t *testing.T) {
	seed := *flSeed
	rand.Seed(seed)
	w := newWorld(t, *flConcurrency, *flJobs)
	pool := harness.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+30*time.Second)
	defer cancel()

	tally := actors.NewTally()
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, p := range w.Providers {
		g.Go(func() error { return actors.Granter(gctx, w, p, tally, stop) })
		g.Go(func() error { return actors.Claimer(gctx, w, p, tally, stop) })
	}
	g.Go(func() error { return actors.Chooser(gctx, w, tally, stop) })
	g.Go(func() error { return actors.Proposer(gctx, w, tally, stop) })
	g.Go(func() error { return actors.Settler(gctx, w, tally, stop) })
	g.Go(func() error { return actors.Settler(gctx, w, tally, stop) })
	g.Go(func() error { return actors.Disputer(gctx, w, tally, stop) })
	g.Go(func() error { return actors.Payer(gctx, w, pool, tally, stop) })
	g.Go(func() error { return actors.Payer(gctx, w, pool, tally, stop) })
	g.Go(func() error { return actors.OutboxDrainer(gctx, pool, stop) })

	killed := make(chan int64, 1)
	if *flChaos {
		go func() { killed <- chaos.TerminateRandomBackend(gctx, pool, 2*time.Second, stop) }()
	} else {
		killed <- 0
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if *flChaos {
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Errorf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	terminated := <-killed

	counts := tally.Counts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.Logf("%-32s %d", k, counts[k])
	}
	if internal := tally.Internal(); len(internal) > 0 && terminated == 0 {
		t.Errorf("internal failures without chaos (seed=%d): %v", seed, internal)
	}
	if !failed {
		assertOracles(t, context.Background())
	}
}

func newWorld(t *testing.T, providers, jobs int) *actors.World {
	t.Helper()
	if harness == nil {
		t.Skip("set STRESS=1 to run against Postgres")
	}
	ctx := context.Background()
	if err := harness.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Auth.JWTSecret = "stress-secret"
	a := app.New(harness.Pool(), cfg, logger.Discard())

	w := &actors.World{App: a}
	w.Requester = register(t, ctx, a, auth.RoleRequester, "requester")
	for i := range providers {
		w.Providers = append(w.Providers, register(t, ctx, a, auth.RoleProvider, fmt.Sprintf("provider-%d", i)))
	}
	if _, err := a.Providers.AllocateWeekly(ctx, jobs+5); err != nil {
		t.Fatalf("allocate credits: %v", err)
	}
	w.Arbitrator = seedArbitrator(t, ctx, harness.Pool())

	for i := range jobs {
		j, err := a.Jobs.Post(ctx, job.ActorFrom(w.Requester), job.PostParams{
			RequesterID: w.Requester.UserID,
			Title:       fmt.Sprintf("Stress job %d", i),
			Description: "concurrency fixture",
		})
		if err != nil {
			t.Fatalf("post job: %v", err)
		}
		w.JobIDs = append(w.JobIDs, j.ID)
	}
	return w
}

func register(t *testing.T, ctx context.Context, a *app.App, role auth.Role, name string) auth.Identity {
	t.Helper()
	u, err := a.Auth.Register(ctx, auth.RegisterRequest{
		Email:    fmt.Sprintf("%s-%d@example.com", name, rand.Int63()),
		Password: "stress-password",
		FullName: name,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	id := auth.Identity{UserID: u.ID, Role: u.Role}
	if u.ProviderID != nil {
		id.ProviderID = *u.ProviderID
	}
	return id
}

// Arbitrators are provisioned out of band, so the fixture writes the row.
func seedArbitrator(t *testing.T, ctx context.Context, pool *pgxpool.Pool) auth.Identity {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
                               VALUES ($1, 'Arbitrator', 'x', 'arbitrator') RETURNING id::text`,
		fmt.Sprintf("arb-%d@example.com", rand.Int63())).Scan(&id)
	if err != nil {
		t.Fatalf("seed arbitrator: %v", err)
	}
	return auth.Identity{UserID: id, Role: auth.RoleArbitrator}
}

func driveToAwaiting(t *testing.T, ctx context.Context, w *actors.World, jobID string, winner auth.Identity, amount decimal.Decimal) {
	t.Helper()
	if _, err := w.App.Ledger.Grant(ctx, ledger.GrantParams{JobID: jobID, ProviderID: winner.ProviderID, Method: ledger.MethodCredit}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	requester := job.ActorFrom(w.Requester)
	if _, err := w.App.Jobs.ConfirmWinner(ctx, jobID, requester, winner.ProviderID); err != nil {
		t.Fatalf("confirm winner: %v", err)
	}
	if _, err := w.App.Jobs.ConfirmStart(ctx, jobID, requester); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := w.App.Jobs.ProposeFinalPrice(ctx, jobID, job.ActorFrom(winner), amount); err != nil {
		t.Fatalf("propose: %v", err)
	}
}

func assertOracles(t *testing.T, ctx context.Context) {
	t.Helper()
	name, row, err := oracles.Run(ctx, harness.Pool())
	if err != nil {
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, harness.Pool())
		t.Fatalf("oracle %s failed. First row: %s", name, row)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"jobs", `SELECT id, status, assigned_provider_id, final_amount, commission_settled FROM jobs ORDER BY updated_at DESC LIMIT 20`},
		{"job_events", `SELECT id, job_id, type, actor_role, created_at FROM job_events ORDER BY id DESC LIMIT 50`},
		{"commission_records", `SELECT id, job_id, status, final_amount, total_due FROM commission_records ORDER BY created_at DESC LIMIT 20`},
		{"credit_transactions", `SELECT id, provider_id, kind, delta, balance_after, job_id FROM credit_transactions ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
