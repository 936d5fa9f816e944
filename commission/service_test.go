package commission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/db"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/notify"
	"jobmarket/settings"
	"jobmarket/test/fakes"
)

var t0 = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func completedJob(id, providerID, amount string) job.Job {
	final := decimal.RequireFromString(amount)
	pid := providerID
	return job.Job{ID: id, RequesterID: "req-1", Status: job.StatusCompleted, AssignedProviderID: &pid, FinalAmount: &final}
}

func TestSettleTx_CreditGrantIsCharged(t *testing.T) {
	h := newEngineHarness()
	h.grants.set("job-1", "p1", ledger.MethodCredit)

	out, err := h.engine.SettleTx(context.Background(), h.pool, completedJob("job-1", "p1", "1000"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !out.Charged || out.AlreadySettled {
		t.Fatalf("unexpected settlement %+v", out)
	}

	rec := h.store.byJob("job-1")
	if rec == nil {
		t.Fatal("expected a commission record")
	}
	checks := []struct {
		label string
		got   decimal.Decimal
		want  string
	}{
		{"rate", rec.Rate, "5"},
		{"commission", rec.CommissionAmount, "50"},
		{"tax", rec.TaxAmount, "10"},
		{"total", rec.TotalDue, "60"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("%s: got %s want %s", c.label, c.got, c.want)
		}
	}
	if rec.Status != StatusPending || !rec.DueAt.Equal(t0.Add(7*24*time.Hour)) {
		t.Fatalf("unexpected status/due %s %s", rec.Status, rec.DueAt)
	}
	if len(out.Notifications) != 1 || out.Notifications[0].Kind != notify.KindCommissionCreated {
		t.Fatalf("expected a commission notification, got %+v", out.Notifications)
	}
}

func TestSettleTx_ExemptMethodsOnlyFlipFlag(t *testing.T) {
	for _, m := range []ledger.Method{ledger.MethodPaidLead, ledger.MethodSubscriptionSlot} {
		t.Run(string(m), func(t *testing.T) {
			h := newEngineHarness()
			h.grants.set("job-1", "p1", m)

			out, err := h.engine.SettleTx(context.Background(), h.pool, completedJob("job-1", "p1", "1000"))
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if out.Charged {
				t.Fatal("exempt access must not be charged")
			}
			if !h.store.settled["job-1"] {
				t.Fatal("commission_settled must flip even when nothing is charged")
			}
			if h.store.byJob("job-1") != nil {
				t.Fatal("no commission record expected")
			}
		})
	}
}

func TestSettleTx_IsIdempotent(t *testing.T) {
	h := newEngineHarness()
	h.grants.set("job-1", "p1", ledger.MethodCredit)
	j := completedJob("job-1", "p1", "1000")

	if _, err := h.engine.SettleTx(context.Background(), h.pool, j); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	out, err := h.engine.SettleTx(context.Background(), h.pool, j)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !out.AlreadySettled || out.Charged {
		t.Fatalf("second settle must be a no-op, got %+v", out)
	}
	if n := len(h.store.records); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestSettleTx_ConcurrentAttemptsChargeOnce(t *testing.T) {
	h := newEngineHarness()
	h.grants.set("job-1", "p1", ledger.MethodCredit)
	j := completedJob("job-1", "p1", "1000")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.SettleTx(context.Background(), h.pool, j)
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if out.Charged {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if charged != 1 || len(h.store.records) != 1 {
		t.Fatalf("expected exactly one charge, got charged=%d records=%d", charged, len(h.store.records))
	}
}

func TestSettleTx_ReadsRateAtEachSettlement(t *testing.T) {
	h := newEngineHarness()
	h.grants.set("job-1", "p1", ledger.MethodCredit)
	h.grants.set("job-2", "p1", ledger.MethodCredit)

	if _, err := h.engine.SettleTx(context.Background(), h.pool, completedJob("job-1", "p1", "1000")); err != nil {
		t.Fatal(err)
	}
	h.rates.Rate = decimal.NewFromInt(10)
	if _, err := h.engine.SettleTx(context.Background(), h.pool, completedJob("job-2", "p1", "1000")); err != nil {
		t.Fatal(err)
	}
	if got := h.store.byJob("job-2").TotalDue; !got.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected new rate to apply, total due %s", got)
	}
}

func TestSettleTx_MissingFinalAmount(t *testing.T) {
	h := newEngineHarness()
	j := completedJob("job-1", "p1", "1000")
	j.FinalAmount = nil
	if _, err := h.engine.SettleTx(context.Background(), h.pool, j); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if h.store.settled["job-1"] {
		t.Fatal("flag must not flip without a final amount")
	}
}

func TestSweepCommissionReminders_EscalatesMonotonically(t *testing.T) {
	h := newEngineHarness()
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, DueAt: t0.Add(30 * time.Hour)})
	h.store.put(Record{ID: "c-2", JobID: "job-2", ProviderID: "p2", Status: StatusPending, DueAt: t0.Add(5 * 24 * time.Hour)})

	report, err := h.engine.SweepCommissionReminders(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Reminded != 1 || h.store.records["c-1"].RemindersSent != 1 {
		t.Fatalf("expected first reminder, got %+v sent=%d", report, h.store.records["c-1"].RemindersSent)
	}

	report, _ = h.engine.SweepCommissionReminders(context.Background(), 10)
	if report.Reminded != 0 {
		t.Fatalf("same threshold must not remind twice, got %+v", report)
	}

	h.clock = t0.Add(25 * time.Hour)
	if _, err := h.engine.SweepCommissionReminders(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if got := h.store.records["c-1"].RemindersSent; got != 4 {
		t.Fatalf("expected reminders_sent to catch up to 4, got %d", got)
	}
	if got := h.store.records["c-2"].RemindersSent; got != 0 {
		t.Fatalf("record outside the horizon must not be reminded, got %d", got)
	}
	if n := countKind(h.notifier, notify.KindCommissionReminder); n != 2 {
		t.Fatalf("expected two reminder notifications, got %d", n)
	}
}

func TestSweepCommissionReminders_OverdueSuspendsAtomically(t *testing.T) {
	h := newEngineHarness()
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, DueAt: t0.Add(-time.Minute)})
	h.store.put(Record{ID: "c-2", JobID: "job-2", ProviderID: "p2", Status: StatusPaid, DueAt: t0.Add(-time.Hour)})

	report, err := h.engine.SweepCommissionReminders(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Overdue != 1 {
		t.Fatalf("expected one escalation, got %+v", report)
	}
	if h.store.records["c-1"].Status != StatusOverdue {
		t.Fatal("record must be overdue")
	}
	if !h.accounts.suspended["p1"] || h.accounts.suspended["p2"] {
		t.Fatalf("unexpected suspensions %+v", h.accounts.suspended)
	}
	if !h.pool.Last().Committed {
		t.Fatal("escalation must commit")
	}
	if !h.notifier.Has(notify.KindCommissionOverdue) {
		t.Fatal("expected overdue notification")
	}

	report, _ = h.engine.SweepCommissionReminders(context.Background(), 10)
	if report.Overdue != 0 {
		t.Fatalf("second sweep must not escalate again, got %+v", report)
	}
}

func TestSweepCommissionReminders_SuspendFailureRollsBack(t *testing.T) {
	h := newEngineHarness()
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, DueAt: t0.Add(-time.Minute)})
	h.accounts.err = errors.New("connection reset")

	report, err := h.engine.SweepCommissionReminders(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Failed != 1 || report.Overdue != 0 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	if h.pool.Last().Committed {
		t.Fatal("failed escalation must not commit")
	}
}

func TestMarkPaid(t *testing.T) {
	h := newEngineHarness()
	due := decimal.RequireFromString("63.00")
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusOverdue, TotalDue: due, DueAt: t0.Add(-time.Hour)})
	h.store.put(Record{ID: "c-2", JobID: "job-2", ProviderID: "p1", Status: StatusOverdue, TotalDue: due, DueAt: t0.Add(-time.Hour)})
	h.accounts.suspended["p1"] = true
	ctx := context.Background()

	rec, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-1", Reference: "pay-1", Amount: due})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if rec.Status != StatusPaid || rec.PaymentRef == nil || *rec.PaymentRef != "pay-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !h.accounts.suspended["p1"] {
		t.Fatal("provider with another overdue record must stay suspended")
	}

	if _, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-1", Reference: "pay-1", Amount: due}); err != nil {
		t.Fatalf("replayed payment must be accepted, got %v", err)
	}
	if _, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-1", Reference: "pay-9", Amount: due}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("paying a paid record must be rejected, got %v", err)
	}

	if _, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-2", Reference: "pay-2", Amount: due}); err != nil {
		t.Fatalf("mark second paid: %v", err)
	}
	if h.accounts.suspended["p1"] {
		t.Fatal("provider must be reinstated once nothing is overdue")
	}
	if _, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "missing", Reference: "pay-3", Amount: due}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkPaid_AmountMustMatchTotalDue(t *testing.T) {
	due := decimal.RequireFromString("63.00")
	tests := []struct {
		name   string
		amount decimal.Decimal
	}{
		{name: "missing", amount: decimal.Zero},
		{name: "short", amount: decimal.RequireFromString("1.00")},
		{name: "over", amount: decimal.RequireFromString("63.01")},
		{name: "negative", amount: decimal.RequireFromString("-63.00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEngineHarness()
			h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusOverdue, TotalDue: due, DueAt: t0.Add(-time.Hour)})
			h.accounts.suspended["p1"] = true

			_, err := h.engine.MarkPaid(context.Background(), Payment{CommissionID: "c-1", Reference: "pay-1", Amount: tt.amount})
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			rec, _ := h.store.Get(context.Background(), nil, "c-1")
			if rec.Status != StatusOverdue || !h.accounts.suspended["p1"] {
				t.Fatalf("mismatched payment changed state: %+v", rec)
			}
			if h.store.payments["pay-1"] != "" {
				t.Fatal("mismatched payment must not reserve its reference")
			}
		})
	}

	h := newEngineHarness()
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, TotalDue: due, DueAt: t0.Add(time.Hour)})
	if _, err := h.engine.MarkPaid(context.Background(), Payment{CommissionID: "c-1", Reference: "pay-1", Amount: decimal.RequireFromString("63")}); err != nil {
		t.Fatalf("equal amount at another scale must be accepted: %v", err)
	}
}

func TestMarkPaid_ReferenceOwnedByAnotherRecord(t *testing.T) {
	h := newEngineHarness()
	due := decimal.RequireFromString("63.00")
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, TotalDue: due, DueAt: t0.Add(time.Hour)})
	h.store.put(Record{ID: "c-2", JobID: "job-2", ProviderID: "p2", Status: StatusPending, TotalDue: due, DueAt: t0.Add(time.Hour)})
	ctx := context.Background()

	if _, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-1", Reference: "pay-1", Amount: due}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	_, err := h.engine.MarkPaid(ctx, Payment{CommissionID: "c-2", Reference: "pay-1", Amount: due})
	if !errors.Is(err, ErrPaymentRefInUse) || !errors.Is(err, apperr.ErrConflictingClaim) {
		t.Fatalf("expected conflicting reference, got %v", err)
	}
	if rec, _ := h.store.Get(ctx, nil, "c-2"); rec.Status != StatusPending {
		t.Fatalf("record paid with a foreign reference: %+v", rec)
	}
}

func TestWaive(t *testing.T) {
	h := newEngineHarness()
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPending, DueAt: t0.Add(time.Hour)})
	ctx := context.Background()

	provider := auth.Identity{UserID: "u-1", Role: auth.RoleProvider, ProviderID: "p1"}
	if _, err := h.engine.Waive(ctx, provider, "c-1", "please"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	arb := auth.Identity{UserID: "arb-1", Role: auth.RoleArbitrator}
	if _, err := h.engine.Waive(ctx, arb, "c-1", " "); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	rec, err := h.engine.Waive(ctx, arb, "c-1", "duplicate job")
	if err != nil {
		t.Fatalf("waive: %v", err)
	}
	if rec.Status != StatusWaived || rec.WaiveReason == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestExportXLSX(t *testing.T) {
	h := newEngineHarness()
	ref := "pay-1"
	paid := t0
	h.store.put(Record{ID: "c-1", JobID: "job-1", ProviderID: "p1", Status: StatusPaid, TotalDue: decimal.NewFromInt(60), PaymentRef: &ref, PaidAt: &paid, CreatedAt: t0})
	h.store.put(Record{ID: "c-2", JobID: "job-2", ProviderID: "p2", Status: StatusPending, TotalDue: decimal.NewFromInt(12), CreatedAt: t0.Add(time.Hour)})

	var buf bytes.Buffer
	n, err := h.engine.ExportXLSX(context.Background(), &buf, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "Commission ID" {
		t.Fatalf("unexpected sheet %v", rows)
	}
	found := false
	for _, r := range rows[1:] {
		if r[0] == "c-1" && r[7] == "60.00" && r[11] == "pay-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("paid record missing from export: %v", rows)
	}
}

func countKind(n *fakes.Notifier, kind notify.Kind) int {
	c := 0
	for _, k := range n.Kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

type engineHarness struct {
	engine   *Engine
	pool     *fakes.Pool
	store    *memStore
	grants   *fakeGrants
	accounts *fakeAccounts
	rates    *settings.Static
	notifier *fakes.Notifier
	clock    time.Time
}

func newEngineHarness() *engineHarness {
	h := &engineHarness{
		pool:     &fakes.Pool{},
		store:    newMemStore(),
		grants:   &fakeGrants{methods: map[string]ledger.Method{}},
		accounts: &fakeAccounts{suspended: map[string]bool{}},
		rates:    &settings.Static{Rate: decimal.NewFromInt(5), Allocation: 3},
		notifier: &fakes.Notifier{},
		clock:    t0,
	}
	h.store.now = func() time.Time { return h.clock }
	seq := 0
	h.engine = NewEngine(h.pool, h.store, h.grants, h.accounts, h.rates, h.notifier, logger.Discard()).
		WithClock(func() time.Time { return h.clock }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("c-gen-%d", seq)
		})
	return h
}

type memStore struct {
	mu       sync.Mutex
	settled  map[string]bool
	records  map[string]*Record
	payments map[string]string
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{settled: map[string]bool{}, records: map[string]*Record{}, payments: map[string]string{}}
}

func (m *memStore) put(r Record) {
	m.records[r.ID] = &r
}

func (m *memStore) byJob(jobID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.JobID == jobID {
			return r
		}
	}
	return nil
}

func (m *memStore) MarkJobSettled(_ context.Context, _ db.Querier, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled[jobID] {
		return false, nil
	}
	m.settled[jobID] = true
	return true, nil
}

func (m *memStore) Insert(_ context.Context, _ db.Querier, r Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.JobID == r.JobID {
			return Record{}, false, nil
		}
	}
	r.UpdatedAt = r.CreatedAt
	m.records[r.ID] = &r
	return r, true, nil
}

func (m *memStore) Get(_ context.Context, _ db.Querier, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error) {
	return m.Get(ctx, q, id)
}

func (m *memStore) GetByJob(_ context.Context, _ db.Querier, jobID string) (Record, error) {
	if r := m.byJob(jobID); r != nil {
		return *r, nil
	}
	return Record{}, ErrNotFound
}

func (m *memStore) List(_ context.Context, _ db.Querier, f Filters) ([]Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.ProviderID != "" && r.ProviderID != f.ProviderID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.From != nil && r.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if f.Page > 1 {
		return nil, total, nil
	}
	return out, total, nil
}

func (m *memStore) DueForReminder(_ context.Context, _ db.Querier, now, until time.Time, _ int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Status == StatusPending && r.DueAt.After(now) && !r.DueAt.After(until) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) PastDue(_ context.Context, _ db.Querier, now time.Time, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.records {
		if r.Status == StatusPending && !r.DueAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) BumpReminders(_ context.Context, _ db.Querier, id string, count int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != StatusPending || r.RemindersSent >= count {
		return false, nil
	}
	r.RemindersSent = count
	return true, nil
}

func (m *memStore) MarkOverdue(_ context.Context, _ db.Querier, id string, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != StatusPending || r.DueAt.After(now) {
		return Record{}, false, nil
	}
	r.Status = StatusOverdue
	return *r, true, nil
}

func (m *memStore) MarkPaid(_ context.Context, _ db.Querier, id, ref string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !r.Status.Open() {
		return Record{}, ErrInvalidTransition
	}
	r.Status = StatusPaid
	r.PaymentRef = &ref
	r.PaidAt = &at
	return *r, nil
}

func (m *memStore) Waive(_ context.Context, _ db.Querier, id, reason string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !r.Status.Open() {
		return Record{}, ErrInvalidTransition
	}
	r.Status = StatusWaived
	r.WaiveReason = &reason
	r.WaivedAt = &at
	return *r, nil
}

func (m *memStore) CountOverdue(_ context.Context, _ db.Querier, providerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.ProviderID == providerID && r.Status == StatusOverdue {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReservePayment(_ context.Context, _ db.Querier, ref, commissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.payments[ref]; ok {
		if owner != commissionID {
			return ErrPaymentRefInUse
		}
		return ErrDuplicatePayment
	}
	m.payments[ref] = commissionID
	return nil
}

type fakeGrants struct {
	mu      sync.Mutex
	methods map[string]ledger.Method
}

func (f *fakeGrants) set(jobID, providerID string, m ledger.Method) {
	f.methods[jobID+"/"+providerID] = m
}

func (f *fakeGrants) GrantFor(_ context.Context, _ db.Querier, jobID, providerID string) (ledger.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.methods[jobID+"/"+providerID]
	if !ok {
		return ledger.Grant{}, ledger.ErrNoGrant
	}
	return ledger.Grant{JobID: jobID, ProviderID: providerID, Method: m, CreditConsumed: m == ledger.MethodCredit}, nil
}

type fakeAccounts struct {
	suspended map[string]bool
	err       error
}

func (f *fakeAccounts) Suspend(_ context.Context, _ db.Querier, id, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.suspended[id] = true
	return nil
}

func (f *fakeAccounts) Reinstate(_ context.Context, _ db.Querier, id string) error {
	delete(f.suspended, id)
	return nil
}
