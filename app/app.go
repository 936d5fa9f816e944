// Package app wires the lifecycle services over one database pool. Both
// binaries build the same graph so the HTTP surface and the sweeper always
// run identical rules.
package app

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/auth"
	"jobmarket/commission"
	"jobmarket/config"
	"jobmarket/db"
	"jobmarket/dispute"
	"jobmarket/httpapi"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/notify"
	"jobmarket/provider"
	"jobmarket/settings"
	"jobmarket/sweep"
)

type App struct {
	Config      *config.Config
	Log         *slog.Logger
	Settings    *settings.PGProvider
	Notifier    notify.Notifier
	Auth        *auth.Service
	Providers   *provider.Service
	Ledger      *ledger.Service
	Commissions *commission.Engine
	Jobs        *job.Service
	Disputes    *dispute.Service
}

// New builds the service graph. Nothing here touches the database.
func New(pool db.Pool, cfg *config.Config, log *slog.Logger) *App {
	log = logger.OrDefault(log)

	rates := settings.NewPGProvider(pool, settings.Defaults{
		CommissionRate:       decimal.NewFromFloat(cfg.Commission.DefaultRate),
		FreeAccessAllocation: cfg.Access.DefaultFreeAllocation,
	}, log)
	notifier := notify.Multi{notify.NewOutboxNotifier(pool), notify.NewLogNotifier(log)}

	providers := provider.NewService(pool, log).
		WithAllocationPeriod(cfg.Sweep.AllocationInterval)
	accounts := providers.Repository()
	access := ledger.NewService(pool, nil, accounts, notifier, log)
	engine := commission.NewEngine(pool, nil, access, accounts, rates, notifier, log).
		WithDueIn(cfg.CommissionDue())
	jobs := job.NewService(pool, nil, access, engine, notifier, log).
		WithNegotiationWindow(cfg.NegotiationWindow()).
		WithDisputeWindow(cfg.DisputeWindow())
	disputes := dispute.NewService(pool, nil, jobs, access, notifier, log)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).
		WithTokenTTL(time.Duration(cfg.Auth.TokenExpireHours) * time.Hour).
		WithStarterCredits(rates.FreeAccessAllocation)

	return &App{
		Config:      cfg,
		Log:         log,
		Settings:    rates,
		Notifier:    notifier,
		Auth:        authSvc,
		Providers:   providers,
		Ledger:      access,
		Commissions: engine,
		Jobs:        jobs,
		Disputes:    disputes,
	}
}

// HTTPServer returns the gin surface over the graph.
func (a *App) HTTPServer() (*httpapi.Server, error) {
	return httpapi.NewServer(httpapi.Deps{
		Accounts:      a.Auth,
		Jobs:          a.Jobs,
		Access:        a.Ledger,
		Disputes:      a.Disputes,
		Commissions:   a.Commissions,
		Providers:     a.Providers,
		WebhookSecret: a.Config.Webhook.PaymentSecret,
		Log:           a.Log,
	})
}

// Sweeper returns the periodic tasks with the configured cadence.
func (a *App) Sweeper() *sweep.Runner {
	sc := a.Config.Sweep
	return sweep.NewRunner(a.Log,
		sweep.NegotiationTimeouts(a.Jobs, sc.TimeoutInterval, sc.BatchSize, a.Log),
		sweep.NegotiationReminders(a.Jobs, sc.ReminderInterval, sc.BatchSize, a.Log),
		sweep.CommissionReminders(a.Commissions, sc.ReminderInterval, sc.BatchSize, a.Log),
		sweep.CreditAllocation(a.Providers, a.Settings, sc.AllocationInterval, a.Log),
	)
}

// PoolOptions maps the database section onto pool tuning.
func PoolOptions(cfg config.DatabaseConfig) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		MaxConnIdleTime: cfg.MaxConnIdleTime,
		DialTimeout:     cfg.DialTimeout,
	}
}
