// Package sweep drives the periodic, timestamp-driven transitions. Nothing is
// held in memory between passes: every task re-queries by timestamp and each
// write re-checks its guard, so several sweepers may run side by side.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"jobmarket/commission"
	"jobmarket/job"
	"jobmarket/logger"
	"jobmarket/settings"
)

// Task is one periodic sweep.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	tasks []Task
	log   *slog.Logger
}

func NewRunner(log *slog.Logger, tasks ...Task) *Runner {
	return &Runner{tasks: tasks, log: logger.OrDefault(log)}
}

func (r *Runner) Tasks() []Task {
	return r.tasks
}

// RunOnce runs every task a single time, in order. A failing task does not
// stop the others; the failures are joined.
func (r *Runner) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range r.tasks {
		if err := r.runTask(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("sweep: %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts one loop per task and blocks until ctx is cancelled. Each task
// runs immediately, then on its interval.
func (r *Runner) Run(ctx context.Context) error {
	for _, t := range r.tasks {
		if t.Interval <= 0 {
			return fmt.Errorf("sweep: task %s has no interval", t.Name)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			ticker := time.NewTicker(t.Interval)
			defer ticker.Stop()
			for {
				_ = r.runTask(ctx, t)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (r *Runner) runTask(ctx context.Context, t Task) error {
	start := time.Now()
	err := t.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		r.log.Error("sweep: task failed", "task", t.Name, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	r.log.Debug("sweep: task done", "task", t.Name, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// NegotiationSweeper is implemented by *job.Service.
type NegotiationSweeper interface {
	SweepNegotiationTimeouts(ctx context.Context, limit int) (job.SweepReport, error)
	SendNegotiationReminders(ctx context.Context, limit int) (job.SweepReport, error)
}

// CommissionSweeper is implemented by *commission.Engine.
type CommissionSweeper interface {
	SweepCommissionReminders(ctx context.Context, limit int) (commission.SweepReport, error)
}

// Allocator is implemented by *provider.Service.
type Allocator interface {
	AllocateWeekly(ctx context.Context, allocation int) (int, error)
}

// NegotiationTimeouts auto-confirms proposals whose deadline has passed.
func NegotiationTimeouts(jobs NegotiationSweeper, interval time.Duration, batch int, log *slog.Logger) Task {
	log = logger.OrDefault(log)
	return Task{Name: "negotiation_timeouts", Interval: interval, Run: func(ctx context.Context) error {
		report, err := jobs.SweepNegotiationTimeouts(ctx, batch)
		if err != nil {
			return err
		}
		logReport(log, "negotiation_timeouts", report.Scanned, report.Processed, report.Skipped, report.Failed)
		return nil
	}}
}

// NegotiationReminders nudges requesters before auto-confirmation.
func NegotiationReminders(jobs NegotiationSweeper, interval time.Duration, batch int, log *slog.Logger) Task {
	log = logger.OrDefault(log)
	return Task{Name: "negotiation_reminders", Interval: interval, Run: func(ctx context.Context) error {
		report, err := jobs.SendNegotiationReminders(ctx, batch)
		if err != nil {
			return err
		}
		logReport(log, "negotiation_reminders", report.Scanned, report.Processed, report.Skipped, report.Failed)
		return nil
	}}
}

// CommissionReminders sends due-date reminders and escalates overdue records.
func CommissionReminders(engine CommissionSweeper, interval time.Duration, batch int, log *slog.Logger) Task {
	log = logger.OrDefault(log)
	return Task{Name: "commission_reminders", Interval: interval, Run: func(ctx context.Context) error {
		report, err := engine.SweepCommissionReminders(ctx, batch)
		if err != nil {
			return err
		}
		logReport(log, "commission_reminders", report.Scanned, report.Reminded+report.Overdue, report.Skipped, report.Failed,
			"reminded", report.Reminded, "overdue", report.Overdue)
		return nil
	}}
}

// CreditAllocation tops providers up to the configured free allocation. The
// allocation is read fresh on every pass.
func CreditAllocation(providers Allocator, cfg settings.Provider, interval time.Duration, log *slog.Logger) Task {
	log = logger.OrDefault(log)
	return Task{Name: "credit_allocation", Interval: interval, Run: func(ctx context.Context) error {
		allocation, err := cfg.FreeAccessAllocation(ctx)
		if err != nil {
			return fmt.Errorf("read allocation: %w", err)
		}
		n, err := providers.AllocateWeekly(ctx, allocation)
		if err != nil {
			return err
		}
		log.Info("sweep: credit allocation", "allocation", allocation, "providers_topped_up", n)
		return nil
	}}
}

func logReport(log *slog.Logger, task string, scanned, processed, skipped, failed int, extra ...any) {
	args := append([]any{"task", task, "scanned", scanned, "processed", processed, "skipped", skipped, "failed", failed}, extra...)
	if failed > 0 {
		log.Warn("sweep: pass finished with failures", args...)
		return
	}
	log.Info("sweep: pass finished", args...)
}
