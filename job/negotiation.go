package job

import (
	"context"
	"time"

	"jobmarket/logger"
	"jobmarket/notify"
)

// NegotiationReminderThresholds are the lead times before a negotiation
// deadline at which the requester is reminded, largest first.
var NegotiationReminderThresholds = []time.Duration{
	24 * time.Hour,
	12 * time.Hour,
	6 * time.Hour,
	2 * time.Hour,
	1 * time.Hour,
}

// crossedThreshold returns the smallest threshold that remaining has already
// dropped below. thresholds must be sorted largest first.
func crossedThreshold(remaining time.Duration, thresholds []time.Duration) (time.Duration, bool) {
	var (
		hit   time.Duration
		found bool
	)
	for _, t := range thresholds {
		if remaining <= t {
			hit, found = t, true
		}
	}
	return hit, found
}

// SweepNegotiationTimeouts auto-confirms every pending proposal whose
// deadline has passed. Each job is confirmed in its own transaction with the
// guard re-checked under the row lock, so losing a race to a human confirm
// counts as skipped. Per-job failures are logged and the batch continues.
func (s *Service) SweepNegotiationTimeouts(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.store.DueForAutoConfirm(ctx, s.pool, s.now().UTC(), limit)
	if err != nil {
		return SweepReport{}, err
	}

	log := logger.WithContext(ctx, s.log)
	report := SweepReport{Scanned: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := s.AutoConfirm(ctx, id); err != nil {
			if IsInvalidTransition(err) {
				report.Skipped++
				log.Info("job: auto-confirm skipped", "job_id", id, "reason", err)
				continue
			}
			report.Failed++
			log.Error("job: auto-confirm failed", "job_id", id, "err", err)
			continue
		}
		report.Processed++
	}
	return report, nil
}

// SendNegotiationReminders notifies requesters whose pending proposal is
// about to auto-confirm, once per (deadline, threshold).
func (s *Service) SendNegotiationReminders(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now().UTC()
	horizon := NegotiationReminderThresholds[0]
	jobs, err := s.store.NegotiationsClosingBy(ctx, s.pool, now, now.Add(horizon), limit)
	if err != nil {
		return SweepReport{}, err
	}

	log := logger.WithContext(ctx, s.log)
	report := SweepReport{Scanned: len(jobs)}
	for _, j := range jobs {
		if j.NegotiationDeadline == nil {
			report.Skipped++
			continue
		}
		threshold, ok := crossedThreshold(j.NegotiationDeadline.Sub(now), NegotiationReminderThresholds)
		if !ok {
			report.Skipped++
			continue
		}
		hours := int(threshold / time.Hour)
		inserted, err := s.store.RecordReminder(ctx, s.pool, j.ID, *j.NegotiationDeadline, hours)
		if err != nil {
			report.Failed++
			log.Error("job: record negotiation reminder failed", "job_id", j.ID, "err", err)
			continue
		}
		if !inserted {
			report.Skipped++
			continue
		}
		notify.Dispatch(ctx, s.log, s.notifier, notify.Message{
			UserID: j.RequesterID,
			Kind:   notify.KindNegotiationReminder,
			Payload: map[string]any{
				"job_id":          j.ID,
				"amount":          j.ProposedFinalAmount.String(),
				"deadline":        j.NegotiationDeadline,
				"threshold_hours": hours,
			},
		})
		report.Processed++
	}
	return report, nil
}
