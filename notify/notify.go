// Package notify dispatches fire-and-forget notifications. Delivery failures
// are logged and never returned to the caller of a state transition.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"jobmarket/db"
	"jobmarket/logger"
)

type Kind string

const (
	KindAccessGranted       Kind = "access.granted"
	KindWinClaimed          Kind = "job.win_claimed"
	KindProviderAssigned    Kind = "job.provider_assigned"
	KindWorkStarted         Kind = "job.work_started"
	KindFinalPriceProposed  Kind = "job.final_price_proposed"
	KindFinalPriceConfirmed Kind = "job.final_price_confirmed"
	KindFinalPriceRejected  Kind = "job.final_price_rejected"
	KindNegotiationReminder Kind = "job.negotiation_reminder"
	KindCommissionCreated   Kind = "commission.created"
	KindCommissionReminder  Kind = "commission.reminder"
	KindCommissionOverdue   Kind = "commission.overdue"
	KindCommissionPaid      Kind = "commission.paid"
	KindCommissionWaived    Kind = "commission.waived"
	KindDisputeRaised       Kind = "dispute.raised"
	KindDisputeResponse     Kind = "dispute.response"
	KindDisputeResolved     Kind = "dispute.resolved"
	KindCreditsAllocated    Kind = "credits.allocated"
	KindCreditRefunded      Kind = "credits.refunded"
)

// Message is addressed to a single user. Provider recipients may be named by
// provider profile id instead; the outbox resolves the owning user.
type Message struct {
	UserID     string
	ProviderID string
	Kind       Kind
	Payload    map[string]any
}

func (m Message) recipient() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.ProviderID
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Dispatch delivers every message and logs failures. It never fails.
func Dispatch(ctx context.Context, log *slog.Logger, n Notifier, msgs ...Message) {
	if n == nil {
		return
	}
	for _, msg := range msgs {
		if msg.recipient() == "" {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			logger.WithContext(ctx, log).Warn("notify: delivery failed",
				"kind", msg.Kind, "user_id", msg.UserID, "provider_id", msg.ProviderID, "err", err)
		}
	}
}

// OutboxNotifier persists notifications to the outbox table for an external
// relay to deliver.
type OutboxNotifier struct {
	q db.Querier
}

func NewOutboxNotifier(q db.Querier) *OutboxNotifier {
	return &OutboxNotifier{q: q}
}

func (o *OutboxNotifier) Notify(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	if _, err := o.q.Exec(ctx, `
		INSERT INTO outbox (topic, recipient_id, payload)
		VALUES ($1, COALESCE(NULLIF($2, '')::uuid, (SELECT user_id FROM providers WHERE id = NULLIF($3, '')::uuid)), $4::jsonb)
	`, string(msg.Kind), msg.UserID, msg.ProviderID, string(body)); err != nil {
		return fmt.Errorf("notify: insert outbox: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.OrDefault(log)}
}

func (l *LogNotifier) Notify(ctx context.Context, msg Message) error {
	logger.WithContext(ctx, l.log).Info("notification",
		"kind", msg.Kind, "user_id", msg.UserID, "provider_id", msg.ProviderID, "payload", msg.Payload)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
