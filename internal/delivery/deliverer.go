// Package delivery performs a single delivery attempt for a single ledger row
// and settles its outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/models"
	"announcement-dispatcher/internal/notifier"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/telemetry"
)

// Ledger is the slice of the store a delivery attempt touches.
type Ledger interface {
	GetAnnouncement(ctx context.Context, id string) (models.Announcement, error)
	GetRecipient(ctx context.Context, id string) (models.Recipient, error)
	SettleRecipient(ctx context.Context, p store.SettleParams) (store.SettleResult, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// RetryableError marks a transient transport failure on a non-final attempt.
// The row stays pending and the caller is expected to try again later.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err asks for another attempt.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

type Deliverer struct {
	store    Ledger
	notifier notifier.Notifier
	audit    Auditor
	log      zerolog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewDeliverer(cfg config.Config, st Ledger, n notifier.Notifier, audit Auditor, log zerolog.Logger) *Deliverer {
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Deliverer{
		store:    st,
		notifier: n,
		audit:    audit,
		log:      log,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Deliver makes one final attempt: any failure settles the row as failed.
func (d *Deliverer) Deliver(ctx context.Context, announcementID, recipientID string) error {
	return d.Attempt(ctx, announcementID, recipientID, true)
}

// Attempt delivers to one recipient. A row that is missing or already settled
// is left alone. Transient failures return a RetryableError unless final is set.
func (d *Deliverer) Attempt(ctx context.Context, announcementID, recipientID string, final bool) error {
	log := d.log.With().Str("announcement_id", announcementID).Str("recipient_id", recipientID).Logger()

	r, err := d.store.GetRecipient(ctx, recipientID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug().Msg("recipient gone, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if r.AnnouncementID != announcementID || r.Status != models.DeliveryPending {
		log.Debug().Str("delivery_status", string(r.Status)).Msg("recipient already settled")
		return nil
	}
	a, err := d.store.GetAnnouncement(ctx, announcementID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load announcement: %w", err)
	}

	sendErr := d.send(ctx, a, r)
	if sendErr != nil && ctx.Err() != nil {
		// Shutting down; the lease expires and another worker retries.
		return ctx.Err()
	}
	if sendErr == nil {
		return d.settle(ctx, log, store.SettleParams{
			AnnouncementID: announcementID,
			RecipientID:    recipientID,
			Outcome:        models.DeliverySent,
		})
	}
	if !final && notifier.IsTransient(sendErr) {
		log.Warn().Err(sendErr).Msg("transient delivery failure")
		return &RetryableError{Err: sendErr}
	}
	log.Warn().Err(sendErr).Bool("final", final).Msg("delivery failed")
	return d.settle(ctx, log, store.SettleParams{
		AnnouncementID: announcementID,
		RecipientID:    recipientID,
		Outcome:        models.DeliveryFailed,
		ErrorMessage:   notifier.Diagnose(sendErr),
	})
}

// Abandon settles a row as failed after the execution substrate ran out of attempts.
func (d *Deliverer) Abandon(ctx context.Context, announcementID, recipientID string, cause error) error {
	log := d.log.With().Str("announcement_id", announcementID).Str("recipient_id", recipientID).Logger()
	msg := "abandoned after retries"
	if cause != nil {
		msg += ": " + notifier.Diagnose(cause)
	}
	return d.settle(ctx, log, store.SettleParams{
		AnnouncementID: announcementID,
		RecipientID:    recipientID,
		Outcome:        models.DeliveryFailed,
		ErrorMessage:   notifier.Shorten(msg),
	})
}

func (d *Deliverer) send(ctx context.Context, a models.Announcement, r models.Recipient) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.notifier.Send(sendCtx, notifier.Message{
		AnnouncementID: a.ID,
		RecipientID:    r.ID,
		To:             r.Address,
		Subject:        a.Title,
		Body:           a.Body,
		Channel:        a.Channel,
		Priority:       a.Priority,
	})
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	telemetry.NotifierLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

func (d *Deliverer) settle(ctx context.Context, log zerolog.Logger, p store.SettleParams) error {
	p.At = d.now()
	res, err := d.store.SettleRecipient(ctx, p)
	if err != nil {
		return fmt.Errorf("settle recipient %s: %w", p.RecipientID, err)
	}
	if !res.Applied {
		log.Debug().Msg("settle skipped, row no longer pending")
		return nil
	}
	telemetry.DeliveriesTotal.WithLabelValues(string(p.Outcome)).Inc()
	if res.Completed {
		d.complete(ctx, log, p.AnnouncementID, res)
	}
	return nil
}

// complete runs once per run, in the worker whose settle brought the counters to equality.
func (d *Deliverer) complete(ctx context.Context, log zerolog.Logger, announcementID string, res store.SettleResult) {
	telemetry.RunsCompleted.WithLabelValues(string(res.Status)).Inc()
	d.audit.Record(ctx, models.NewAuditEvent(res.Announcement(announcementID), models.CompletedEvent(res.Status), ""))
	log.Info().
		Str("status", string(res.Status)).
		Int("total_recipients", res.TotalRecipients).
		Int("successful_count", res.SuccessfulCount).
		Int("failed_count", res.FailedCount).
		Msg("run completed")
}
