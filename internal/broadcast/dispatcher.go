// Package broadcast owns the announcement lifecycle: the caller-facing
// operations and the dispatcher that fans a run out into delivery tasks.
package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/models"
	"announcement-dispatcher/internal/queue"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/telemetry"
)

// Store is the persistence the lifecycle needs. *store.Store and *store.Memory satisfy it.
type Store interface {
	CreateAnnouncement(ctx context.Context, p store.CreateAnnouncementParams) (models.Announcement, error)
	GetAnnouncement(ctx context.Context, id string) (models.Announcement, error)
	ListAnnouncements(ctx context.Context, f store.ListFilter) ([]models.Announcement, error)
	UpdateAnnouncement(ctx context.Context, a models.Announcement) (models.Announcement, error)
	DeleteAnnouncement(ctx context.Context, id string) (models.Announcement, error)
	BeginRun(ctx context.Context, id string, targets []models.Target) ([]models.Recipient, error)
	BeginResend(ctx context.Context, id string) ([]models.Recipient, error)
	ListRecipients(ctx context.Context, announcementID string, status *models.DeliveryStatus) ([]models.Recipient, error)
	ListPendingRecipients(ctx context.Context, announcementID string) ([]models.Recipient, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Announcement, error)
	ListStalledRuns(ctx context.Context, before time.Time, limit int) ([]models.Announcement, error)
	TouchAnnouncement(ctx context.Context, id string) error
	ListAudit(ctx context.Context, announcementID string) ([]models.AuditEvent, error)
}

// Resolver expands an audience into recipients.
type Resolver interface {
	Resolve(ctx context.Context, aud models.Audience) ([]models.Target, error)
}

// Submitter accepts delivery tasks for asynchronous execution. Enqueue
// reports false when a task with the same id is already queued.
type Submitter interface {
	Enqueue(ctx context.Context, t queue.Task, runAt time.Time) (bool, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Dispatcher commits a run and submits one task per pending recipient.
// Each task gets a random start offset so a large run does not hit the
// transport all at once.
type Dispatcher struct {
	store      Store
	resolver   Resolver
	tasks      Submitter
	audit      Auditor
	log        zerolog.Logger
	staggerMin time.Duration
	staggerMax time.Duration
	now        func() time.Time
	jitter     func(n int64) int64
}

func NewDispatcher(cfg config.Config, st Store, resolver Resolver, tasks Submitter, audit Auditor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		resolver:   resolver,
		tasks:      tasks,
		audit:      audit,
		log:        log,
		staggerMin: cfg.StaggerMin,
		staggerMax: cfg.StaggerMax,
		now:        time.Now,
		jitter:     rand.Int63n,
	}
}

// StartRun moves a Draft or Scheduled announcement into Sending and fans it out.
// Resolution failures and an empty audience leave the announcement untouched.
func (d *Dispatcher) StartRun(ctx context.Context, id string) (models.Announcement, error) {
	a, err := d.store.GetAnnouncement(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}
	if !a.Status.Sendable() {
		return models.Announcement{}, &models.StateError{Op: "send", Status: a.Status}
	}

	targets, err := d.resolver.Resolve(ctx, a.Audience)
	if err != nil {
		return models.Announcement{}, fmt.Errorf("resolve audience for %s: %w", id, err)
	}
	if len(targets) == 0 {
		return models.Announcement{}, models.ErrEmptyAudience
	}

	pending, err := d.store.BeginRun(ctx, id, targets)
	if err != nil {
		return models.Announcement{}, err
	}
	a, err = d.store.GetAnnouncement(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}

	submitted := d.submit(ctx, a, pending)
	d.audit.Record(ctx, models.NewAuditEvent(a, models.EventSent, fmt.Sprintf("submitted %d of %d tasks", submitted, len(pending))))
	d.log.Info().
		Str("announcement_id", id).
		Int("total_recipients", a.TotalRecipients).
		Int("submitted", submitted).
		Msg("run started")
	return a, nil
}

// ResendRun resets the failed recipients of a settled run to pending and
// submits them again. Recipients already sent are never touched.
func (d *Dispatcher) ResendRun(ctx context.Context, id string) (models.Announcement, error) {
	a, err := d.store.GetAnnouncement(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}
	if !a.Status.Resendable() {
		return models.Announcement{}, &models.StateError{Op: "resend", Status: a.Status}
	}

	reset, err := d.store.BeginResend(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}
	a, err = d.store.GetAnnouncement(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}

	submitted := d.submit(ctx, a, reset)
	d.audit.Record(ctx, models.NewAuditEvent(a, models.EventResent, fmt.Sprintf("submitted %d of %d tasks", submitted, len(reset))))
	d.log.Info().
		Str("announcement_id", id).
		Int("reset", len(reset)).
		Int("submitted", submitted).
		Msg("resend started")
	return a, nil
}

// Redrive resubmits every still-pending recipient of a Sending run. A row
// whose task is still queued keeps that task and its attempt count; only
// lost submissions are enqueued again.
func (d *Dispatcher) Redrive(ctx context.Context, id string) (int, error) {
	a, err := d.store.GetAnnouncement(ctx, id)
	if err != nil {
		return 0, err
	}
	if a.Status != models.StatusSending {
		return 0, &models.StateError{Op: "redrive", Status: a.Status}
	}
	pending, err := d.store.ListPendingRecipients(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := d.store.TouchAnnouncement(ctx, id); err != nil {
		return 0, err
	}
	submitted := d.submit(ctx, a, pending)
	d.log.Warn().
		Str("announcement_id", id).
		Int("pending", len(pending)).
		Int("resubmitted", submitted).
		Msg("stalled run redriven")
	return submitted, nil
}

// submit enqueues tasks after the commit point. Failures are logged and
// counted; the run is picked up again by Redrive.
func (d *Dispatcher) submit(ctx context.Context, a models.Announcement, recipients []models.Recipient) int {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	submitted := 0
	for _, r := range recipients {
		task := queue.NewTask(a.ID, r.ID, r.Attempts, a.Priority)
		added, err := d.tasks.Enqueue(ctx, task, now.Add(d.stagger()))
		if err != nil {
			telemetry.SubmitFailures.Inc()
			d.log.Error().Err(err).
				Str("announcement_id", a.ID).
				Str("recipient_id", r.ID).
				Msg("task submission failed")
			continue
		}
		if !added {
			continue
		}
		telemetry.TasksSubmitted.Inc()
		submitted++
	}
	return submitted
}

func (d *Dispatcher) stagger() time.Duration {
	if d.staggerMax <= d.staggerMin {
		return d.staggerMin
	}
	return d.staggerMin + time.Duration(d.jitter(int64(d.staggerMax-d.staggerMin)+1))
}
