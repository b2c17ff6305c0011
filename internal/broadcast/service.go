package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/models"
	"announcement-dispatcher/internal/store"
)

const maxTitleLen = 255

// CreateParams is the operator input for a new announcement.
type CreateParams struct {
	Title       string
	Body        string
	Priority    models.Priority
	Channel     string
	Audience    models.Audience
	ScheduledAt *time.Time
	CreatedBy   string
}

// UpdateParams carries the fields to change. Nil fields are left as they are.
// ClearSchedule removes scheduled_at and returns the announcement to Draft.
type UpdateParams struct {
	Title         *string
	Body          *string
	Priority      *models.Priority
	Channel       *string
	Audience      models.Audience
	ScheduledAt   *time.Time
	ClearSchedule bool
}

// Service exposes the caller operations.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	audit      Auditor
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(st Store, dispatcher *Dispatcher, audit Auditor, log zerolog.Logger) *Service {
	return &Service{store: st, dispatcher: dispatcher, audit: audit, log: log, now: time.Now}
}

// Create stores a Draft, or a Scheduled announcement when a future send time is given.
func (s *Service) Create(ctx context.Context, p CreateParams) (models.Announcement, error) {
	now := s.now()
	if err := validateContent(p.Title, p.Body); err != nil {
		return models.Announcement{}, err
	}
	if p.Audience == nil {
		return models.Announcement{}, &models.ValidationError{Field: "target_audience", Reason: "required"}
	}
	priority, err := models.ParsePriority(string(p.Priority))
	if err != nil {
		return models.Announcement{}, err
	}
	if err := validateSchedule(p.ScheduledAt, now); err != nil {
		return models.Announcement{}, err
	}
	channel := strings.TrimSpace(p.Channel)
	if channel == "" {
		channel = models.DefaultChannel
	}
	createdBy := strings.TrimSpace(p.CreatedBy)
	if createdBy == "" {
		createdBy = "system"
	}

	a, err := s.store.CreateAnnouncement(ctx, store.CreateAnnouncementParams{
		Title:       strings.TrimSpace(p.Title),
		Body:        p.Body,
		Priority:    priority,
		Channel:     channel,
		Audience:    p.Audience,
		ScheduledAt: p.ScheduledAt,
		Status:      models.DraftStatus(p.ScheduledAt, now),
		CreatedBy:   createdBy,
	})
	if err != nil {
		return models.Announcement{}, err
	}
	s.audit.Record(ctx, models.NewAuditEvent(a, models.EventCreated, "by "+createdBy))
	return a, nil
}

// Update edits a Draft or Scheduled announcement. Changing the schedule
// moves it between Draft and Scheduled.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (models.Announcement, error) {
	a, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		return models.Announcement{}, err
	}
	if !a.Status.Editable() {
		return models.Announcement{}, &models.StateError{Op: "update", Status: a.Status}
	}
	now := s.now()

	if p.Title != nil {
		a.Title = strings.TrimSpace(*p.Title)
	}
	if p.Body != nil {
		a.Body = *p.Body
	}
	if err := validateContent(a.Title, a.Body); err != nil {
		return models.Announcement{}, err
	}
	if p.Priority != nil {
		priority, err := models.ParsePriority(string(*p.Priority))
		if err != nil {
			return models.Announcement{}, err
		}
		a.Priority = priority
	}
	if p.Channel != nil {
		if a.Channel = strings.TrimSpace(*p.Channel); a.Channel == "" {
			a.Channel = models.DefaultChannel
		}
	}
	if p.Audience != nil {
		a.Audience = p.Audience
	}
	switch {
	case p.ClearSchedule:
		a.ScheduledAt = nil
		a.Status = models.StatusDraft
	case p.ScheduledAt != nil:
		if err := validateSchedule(p.ScheduledAt, now); err != nil {
			return models.Announcement{}, err
		}
		a.ScheduledAt = p.ScheduledAt
		a.Status = models.StatusScheduled
	}
	return s.store.UpdateAnnouncement(ctx, a)
}

// Send starts a run now. It is the explicit trigger; the scheduler uses the same path.
func (s *Service) Send(ctx context.Context, id string) (models.Announcement, error) {
	return s.dispatcher.StartRun(ctx, id)
}

// Resend redelivers to the failed recipients of a settled run.
func (s *Service) Resend(ctx context.Context, id string) (models.Announcement, error) {
	return s.dispatcher.ResendRun(ctx, id)
}

// Delete removes an announcement and its ledger. Refused while Sending.
func (s *Service) Delete(ctx context.Context, id string) error {
	a, err := s.store.DeleteAnnouncement(ctx, id)
	if err != nil {
		return err
	}
	s.audit.Record(ctx, models.NewAuditEvent(a, models.EventDeleted, "final status "+string(a.Status)))
	return nil
}

// Get returns the announcement with its live counters.
func (s *Service) Get(ctx context.Context, id string) (models.Announcement, error) {
	return s.store.GetAnnouncement(ctx, id)
}

// List returns announcements matching the filter, newest first.
func (s *Service) List(ctx context.Context, f store.ListFilter) ([]models.Announcement, error) {
	return s.store.ListAnnouncements(ctx, f)
}

// ListRecipients returns the ledger of an announcement, optionally filtered by delivery status.
func (s *Service) ListRecipients(ctx context.Context, id string, status *models.DeliveryStatus) ([]models.Recipient, error) {
	return s.store.ListRecipients(ctx, id, status)
}

// Audit returns the lifecycle trail of an announcement, oldest first. It
// fails with ErrNotFound for an unknown or deleted announcement.
func (s *Service) Audit(ctx context.Context, id string) ([]models.AuditEvent, error) {
	if _, err := s.store.GetAnnouncement(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

// SendDue starts every Scheduled announcement whose time has come. Guard
// losses (another trigger got there first) and empty audiences are skipped.
func (s *Service) SendDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueScheduled(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, a := range due {
		if _, err := s.dispatcher.StartRun(ctx, a.ID); err != nil {
			lvl := zerolog.WarnLevel
			if isGuardLoss(err) {
				lvl = zerolog.DebugLevel
			}
			s.log.WithLevel(lvl).Err(err).Str("announcement_id", a.ID).Msg("scheduled send skipped")
			continue
		}
		started++
	}
	return started, nil
}

// RedriveStalled resubmits pending recipients of runs with no progress since before.
func (s *Service) RedriveStalled(ctx context.Context, before time.Time, limit int) (int, error) {
	stalled, err := s.store.ListStalledRuns(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	redriven := 0
	for _, a := range stalled {
		if _, err := s.dispatcher.Redrive(ctx, a.ID); err != nil {
			s.log.Warn().Err(err).Str("announcement_id", a.ID).Msg("redrive failed")
			continue
		}
		redriven++
	}
	return redriven, nil
}

func validateContent(title, body string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return &models.ValidationError{Field: "title", Reason: "required"}
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return &models.ValidationError{Field: "title", Reason: "must be at most 255 characters"}
	}
	if strings.TrimSpace(body) == "" {
		return &models.ValidationError{Field: "body", Reason: "required"}
	}
	return nil
}

func validateSchedule(at *time.Time, now time.Time) error {
	if at != nil && !at.After(now) {
		return &models.ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	return nil
}

func isGuardLoss(err error) bool {
	return errors.Is(err, models.ErrInvalidState)
}
