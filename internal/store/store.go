// Package store persists announcements, the recipient ledger and audit rows.
//
// Two implementations share one contract: Store (Postgres via pgx) and Memory.
// Every operation that moves an announcement between statuses or touches its
// counters runs as a single atomic unit, so concurrent delivery workers only
// coordinate through the counter increments.
package store

import (
	"fmt"
	"time"

	"announcement-dispatcher/internal/models"
)

// CreateAnnouncementParams collects inputs required to insert an announcement.
type CreateAnnouncementParams struct {
	Title       string
	Body        string
	Priority    models.Priority
	Channel     string
	Audience    models.Audience
	ScheduledAt *time.Time
	Status      models.Status
	CreatedBy   string
}

// ListFilter narrows ListAnnouncements. Limit <= 0 means the default page size.
type ListFilter struct {
	Status *models.Status
	Limit  int
}

const defaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}

// SettleParams records the outcome of one delivery attempt.
type SettleParams struct {
	AnnouncementID string
	RecipientID    string
	Outcome        models.DeliveryStatus
	ErrorMessage   string
	At             time.Time
}

// SettleResult reports what a settle did. Applied is false when the row was
// no longer pending and nothing changed. Completed is true only for the one
// settle whose increment brought the run to equality and moved it out of Sending.
type SettleResult struct {
	Applied         bool
	Completed       bool
	Status          models.Status
	TotalRecipients int
	SuccessfulCount int
	FailedCount     int
}

// Announcement returns the counters of the settle as a partial announcement, for audit events.
func (r SettleResult) Announcement(id string) models.Announcement {
	return models.Announcement{
		ID:              id,
		Status:          r.Status,
		TotalRecipients: r.TotalRecipients,
		SuccessfulCount: r.SuccessfulCount,
		FailedCount:     r.FailedCount,
	}
}

func announcementNotFound(id string) error {
	return fmt.Errorf("announcement %s: %w", id, models.ErrNotFound)
}

func recipientNotFound(id string) error {
	return fmt.Errorf("recipient %s: %w", id, models.ErrNotFound)
}

func audienceColumns(a models.Audience) (string, []string) {
	if a == nil {
		return "", []string{}
	}
	ids := models.AudienceTenantIDs(a)
	if ids == nil {
		ids = []string{}
	}
	return string(a.Kind()), ids
}
