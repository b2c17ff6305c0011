package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status enumerates announcement lifecycle states persisted in Postgres.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusScheduled       Status = "scheduled"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
)

// ParseStatus validates a status string coming from a caller.
func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusPartiallyFailed, StatusFailed:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", v)}
}

// Editable reports whether content and targeting may still change.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// Sendable reports whether a run may start from this status.
func (s Status) Sendable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// Resendable reports whether the failed subset of a settled run may be redelivered.
func (s Status) Resendable() bool {
	return s == StatusPartiallyFailed || s == StatusFailed
}

// Deletable reports whether the announcement may be removed. In-flight runs are protected.
func (s Status) Deletable() bool {
	return s != StatusSending
}

// Settled reports whether a run has finished.
func (s Status) Settled() bool {
	return s == StatusSent || s == StatusPartiallyFailed || s == StatusFailed
}

// FinalStatus maps the settled counters of a run onto its terminal status.
func FinalStatus(total, successful, failed int) Status {
	switch {
	case failed == 0:
		return StatusSent
	case successful == 0 && failed >= total:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// DraftStatus picks Draft or Scheduled depending on whether a future send time is set.
func DraftStatus(scheduledAt *time.Time, now time.Time) Status {
	if scheduledAt != nil && scheduledAt.After(now) {
		return StatusScheduled
	}
	return StatusDraft
}

// Priority is the operator-chosen urgency of an announcement.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityImportant Priority = "important"
	PriorityUrgent    Priority = "urgent"
)

// ParsePriority accepts an empty value as normal.
func ParsePriority(v string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PriorityNormal, nil
	case PriorityNormal, PriorityImportant, PriorityUrgent:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", v)}
}

// DefaultChannel is used when the operator does not name one.
const DefaultChannel = "email"

// Announcement is the message aggregate plus its denormalized delivery counters.
type Announcement struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	Priority        Priority   `json:"priority"`
	Channel         string     `json:"channel"`
	Audience        Audience   `json:"-"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	Status          Status     `json:"status"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalRecipients int        `json:"total_recipients"`
	SuccessfulCount int        `json:"successful_count"`
	FailedCount     int        `json:"failed_count"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Pending is the number of recipients of the current run still awaiting an outcome.
func (a Announcement) Pending() int {
	return a.TotalRecipients - a.SuccessfulCount - a.FailedCount
}

type announcementJSON Announcement

// MarshalJSON flattens the audience into target_audience and tenant_ids.
func (a Announcement) MarshalJSON() ([]byte, error) {
	out := struct {
		announcementJSON
		TargetAudience AudienceKind `json:"target_audience"`
		TenantIDs      []string     `json:"tenant_ids,omitempty"`
	}{announcementJSON: announcementJSON(a)}
	if a.Audience != nil {
		out.TargetAudience = a.Audience.Kind()
		out.TenantIDs = AudienceTenantIDs(a.Audience)
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *Announcement) UnmarshalJSON(data []byte) error {
	var in struct {
		announcementJSON
		TargetAudience string   `json:"target_audience"`
		TenantIDs      []string `json:"tenant_ids"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = Announcement(in.announcementJSON)
	if in.TargetAudience == "" {
		return nil
	}
	aud, err := ParseAudience(in.TargetAudience, in.TenantIDs)
	if err != nil {
		return err
	}
	a.Audience = aud
	return nil
}

// AuditEvent is one lifecycle transition recorded by the audit sink.
type AuditEvent struct {
	AnnouncementID  string    `json:"announcement_id"`
	Event           string    `json:"event"`
	TotalRecipients int       `json:"total_recipients"`
	SuccessfulCount int       `json:"successful_count"`
	FailedCount     int       `json:"failed_count"`
	Detail          string    `json:"detail,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

const (
	EventCreated = "created"
	EventSent    = "sent"
	EventResent  = "resent"
	EventDeleted = "deleted"
)

// CompletedEvent names the audit event emitted when a run settles.
func CompletedEvent(status Status) string {
	return "completed:" + string(status)
}

// NewAuditEvent snapshots the counters of a at the moment of the event.
func NewAuditEvent(a Announcement, event, detail string) AuditEvent {
	return AuditEvent{
		AnnouncementID:  a.ID,
		Event:           event,
		TotalRecipients: a.TotalRecipients,
		SuccessfulCount: a.SuccessfulCount,
		FailedCount:     a.FailedCount,
		Detail:          detail,
	}
}
