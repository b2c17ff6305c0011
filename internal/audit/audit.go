// Package audit records announcement lifecycle events. Recording is best
// effort: a failed write is logged and never fails the operation that emitted it.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/models"
)

// Appender persists audit events.
type Appender interface {
	AppendAudit(ctx context.Context, ev models.AuditEvent) error
}

// Sink writes each event to the log and to the store.
type Sink struct {
	store Appender
	log   zerolog.Logger
	now   func() time.Time
}

func NewSink(store Appender, log zerolog.Logger) *Sink {
	return &Sink{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Record stamps ev and appends it. Store failures are only logged.
func (s *Sink) Record(ctx context.Context, ev models.AuditEvent) {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = s.now()
	}
	s.log.Info().
		Str("announcement_id", ev.AnnouncementID).
		Str("event", ev.Event).
		Int("total_recipients", ev.TotalRecipients).
		Int("successful_count", ev.SuccessfulCount).
		Int("failed_count", ev.FailedCount).
		Str("detail", ev.Detail).
		Msg("audit")
	if s.store == nil {
		return
	}
	if err := s.store.AppendAudit(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("announcement_id", ev.AnnouncementID).
			Str("event", ev.Event).
			Msg("audit write failed")
	}
}
