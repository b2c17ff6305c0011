package notifier

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes a summary of every message to the logger instead of delivering it.
// Intended for development; every send succeeds.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("notifier", "log").Logger()}
}

func (l *Log) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info().
		Str("announcement_id", msg.AnnouncementID).
		Str("recipient_id", msg.RecipientID).
		Str("to", msg.To).
		Str("channel", msg.Channel).
		Str("priority", string(msg.Priority)).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.Body)).
		Msg("announcement delivered")
	return nil
}
