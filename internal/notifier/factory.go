package notifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/config"
)

// New builds the notifier named by cfg.NotifierKind.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (Notifier, error) {
	switch cfg.NotifierKind {
	case "", "log":
		return NewLog(log), nil
	case "smtp":
		return NewSMTP(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			Helo:     cfg.SMTPHelo,
			StartTLS: cfg.SMTPStartTLS,
		}), nil
	case "http":
		if cfg.HTTPNotifierURL == "" {
			return nil, fmt.Errorf("http notifier: HTTP_NOTIFIER_URL is required")
		}
		return NewHTTP(HTTPConfig{
			Endpoint: cfg.HTTPNotifierURL,
			APIKey:   cfg.HTTPNotifierAPIKey,
			From:     cfg.MailFrom,
			Timeout:  cfg.NotifyTimeout,
		}), nil
	case "s3":
		outbox, err := NewS3Outbox(ctx, S3Config{
			Bucket:    cfg.OutboxBucket,
			Prefix:    cfg.OutboxPrefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			From:      cfg.MailFrom,
		})
		if err != nil {
			return nil, err
		}
		return outbox, nil
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.NotifierKind)
	}
}
