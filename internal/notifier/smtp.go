package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig configures the SMTP relay used for the email channel.
// TLS overrides the client TLS settings used after STARTTLS.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Helo     string
	StartTLS bool
	TLS      *tls.Config
}

// SMTP submits each message in its own session to a relay.
type SMTP struct {
	cfg    SMTPConfig
	dialer net.Dialer
	now    func() time.Time
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Helo == "" {
		cfg.Helo = "localhost"
	}
	return &SMTP{cfg: cfg, now: time.Now}
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.open(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp: %w", ctxErr)
		}
		return classifySMTP(err)
	}
	defer c.Close()

	if err := s.submit(c, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp: %w", ctxErr)
		}
		return classifySMTP(err)
	}
	return nil
}

// dial connects to the relay. The connection is closed when ctx ends, which
// unblocks any in-progress command; go-smtp manages its own per-command deadlines.
func (s *SMTP) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &ctxConn{Conn: conn, stop: stop}, nil
}

type ctxConn struct {
	net.Conn
	stop func() bool
}

func (c *ctxConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// open returns a greeted client. With StartTLS set, a relay that advertises
// STARTTLS is reconnected over TLS; otherwise the plain session is kept.
func (s *SMTP) open(ctx context.Context) (*smtp.Client, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := smtp.NewClient(conn)
	if err := c.Hello(s.cfg.Helo); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if !s.cfg.StartTLS {
		return c, nil
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, nil
	}
	_ = c.Quit()
	c.Close()

	conn, err = s.dial(ctx)
	if err != nil {
		return nil, err
	}
	c, err = smtp.NewClientStartTLS(conn, s.tlsConfig())
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	if err := c.Hello(s.cfg.Helo); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello after starttls: %w", err)
	}
	return c, nil
}

func (s *SMTP) tlsConfig() *tls.Config {
	if s.cfg.TLS != nil {
		cfg := s.cfg.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = s.cfg.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
}

func (s *SMTP) submit(c *smtp.Client, msg Message) error {
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(s.cfg.From, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(composeMail(s.cfg.From, msg, s.now())); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}

// classifySMTP turns reply codes into classified errors: 5xx is permanent, 4xx transient.
func classifySMTP(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &Error{
			Transport: "smtp",
			Code:      se.Code,
			Message:   strings.TrimSpace(se.Message),
			Permanent: se.Code >= 500,
		}
	}
	return fmt.Errorf("smtp: %w", err)
}
