// Package notifier delivers one announcement to one destination address.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"announcement-dispatcher/internal/models"
)

// Message is everything a transport needs for a single delivery.
type Message struct {
	AnnouncementID string
	RecipientID    string
	To             string
	Subject        string
	Body           string
	Channel        string
	Priority       models.Priority
}

// Notifier sends a message. Implementations must honor ctx cancellation.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, msg Message) error

func (f Func) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Error is a classified transport failure.
type Error struct {
	Transport string
	Code      int
	Message   string
	Permanent bool
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Transport, e.Code, e.Message)
	}
	return e.Transport + ": " + e.Message
}

// IsPermanent reports whether retrying cannot help (bad address, rejected credentials).
func IsPermanent(err error) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Permanent
	}
	return false
}

// IsTransient reports whether a retry may succeed. Unclassified errors are transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ClassifyStatus maps an HTTP-style status code onto a classified error; nil for 2xx.
func ClassifyStatus(transport string, code int, body string) *Error {
	if code >= 200 && code < 300 {
		return nil
	}
	e := &Error{Transport: transport, Code: code, Message: strings.TrimSpace(body)}
	switch {
	case code == 408 || code == 429:
		e.Permanent = false
	case code == 400:
		e.Permanent = containsAny(body, permanentClientPatterns)
	case code >= 400 && code < 500:
		e.Permanent = true
	case code >= 500:
		e.Permanent = containsAny(body, permanentServerPatterns)
	}
	return e
}

var permanentClientPatterns = []string{
	"invalid recipient",
	"invalid email",
	"invalid address",
	"mailbox not found",
	"recipient rejected",
	"does not exist",
	"validation error",
}

var permanentServerPatterns = []string{
	"invalid api key",
	"authentication failed",
	"account suspended",
	"account disabled",
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

const maxDiagnosticLen = 255

// Diagnose renders err as the short operator-facing message stored on a failed ledger row.
func Diagnose(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	var ne *Error
	var netErr net.Error
	switch {
	case errors.As(err, &ne):
		msg = ne.Error()
	case errors.Is(err, context.DeadlineExceeded):
		msg = "timeout: transport did not respond in time"
	case errors.Is(err, context.Canceled):
		msg = "cancelled before the transport responded"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			msg = "network timeout reaching transport"
		} else {
			msg = "network error reaching transport"
		}
	default:
		msg = "transport error"
	}
	return Shorten(msg)
}

// Shorten collapses whitespace and caps s at the diagnostic length.
func Shorten(s string) string {
	return truncate(strings.Join(strings.Fields(s), " "), maxDiagnosticLen)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
