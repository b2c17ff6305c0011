package notifier

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"announcement-dispatcher/internal/models"
)

// composeMail renders msg as an RFC 5322 text/plain message.
func composeMail(from string, msg Message, now time.Time) []byte {
	var b bytes.Buffer
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", msg.To)
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&b, "Date", now.UTC().Format(time.RFC1123Z))
	writeHeader(&b, "Message-ID", fmt.Sprintf("<%s.%s@%s>", msg.RecipientID, msg.AnnouncementID, domainOf(from)))
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/plain; charset="utf-8"`)
	writeHeader(&b, "Content-Transfer-Encoding", "8bit")
	writeHeader(&b, "X-Announcement-ID", msg.AnnouncementID)
	if msg.Priority == models.PriorityUrgent {
		writeHeader(&b, "X-Priority", "1")
		writeHeader(&b, "Importance", "high")
	}
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, key, value string) {
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	fmt.Fprintf(b, "%s: %s\r\n", key, value)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
