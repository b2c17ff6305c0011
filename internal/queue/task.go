// Package queue carries per-recipient delivery tasks between the dispatcher
// and the workers, with leases, delayed retries and a dead-letter list.
package queue

import (
	"errors"
	"fmt"

	"announcement-dispatcher/internal/models"
)

// ErrMissingID is returned when a task is enqueued without an id.
var ErrMissingID = errors.New("queue: task id is required")

// ErrLeaseLost is returned when extending a lease the caller no longer holds.
var ErrLeaseLost = errors.New("queue: lease no longer held")

// Task is one delivery attempt for one ledger row. ID pairs the recipient id
// with the row's settle count, so each submission of a row gets its own
// record and a late ack from an earlier run cannot touch a later one.
type Task struct {
	ID             string
	AnnouncementID string
	RecipientID    string
	Priority       string
	Attempts       int
}

// NewTask builds the task for a recipient of an announcement. generation is
// the row's attempts column at submission time.
func NewTask(announcementID, recipientID string, generation int, p models.Priority) Task {
	return Task{
		ID:             TaskID(recipientID, generation),
		AnnouncementID: announcementID,
		RecipientID:    recipientID,
		Priority:       PriorityFor(p),
	}
}

// TaskID names the task for one submission of a ledger row.
func TaskID(recipientID string, generation int) string {
	return fmt.Sprintf("%s:%d", recipientID, generation)
}

// PriorityFor maps announcement priority onto a ready list.
func PriorityFor(p models.Priority) string {
	switch p {
	case models.PriorityUrgent:
		return "high"
	case models.PriorityImportant:
		return "default"
	default:
		return "low"
	}
}

func priorities(configured []string) []string {
	if len(configured) == 0 {
		return []string{"high", "default", "low"}
	}
	return configured
}

// normalizePriority falls back to the lowest configured list for unknown names.
func normalizePriority(p string, known []string) string {
	for _, k := range known {
		if k == p {
			return p
		}
	}
	return known[len(known)-1]
}
