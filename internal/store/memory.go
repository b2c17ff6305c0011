package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"announcement-dispatcher/internal/models"
)

// Memory is an in-process implementation of the store used for local runs and tests.
// A single mutex makes every method atomic, which gives the same guarantees the
// Postgres transactions give.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	announcements map[string]*models.Announcement
	recipients    map[string]*models.Recipient
	byPair        map[string]string
	audit         []models.AuditEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:           func() time.Time { return time.Now().UTC() },
		announcements: make(map[string]*models.Announcement),
		recipients:    make(map[string]*models.Recipient),
		byPair:        make(map[string]string),
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func pairKey(announcementID, tenantID string) string {
	return announcementID + "\x00" + tenantID
}

func (m *Memory) CreateAnnouncement(_ context.Context, p CreateAnnouncementParams) (models.Announcement, error) {
	if p.Channel == "" {
		p.Channel = models.DefaultChannel
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if p.Status == "" {
		p.Status = models.StatusDraft
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	a := &models.Announcement{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Body:        p.Body,
		Priority:    p.Priority,
		Channel:     p.Channel,
		Audience:    p.Audience,
		ScheduledAt: copyTime(p.ScheduledAt),
		Status:      p.Status,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.announcements[a.ID] = a
	return cloneAnnouncement(a), nil
}

func (m *Memory) GetAnnouncement(_ context.Context, id string) (models.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return models.Announcement{}, announcementNotFound(id)
	}
	return cloneAnnouncement(a), nil
}

func (m *Memory) ListAnnouncements(_ context.Context, f ListFilter) ([]models.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Announcement, 0, len(m.announcements))
	for _, a := range m.announcements {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		out = append(out, cloneAnnouncement(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateAnnouncement(_ context.Context, a models.Announcement) (models.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.announcements[a.ID]
	if !ok {
		return models.Announcement{}, announcementNotFound(a.ID)
	}
	if !cur.Status.Editable() {
		return models.Announcement{}, &models.StateError{Op: "update", Status: cur.Status}
	}
	cur.Title = a.Title
	cur.Body = a.Body
	cur.Priority = a.Priority
	cur.Channel = a.Channel
	cur.Audience = a.Audience
	cur.ScheduledAt = copyTime(a.ScheduledAt)
	cur.Status = a.Status
	cur.UpdatedAt = m.now()
	return cloneAnnouncement(cur), nil
}

func (m *Memory) DeleteAnnouncement(_ context.Context, id string) (models.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return models.Announcement{}, announcementNotFound(id)
	}
	if !a.Status.Deletable() {
		return models.Announcement{}, &models.StateError{Op: "delete", Status: a.Status}
	}
	for rid, r := range m.recipients {
		if r.AnnouncementID == id {
			delete(m.byPair, pairKey(id, r.TenantID))
			delete(m.recipients, rid)
		}
	}
	delete(m.announcements, id)
	return cloneAnnouncement(a), nil
}

func (m *Memory) BeginRun(_ context.Context, id string, targets []models.Target) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return nil, announcementNotFound(id)
	}
	if !a.Status.Sendable() {
		return nil, &models.StateError{Op: "send", Status: a.Status}
	}
	now := m.now()
	for _, t := range targets {
		key := pairKey(id, t.TenantID)
		if _, exists := m.byPair[key]; exists {
			continue
		}
		r := &models.Recipient{
			ID:             uuid.New().String(),
			AnnouncementID: id,
			TenantID:       t.TenantID,
			Address:        t.Address,
			Status:         models.DeliveryPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.recipients[r.ID] = r
		m.byPair[key] = r.ID
	}

	total, sent, failed := 0, 0, 0
	for _, r := range m.recipients {
		if r.AnnouncementID != id {
			continue
		}
		total++
		switch r.Status {
		case models.DeliverySent:
			sent++
		case models.DeliveryFailed:
			failed++
		}
	}
	a.TotalRecipients, a.SuccessfulCount, a.FailedCount = total, sent, failed
	a.Status = models.StatusSending
	if a.SentAt == nil {
		a.SentAt = &now
	}
	a.CompletedAt = nil
	a.UpdatedAt = now
	return m.recipientsLocked(id, ptr(models.DeliveryPending)), nil
}

func (m *Memory) BeginResend(_ context.Context, id string) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.announcements[id]
	if !ok {
		return nil, announcementNotFound(id)
	}
	if !a.Status.Resendable() {
		return nil, &models.StateError{Op: "resend", Status: a.Status}
	}
	failed := m.recipientsLocked(id, ptr(models.DeliveryFailed))
	if len(failed) == 0 {
		return nil, models.ErrNoFailedRecipients
	}
	now := m.now()
	reset := make([]models.Recipient, 0, len(failed))
	for _, f := range failed {
		r := m.recipients[f.ID]
		r.Status = models.DeliveryPending
		r.ErrorMessage = nil
		r.UpdatedAt = now
		reset = append(reset, cloneRecipient(r))
	}
	a.FailedCount -= len(reset)
	a.Status = models.StatusSending
	a.CompletedAt = nil
	a.UpdatedAt = now
	return reset, nil
}

func (m *Memory) SettleRecipient(_ context.Context, p SettleParams) (SettleResult, error) {
	if p.Outcome != models.DeliverySent && p.Outcome != models.DeliveryFailed {
		return SettleResult{}, &models.ValidationError{Field: "outcome", Reason: string(p.Outcome)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.At.IsZero() {
		p.At = m.now()
	}
	r, ok := m.recipients[p.RecipientID]
	if !ok || r.AnnouncementID != p.AnnouncementID || r.Status != models.DeliveryPending {
		return SettleResult{}, nil
	}
	a, ok := m.announcements[p.AnnouncementID]
	if !ok {
		return SettleResult{}, nil
	}

	r.Status = p.Outcome
	r.Attempts++
	r.UpdatedAt = p.At
	if p.Outcome == models.DeliverySent {
		at := p.At
		r.SentAt = &at
		r.ErrorMessage = nil
		a.SuccessfulCount++
	} else {
		msg := p.ErrorMessage
		r.ErrorMessage = &msg
		a.FailedCount++
	}
	a.UpdatedAt = p.At

	res := SettleResult{Applied: true}
	if a.Status == models.StatusSending && a.SuccessfulCount+a.FailedCount == a.TotalRecipients {
		a.Status = models.FinalStatus(a.TotalRecipients, a.SuccessfulCount, a.FailedCount)
		at := p.At
		a.CompletedAt = &at
		res.Completed = true
	}
	res.Status = a.Status
	res.TotalRecipients = a.TotalRecipients
	res.SuccessfulCount = a.SuccessfulCount
	res.FailedCount = a.FailedCount
	return res, nil
}

func (m *Memory) GetRecipient(_ context.Context, id string) (models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return models.Recipient{}, recipientNotFound(id)
	}
	return cloneRecipient(r), nil
}

func (m *Memory) ListRecipients(_ context.Context, announcementID string, status *models.DeliveryStatus) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.announcements[announcementID]; !ok {
		return nil, announcementNotFound(announcementID)
	}
	return m.recipientsLocked(announcementID, status), nil
}

func (m *Memory) ListPendingRecipients(_ context.Context, announcementID string) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recipientsLocked(announcementID, ptr(models.DeliveryPending)), nil
}

func (m *Memory) recipientsLocked(announcementID string, status *models.DeliveryStatus) []models.Recipient {
	out := []models.Recipient{}
	for _, r := range m.recipients {
		if r.AnnouncementID != announcementID {
			continue
		}
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, cloneRecipient(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (m *Memory) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]models.Announcement, error) {
	return m.filterAnnouncements(limit, func(a *models.Announcement) bool {
		return a.Status == models.StatusScheduled && a.ScheduledAt != nil && !a.ScheduledAt.After(now)
	}), nil
}

func (m *Memory) ListStalledRuns(_ context.Context, before time.Time, limit int) ([]models.Announcement, error) {
	return m.filterAnnouncements(limit, func(a *models.Announcement) bool {
		return a.Status == models.StatusSending && a.UpdatedAt.Before(before)
	}), nil
}

func (m *Memory) filterAnnouncements(limit int, keep func(*models.Announcement) bool) []models.Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Announcement{}
	for _, a := range m.announcements {
		if keep(a) {
			out = append(out, cloneAnnouncement(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) TouchAnnouncement(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.announcements[id]; ok {
		a.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, ev models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = m.now()
	}
	m.audit = append(m.audit, ev)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, announcementID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AuditEvent{}
	for _, ev := range m.audit {
		if ev.AnnouncementID == announcementID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func cloneAnnouncement(a *models.Announcement) models.Announcement {
	c := *a
	c.ScheduledAt = copyTime(a.ScheduledAt)
	c.SentAt = copyTime(a.SentAt)
	c.CompletedAt = copyTime(a.CompletedAt)
	if spec, ok := a.Audience.(models.AudienceSpecific); ok {
		c.Audience = models.AudienceSpecific{TenantIDs: append([]string(nil), spec.TenantIDs...)}
	}
	return c
}

func cloneRecipient(r *models.Recipient) models.Recipient {
	c := *r
	c.SentAt = copyTime(r.SentAt)
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		c.ErrorMessage = &msg
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
