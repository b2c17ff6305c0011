package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"announcement-dispatcher/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the connection pool to readers sharing the database, such as the tenant directory.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const announcementColumns = `id, title, body, priority, channel, target_audience, tenant_ids, scheduled_at, status,
	sent_at, completed_at, total_recipients, successful_count, failed_count, created_by, created_at, updated_at`

const recipientColumns = `id, announcement_id, tenant_id, address, delivery_status, error_message, sent_at, attempts,
	created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CreateAnnouncement inserts a new announcement in Draft or Scheduled status.
func (s *Store) CreateAnnouncement(ctx context.Context, p CreateAnnouncementParams) (models.Announcement, error) {
	if p.Channel == "" {
		p.Channel = models.DefaultChannel
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if p.Status == "" {
		p.Status = models.StatusDraft
	}
	kind, ids := audienceColumns(p.Audience)
	id := uuid.New().String()
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO announcements (id, title, body, priority, channel, target_audience, tenant_ids, scheduled_at, status,
			created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+announcementColumns,
		id, p.Title, p.Body, string(p.Priority), p.Channel, kind, ids, p.ScheduledAt, string(p.Status), p.CreatedBy, now)
	a, err := scanAnnouncement(row)
	if err != nil {
		return models.Announcement{}, fmt.Errorf("insert announcement: %w", err)
	}
	return a, nil
}

// GetAnnouncement fetches an announcement with its live counters.
func (s *Store) GetAnnouncement(ctx context.Context, id string) (models.Announcement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+announcementColumns+` FROM announcements WHERE id = $1`, id)
	a, err := scanAnnouncement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Announcement{}, announcementNotFound(id)
	}
	if err != nil {
		return models.Announcement{}, fmt.Errorf("scan announcement: %w", err)
	}
	return a, nil
}

// ListAnnouncements returns announcements newest first.
func (s *Store) ListAnnouncements(ctx context.Context, f ListFilter) ([]models.Announcement, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, f.limit())
	if err != nil {
		return nil, fmt.Errorf("query announcements: %w", err)
	}
	return collectAnnouncements(rows)
}

// UpdateAnnouncement rewrites the editable fields. The status guard is part of the
// UPDATE itself so an edit can never race a Send.
func (s *Store) UpdateAnnouncement(ctx context.Context, a models.Announcement) (models.Announcement, error) {
	kind, ids := audienceColumns(a.Audience)
	row := s.pool.QueryRow(ctx, `
		UPDATE announcements
		SET title = $2, body = $3, priority = $4, channel = $5, target_audience = $6, tenant_ids = $7,
			scheduled_at = $8, status = $9, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
		RETURNING `+announcementColumns,
		a.ID, a.Title, a.Body, string(a.Priority), a.Channel, kind, ids, a.ScheduledAt, string(a.Status))
	updated, err := scanAnnouncement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Announcement{}, s.guardError(ctx, a.ID, "update")
	}
	if err != nil {
		return models.Announcement{}, fmt.Errorf("update announcement: %w", err)
	}
	return updated, nil
}

// DeleteAnnouncement removes an announcement and, by cascade, its ledger rows.
// It is refused while a run is in flight.
func (s *Store) DeleteAnnouncement(ctx context.Context, id string) (models.Announcement, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM announcements WHERE id = $1 AND status <> 'sending'
		RETURNING `+announcementColumns, id)
	deleted, err := scanAnnouncement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Announcement{}, s.guardError(ctx, id, "delete")
	}
	if err != nil {
		return models.Announcement{}, fmt.Errorf("delete announcement: %w", err)
	}
	return deleted, nil
}

// guardError explains why a guarded statement matched no row.
func (s *Store) guardError(ctx context.Context, id, op string) error {
	current, err := s.GetAnnouncement(ctx, id)
	if err != nil {
		return err
	}
	return &models.StateError{Op: op, Status: current.Status}
}

// BeginRun is the commit point of a send. In one transaction it re-checks the
// status under a row lock, upserts one pending ledger row per target (existing
// (announcement, tenant) pairs are left alone), sets the counters from the ledger,
// moves the announcement to Sending and returns the rows awaiting delivery.
func (s *Store) BeginRun(ctx context.Context, id string, targets []models.Target) ([]models.Recipient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := lockForTransition(ctx, tx, id, "send", models.Status.Sendable); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, len(targets))
	tenants := make([]string, len(targets))
	addresses := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = uuid.New().String()
		tenants[i] = t.TenantID
		addresses[i] = t.Address
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO announcement_recipients (id, announcement_id, tenant_id, address, delivery_status, created_at, updated_at)
		SELECT r.id, $1, r.tenant_id, r.address, 'pending', $5, $5
		FROM unnest($2::text[], $3::text[], $4::text[]) AS r(id, tenant_id, address)
		ON CONFLICT (announcement_id, tenant_id) DO NOTHING
	`, id, ids, tenants, addresses, now); err != nil {
		return nil, fmt.Errorf("upsert recipients: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE announcements a
		SET total_recipients = c.total, successful_count = c.sent, failed_count = c.failed,
			status = 'sending', sent_at = COALESCE(a.sent_at, $2), completed_at = NULL, updated_at = $2
		FROM (
			SELECT COUNT(*) AS total,
				COUNT(*) FILTER (WHERE delivery_status = 'sent') AS sent,
				COUNT(*) FILTER (WHERE delivery_status = 'failed') AS failed
			FROM announcement_recipients WHERE announcement_id = $1
		) c
		WHERE a.id = $1
	`, id, now); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	pending, err := listRecipients(ctx, tx, id, ptr(models.DeliveryPending))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return pending, nil
}

// BeginResend resets every failed row to pending, gives the reset count back to
// failed_count and reopens the run, all in one transaction.
func (s *Store) BeginResend(ctx context.Context, id string) ([]models.Recipient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockForTransition(ctx, tx, id, "resend", models.Status.Resendable); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE announcement_recipients
		SET delivery_status = 'pending', error_message = NULL, updated_at = $2
		WHERE announcement_id = $1 AND delivery_status = 'failed'
		RETURNING `+recipientColumns, id, now)
	if err != nil {
		return nil, fmt.Errorf("reset failed recipients: %w", err)
	}
	reset, err := collectRecipients(rows)
	if err != nil {
		return nil, err
	}
	if len(reset) == 0 {
		return nil, models.ErrNoFailedRecipients
	}

	if _, err := tx.Exec(ctx, `
		UPDATE announcements
		SET failed_count = failed_count - $2, status = 'sending', completed_at = NULL, updated_at = $3
		WHERE id = $1
	`, id, len(reset), now); err != nil {
		return nil, fmt.Errorf("reopen run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return reset, nil
}

func lockForTransition(ctx context.Context, tx pgx.Tx, id, op string, allowed func(models.Status) bool) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM announcements WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return announcementNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("lock announcement: %w", err)
	}
	if !allowed(models.Status(status)) {
		return &models.StateError{Op: op, Status: models.Status(status)}
	}
	return nil
}

// SettleRecipient moves one pending row to its outcome and increments the matching
// counter in the same transaction. The UPDATE on the announcement row serializes
// concurrent settles, so the counters it returns are exact and only the settle that
// reaches total performs the final transition.
func (s *Store) SettleRecipient(ctx context.Context, p SettleParams) (SettleResult, error) {
	if p.Outcome != models.DeliverySent && p.Outcome != models.DeliveryFailed {
		return SettleResult{}, fmt.Errorf("settle outcome %q: %w", p.Outcome, models.ErrValidation)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	var sentAt *time.Time
	var errMsg *string
	successInc, failInc := 0, 0
	if p.Outcome == models.DeliverySent {
		sentAt = &p.At
		successInc = 1
	} else {
		errMsg = &p.ErrorMessage
		failInc = 1
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE announcement_recipients
		SET delivery_status = $3, error_message = $4, sent_at = $5, attempts = attempts + 1, updated_at = $6
		WHERE id = $1 AND announcement_id = $2 AND delivery_status = 'pending'
	`, p.RecipientID, p.AnnouncementID, string(p.Outcome), errMsg, sentAt, p.At)
	if err != nil {
		return SettleResult{}, fmt.Errorf("settle recipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return SettleResult{}, nil
	}

	var res SettleResult
	var status string
	if err := tx.QueryRow(ctx, `
		UPDATE announcements
		SET successful_count = successful_count + $2, failed_count = failed_count + $3, updated_at = $4
		WHERE id = $1
		RETURNING status, total_recipients, successful_count, failed_count
	`, p.AnnouncementID, successInc, failInc, p.At).Scan(&status, &res.TotalRecipients, &res.SuccessfulCount, &res.FailedCount); err != nil {
		return SettleResult{}, fmt.Errorf("increment counters: %w", err)
	}
	res.Applied = true
	res.Status = models.Status(status)

	if res.Status == models.StatusSending && res.SuccessfulCount+res.FailedCount == res.TotalRecipients {
		final := models.FinalStatus(res.TotalRecipients, res.SuccessfulCount, res.FailedCount)
		tag, err := tx.Exec(ctx, `
			UPDATE announcements SET status = $2, completed_at = $3 WHERE id = $1 AND status = 'sending'
		`, p.AnnouncementID, string(final), p.At)
		if err != nil {
			return SettleResult{}, fmt.Errorf("complete run: %w", err)
		}
		if tag.RowsAffected() == 1 {
			res.Completed = true
			res.Status = final
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// GetRecipient fetches one ledger row.
func (s *Store) GetRecipient(ctx context.Context, id string) (models.Recipient, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM announcement_recipients WHERE id = $1`, id)
	r, err := scanRecipient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recipient{}, recipientNotFound(id)
	}
	if err != nil {
		return models.Recipient{}, fmt.Errorf("scan recipient: %w", err)
	}
	return r, nil
}

// ListRecipients returns the ledger of an announcement, optionally filtered by delivery status.
func (s *Store) ListRecipients(ctx context.Context, announcementID string, status *models.DeliveryStatus) ([]models.Recipient, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM announcements WHERE id = $1)`, announcementID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check announcement: %w", err)
	}
	if !exists {
		return nil, announcementNotFound(announcementID)
	}
	return listRecipients(ctx, s.pool, announcementID, status)
}

// ListPendingRecipients returns rows still awaiting an outcome.
func (s *Store) ListPendingRecipients(ctx context.Context, announcementID string) ([]models.Recipient, error) {
	return listRecipients(ctx, s.pool, announcementID, ptr(models.DeliveryPending))
}

func listRecipients(ctx context.Context, q querier, announcementID string, status *models.DeliveryStatus) ([]models.Recipient, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := q.Query(ctx, `
		SELECT `+recipientColumns+` FROM announcement_recipients
		WHERE announcement_id = $1 AND ($2::text IS NULL OR delivery_status = $2)
		ORDER BY tenant_id
	`, announcementID, filter)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	return collectRecipients(rows)
}

// ListDueScheduled returns Scheduled announcements whose send time has elapsed.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Announcement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due announcements: %w", err)
	}
	return collectAnnouncements(rows)
}

// ListStalledRuns returns Sending announcements untouched since before.
func (s *Store) ListStalledRuns(ctx context.Context, before time.Time, limit int) ([]models.Announcement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE status = 'sending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled runs: %w", err)
	}
	return collectAnnouncements(rows)
}

// TouchAnnouncement bumps updated_at so a redriven run is not picked up again immediately.
func (s *Store) TouchAnnouncement(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE announcements SET updated_at = NOW() WHERE id = $1`, id)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, ev models.AuditEvent) error {
	at := ev.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (announcement_id, event, total_recipients, successful_count, failed_count, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.AnnouncementID, ev.Event, ev.TotalRecipients, ev.SuccessfulCount, ev.FailedCount, ev.Detail, at)
	return err
}

// ListAudit returns the audit trail of an announcement in recording order.
func (s *Store) ListAudit(ctx context.Context, announcementID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT announcement_id, event, total_recipients, successful_count, failed_count, detail, ts
		FROM audit_logs WHERE announcement_id = $1 ORDER BY id
	`, announcementID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEvent, error) {
		var ev models.AuditEvent
		err := row.Scan(&ev.AnnouncementID, &ev.Event, &ev.TotalRecipients, &ev.SuccessfulCount, &ev.FailedCount, &ev.Detail, &ev.RecordedAt)
		return ev, err
	})
}

func scanAnnouncement(row pgx.Row) (models.Announcement, error) {
	var a models.Announcement
	var priority, kind, status string
	var ids []string
	var scheduledAt, sentAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.Title, &a.Body, &priority, &a.Channel, &kind, &ids, &scheduledAt, &status,
		&sentAt, &completedAt, &a.TotalRecipients, &a.SuccessfulCount, &a.FailedCount, &a.CreatedBy,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Announcement{}, err
	}
	aud, err := models.ParseAudience(kind, ids)
	if err != nil {
		return models.Announcement{}, fmt.Errorf("decode audience of %s: %w", a.ID, err)
	}
	a.Audience = aud
	a.Priority = models.Priority(priority)
	a.Status = models.Status(status)
	a.ScheduledAt = timePtr(scheduledAt)
	a.SentAt = timePtr(sentAt)
	a.CompletedAt = timePtr(completedAt)
	return a, nil
}

func collectAnnouncements(rows pgx.Rows) ([]models.Announcement, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Announcement, error) {
		return scanAnnouncement(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan announcements: %w", err)
	}
	return out, nil
}

func scanRecipient(row pgx.Row) (models.Recipient, error) {
	var r models.Recipient
	var status string
	var errMsg pgtype.Text
	var sentAt pgtype.Timestamptz
	if err := row.Scan(&r.ID, &r.AnnouncementID, &r.TenantID, &r.Address, &status, &errMsg, &sentAt, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Recipient{}, err
	}
	r.Status = models.DeliveryStatus(status)
	r.ErrorMessage = textPtr(errMsg)
	r.SentAt = timePtr(sentAt)
	return r, nil
}

func collectRecipients(rows pgx.Rows) ([]models.Recipient, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Recipient, error) {
		return scanRecipient(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan recipients: %w", err)
	}
	return out, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
