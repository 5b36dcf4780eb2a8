package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/domain"
)

// ReminderTx is the set of reminder writes available while the per-reminder
// advisory lock is held.
type ReminderTx interface {
	Load(ctx context.Context, now time.Time) (*domain.DueReminder, error)
	Complete(ctx context.Context, now time.Time) error
	Retry(ctx context.Context, now, retryAt time.Time) error
	MarkEmailSent(ctx context.Context, now time.Time) error
	MarkWhatsAppSent(ctx context.Context, now time.Time, messageID string) error
}

type PostgresReminderRepository struct {
	db *sql.DB
}

func NewPostgresReminderRepository(db *sql.DB) *PostgresReminderRepository {
	return &PostgresReminderRepository{db: db}
}

func (r *PostgresReminderRepository) DueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT id
        FROM contribution_reminders
        WHERE remind_at <= $1 AND next_attempt_at <= $1 AND sent_at IS NULL
        ORDER BY next_attempt_at, remind_at
        LIMIT $2;
    `
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reminder id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProcessLocked runs fn inside a transaction holding the reminder's advisory
// lock. The lock is released on commit or rollback, so it spans fn's sends.
func (r *PostgresReminderRepository) ProcessLocked(ctx context.Context, id string, fn func(ctx context.Context, tx ReminderTx) error) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		lockCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		if _, err := tx.ExecContext(lockCtx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, "reminder-dispatch:"+id); err != nil {
			return fmt.Errorf("failed to take reminder lock: %w", err)
		}
		return fn(ctx, &reminderTx{tx: tx, id: id})
	})
}

type reminderTx struct {
	tx *sql.Tx
	id string
}

// Load re-reads the reminder under the lock. It returns domain.ErrNotFound
// when another dispatcher already handled it.
func (t *reminderTx) Load(ctx context.Context, now time.Time) (*domain.DueReminder, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT r.id, r.page_id, r.email, r.remind_at, r.next_attempt_at, r.attempt_count, r.email_sent_at,
               r.whatsapp_phone_e164, r.whatsapp_opt_in_at, r.whatsapp_opt_out_at, r.whatsapp_sent_at,
               r.whatsapp_message_id, r.sent_at,
               p.child_name, p.gift_name, p.slug, p.status, p.campaign_end_date, p.party_date
        FROM contribution_reminders r
        JOIN funding_pages p ON p.id = r.page_id
        WHERE r.id = $1 AND r.sent_at IS NULL AND r.remind_at <= $2 AND r.next_attempt_at <= $2;
    `
	var d domain.DueReminder
	var status string
	err := t.tx.QueryRowContext(ctx, query, t.id, now).Scan(&d.ID, &d.PageID, &d.Email, &d.RemindAt,
		&d.NextAttemptAt, &d.AttemptCount, &d.EmailSentAt, &d.WhatsAppPhoneE164, &d.WhatsAppOptInAt,
		&d.WhatsAppOptOutAt, &d.WhatsAppSentAt, &d.WhatsAppMessageID, &d.SentAt,
		&d.ChildName, &d.GiftName, &d.Slug, &status, &d.CampaignEndDate, &d.PartyDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reminder: %w", err)
	}
	d.PageStatus = domain.PageStatus(status)
	return &d, nil
}

func (t *reminderTx) exec(ctx context.Context, what, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := t.tx.ExecContext(ctx, query, append([]any{t.id}, args...)...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

func (t *reminderTx) Complete(ctx context.Context, now time.Time) error {
	return t.exec(ctx, "complete reminder", `UPDATE contribution_reminders SET sent_at = $2 WHERE id = $1`, now)
}

func (t *reminderTx) Retry(ctx context.Context, now, retryAt time.Time) error {
	return t.exec(ctx, "schedule reminder retry", `
        UPDATE contribution_reminders
        SET attempt_count = attempt_count + 1, last_attempt_at = $2, next_attempt_at = $3
        WHERE id = $1`, now, retryAt)
}

func (t *reminderTx) MarkEmailSent(ctx context.Context, now time.Time) error {
	return t.exec(ctx, "mark reminder email sent", `UPDATE contribution_reminders SET email_sent_at = $2 WHERE id = $1`, now)
}

func (t *reminderTx) MarkWhatsAppSent(ctx context.Context, now time.Time, messageID string) error {
	return t.exec(ctx, "mark reminder whatsapp sent", `
        UPDATE contribution_reminders
        SET whatsapp_sent_at = $2, whatsapp_message_id = COALESCE($3, whatsapp_message_id)
        WHERE id = $1`, now, emptyToNil(messageID))
}
