package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chipin-service/internal/domain"

	"github.com/lib/pq"
)

type PostgresWebhookRepository struct {
	db *sql.DB
}

func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

func (r *PostgresWebhookRepository) InsertEvent(ctx context.Context, ev domain.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	const query = `
        INSERT INTO webhook_events (id, api_key_id, event_type, payload, status, attempts, created_at)
        VALUES ($1, $2, $3, $4, 'pending', 0, $5);
    `
	if _, err := r.db.ExecContext(ctx, query, ev.ID, nullStringOrNil(ev.SubscriberID), string(ev.EventType), payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// ListDue returns pending events whose retry time has come, oldest first.
// Events that were never attempted have no next_attempt_at and are due at once.
func (r *PostgresWebhookRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT id, api_key_id, event_type, payload, status, attempts, last_attempt_at, next_attempt_at,
               last_response_code, last_response_body, created_at
        FROM webhook_events
        WHERE status = 'pending'
          AND attempts < $2
          AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
        ORDER BY created_at
        LIMIT $3;
    `
	rows, err := r.db.QueryContext(ctx, query, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due webhook events: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		var typ, status string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SubscriberID, &typ, &payload, &status, &ev.Attempts, &ev.LastAttemptAt,
			&ev.NextAttemptAt, &ev.LastResponseCode, &ev.LastResponseBody, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of event %s: %w", ev.ID, err)
		}
		ev.EventType = domain.EventType(typ)
		ev.Status = domain.WebhookEventStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ActiveEndpoints lists active endpoints of a subscriber whose API key is active.
// Secrets are returned as stored.
func (r *PostgresWebhookRepository) ActiveEndpoints(ctx context.Context, subscriberID string) ([]domain.WebhookEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT e.id, e.api_key_id, e.url, e.events, e.secret, e.is_active
        FROM webhook_endpoints e
        JOIN api_keys k ON k.id = e.api_key_id
        WHERE e.api_key_id = $1 AND e.is_active AND k.is_active
        ORDER BY e.created_at;
    `
	rows, err := r.db.QueryContext(ctx, query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEndpoint
	for rows.Next() {
		var e domain.WebhookEndpoint
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.URL, pq.Array(&e.Events), &e.Secret, &e.Active); err != nil {
			return nil, fmt.Errorf("failed to scan webhook endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresWebhookRepository) UpdatePayload(ctx context.Context, id string, payload domain.EventPayload) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE webhook_events SET payload = $2 WHERE id = $1`, id, b); err != nil {
		return fmt.Errorf("failed to update event payload: %w", err)
	}
	return nil
}

func (r *PostgresWebhookRepository) RecordAttempt(ctx context.Context, id string, a domain.DeliveryAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        UPDATE webhook_events
        SET status = $2, attempts = $3, last_attempt_at = $4, next_attempt_at = $5,
            last_response_code = $6, last_response_body = $7
        WHERE id = $1;
    `
	var next, code interface{}
	if a.NextAttempt.Valid {
		next = a.NextAttempt.Time
	}
	if a.ResponseCode.Valid {
		code = a.ResponseCode.Int64
	}
	if _, err := r.db.ExecContext(ctx, query, id, string(a.Status), a.Attempts, a.At, next, code, nullStringOrNil(a.ResponseBody)); err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}
