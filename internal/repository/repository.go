package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const queryTimeout = 5 * time.Second

const uniqueViolation = "23505"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type EmailRepository interface {
	SaveLog(ctx context.Context, log domain.EmailLog) error
}

type PostgresEmailRepository struct {
	db *sql.DB
}

func NewPostgresEmailRepository(db *sql.DB) *PostgresEmailRepository {
	return &PostgresEmailRepository{db: db}
}

func (r *PostgresEmailRepository) SaveLog(ctx context.Context, l domain.EmailLog) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	log.WithFields(log.Fields{
		"reference":       l.Reference,
		"recipient_email": l.RecipientEmail,
		"subject":         l.Subject,
		"status":          l.Status,
	}).Debug("Saving email log to database")

	const query = `
        INSERT INTO email_logs (reference, recipient_email, subject, status, error_message)
        VALUES ($1, $2, $3, $4, $5);
    `

	if _, err := r.db.ExecContext(ctx, query, l.Reference, l.RecipientEmail, l.Subject, string(l.Status), nullStringOrNil(l.ErrorMessage)); err != nil {
		return fmt.Errorf("failed to insert email log: %w", err)
	}
	return nil
}

// AuditRecorder writes audit rows outside of any repository transaction.
type AuditRecorder interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

type PostgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

func (r *PostgresAuditRepository) Record(ctx context.Context, entry domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return insertAudit(ctx, r.db, entry)
}

func insertAudit(ctx context.Context, q execer, entry domain.AuditEntry) error {
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}

	const query = `
        INSERT INTO audit_logs (actor_type, actor_id, actor_email, action, target_type, target_id, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	if _, err := q.ExecContext(ctx, query,
		string(entry.Actor.Type),
		emptyToNil(entry.Actor.ID),
		emptyToNil(entry.Actor.Email),
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		metadata,
	); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullStringOrNil(ns sql.NullString) interface{} {
	if ns.Valid {
		return ns.String
	}
	return nil
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// inTx runs fn in a transaction, committing only when fn returns nil.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
