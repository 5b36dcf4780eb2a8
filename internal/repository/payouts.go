package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

type PostgresPayoutRepository struct {
	db *sql.DB
}

func NewPostgresPayoutRepository(db *sql.DB) *PostgresPayoutRepository {
	return &PostgresPayoutRepository{db: db}
}

// CreateIfAbsent inserts the payout, its item and an audit row in one
// transaction. When a payout of the same type already exists for the page it
// returns created=false and writes nothing.
func (r *PostgresPayoutRepository) CreateIfAbsent(ctx context.Context, plan domain.PayoutPlan, actor domain.Actor) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	recipient, err := marshalJSON(plan.RecipientData)
	if err != nil {
		return "", false, err
	}
	calc, err := json.Marshal(plan.Calculation)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal calculation: %w", err)
	}

	var payoutID string
	created := false
	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		const insertPayout = `
            INSERT INTO payouts (page_id, partner_id, type, gross_cents, fee_cents, charity_cents, net_cents,
                recipient_data, status)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
            ON CONFLICT (page_id, type) DO NOTHING
            RETURNING id;
        `
		err := tx.QueryRowContext(ctx, insertPayout, plan.PageID, plan.PartnerID, string(plan.Type), plan.GrossCents,
			plan.FeeCents, plan.CharityCents, plan.NetCents, recipient).Scan(&payoutID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert payout: %w", err)
		}

		const insertItem = `
            INSERT INTO payout_items (payout_id, page_id, type, amount_cents, metadata)
            VALUES ($1, $2, $3, $4, $5);
        `
		if _, err := tx.ExecContext(ctx, insertItem, payoutID, plan.PageID, string(plan.ItemType), plan.NetCents, calc); err != nil {
			return fmt.Errorf("failed to insert payout item: %w", err)
		}

		if err := insertAudit(ctx, tx, domain.AuditEntry{
			Actor:      actor,
			Action:     "payout.created",
			TargetType: "payout",
			TargetID:   payoutID,
			Metadata: map[string]any{
				"dream_board_id": plan.PageID,
				"type":           string(plan.Type),
				"net_cents":      plan.NetCents,
			},
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return payoutID, created, nil
}

const payoutColumns = `po.id, po.page_id, po.partner_id, po.type, po.gross_cents, po.fee_cents, po.charity_cents,
        po.net_cents, po.recipient_data, po.status, po.external_ref, po.error_message, po.completed_at,
        po.created_at, p.child_name, p.payout_email`

func scanPayout(row interface{ Scan(dest ...any) error }) (*domain.Payout, error) {
	var p domain.Payout
	var typ, status string
	var recipient []byte
	if err := row.Scan(&p.ID, &p.PageID, &p.PartnerID, &typ, &p.GrossCents, &p.FeeCents, &p.CharityCents,
		&p.NetCents, &recipient, &status, &p.ExternalRef, &p.ErrorMessage, &p.CompletedAt, &p.CreatedAt,
		&p.ChildName, &p.PayoutEmail); err != nil {
		return nil, err
	}
	data, err := unmarshalJSON(recipient)
	if err != nil {
		return nil, err
	}
	p.Type = domain.PayoutType(typ)
	p.Status = domain.PayoutStatus(status)
	p.RecipientData = data
	return &p, nil
}

func (r *PostgresPayoutRepository) Get(ctx context.Context, id string) (*domain.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + payoutColumns + `
        FROM payouts po JOIN funding_pages p ON p.id = po.page_id
        WHERE po.id = $1`
	p, err := scanPayout(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	return p, nil
}

func (r *PostgresPayoutRepository) ListByPage(ctx context.Context, pageID string) ([]domain.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + payoutColumns + `
        FROM payouts po JOIN funding_pages p ON p.id = po.page_id
        WHERE po.page_id = $1
        ORDER BY po.created_at`
	rows, err := r.db.QueryContext(ctx, query, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// payoutExists tells an unknown payout apart from one whose guarded update
// matched no rows.
func payoutExists(ctx context.Context, tx *sql.Tx, id string) error {
	var found int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM payouts WHERE id = $1`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load payout: %w", err)
	}
	return nil
}

// Complete marks the payout completed and, when every payout of the page is
// completed, moves the page to paid_out. Both happen in one transaction. The
// page row is locked before counting so concurrent completions of sibling
// payouts serialize and the last one sees every other completion.
func (r *PostgresPayoutRepository) Complete(ctx context.Context, id, externalRef string, actor domain.Actor, now time.Time) (changed, pagePaidOut bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		const update = `
            UPDATE payouts
            SET status = 'completed', external_ref = COALESCE($2, external_ref), completed_at = $3,
                error_message = NULL, updated_at = NOW()
            WHERE id = $1 AND status <> 'completed'
            RETURNING page_id;
        `
		var pageID string
		err := tx.QueryRowContext(ctx, update, id, emptyToNil(externalRef), now).Scan(&pageID)
		if errors.Is(err, sql.ErrNoRows) {
			return payoutExists(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}
		changed = true

		if err := insertAudit(ctx, tx, domain.AuditEntry{
			Actor:      actor,
			Action:     "payout.completed",
			TargetType: "payout",
			TargetID:   id,
			Metadata:   map[string]any{"external_ref": externalRef},
		}); err != nil {
			return err
		}

		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM funding_pages WHERE id = $1 FOR UPDATE`, pageID).Scan(&locked); err != nil {
			return fmt.Errorf("failed to lock funding page: %w", err)
		}

		var completed, total int
		const count = `
            SELECT COUNT(*) FILTER (WHERE status = 'completed'), COUNT(*)
            FROM payouts
            WHERE page_id = $1;
        `
		if err := tx.QueryRowContext(ctx, count, pageID).Scan(&completed, &total); err != nil {
			return fmt.Errorf("failed to count payouts: %w", err)
		}
		if total == 0 || completed != total {
			return nil
		}

		res, err := tx.ExecContext(ctx, `UPDATE funding_pages SET status = 'paid_out', updated_at = NOW() WHERE id = $1 AND status <> 'paid_out'`, pageID)
		if err != nil {
			return fmt.Errorf("failed to mark page paid out: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		pagePaidOut = n > 0
		if pagePaidOut {
			log.WithField("page_id", pageID).Info("All payouts completed, page paid out")
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return changed, pagePaidOut, nil
}

func (r *PostgresPayoutRepository) Fail(ctx context.Context, id, reason string, actor domain.Actor) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	changed := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		const update = `
            UPDATE payouts
            SET status = 'failed', error_message = $2, completed_at = NULL, updated_at = NOW()
            WHERE id = $1 AND status <> 'failed';
        `
		res, err := tx.ExecContext(ctx, update, id, reason)
		if err != nil {
			return fmt.Errorf("failed to fail payout: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return payoutExists(ctx, tx, id)
		}
		changed = true
		return insertAudit(ctx, tx, domain.AuditEntry{
			Actor:      actor,
			Action:     "payout.failed",
			TargetType: "payout",
			TargetID:   id,
			Metadata:   map[string]any{"reason": reason},
		})
	})
	return changed, err
}

// Claim moves a pending or failed payout into processing for an automation
// run. It returns false when the payout is already processing or completed,
// so only one run disburses a payout.
func (r *PostgresPayoutRepository) Claim(ctx context.Context, id string, actor domain.Actor) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	claimed := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		const update = `
            UPDATE payouts
            SET status = 'processing', error_message = NULL, updated_at = NOW()
            WHERE id = $1 AND status IN ('pending', 'failed')
            RETURNING id;
        `
		var got string
		err := tx.QueryRowContext(ctx, update, id).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return payoutExists(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("failed to claim payout: %w", err)
		}
		claimed = true
		return insertAudit(ctx, tx, domain.AuditEntry{
			Actor:      actor,
			Action:     "payout.automation.started",
			TargetType: "payout",
			TargetID:   id,
		})
	})
	return claimed, err
}

// MarkProcessing moves a payout into processing and records action in the
// audit log. externalRef is stored when non-empty.
func (r *PostgresPayoutRepository) MarkProcessing(ctx context.Context, id, externalRef, action string, actor domain.Actor) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		const update = `
            UPDATE payouts
            SET status = 'processing', external_ref = COALESCE($2, external_ref), updated_at = NOW()
            WHERE id = $1 AND status <> 'completed';
        `
		if _, err := tx.ExecContext(ctx, update, id, emptyToNil(externalRef)); err != nil {
			return fmt.Errorf("failed to mark payout processing: %w", err)
		}
		metadata := map[string]any{}
		if externalRef != "" {
			metadata["external_ref"] = externalRef
		}
		return insertAudit(ctx, tx, domain.AuditEntry{
			Actor:      actor,
			Action:     action,
			TargetType: "payout",
			TargetID:   id,
			Metadata:   metadata,
		})
	})
}

// MergeRecipientData shallow-merges data into the payout's recipient bag.
func (r *PostgresPayoutRepository) MergeRecipientData(ctx context.Context, id string, data map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b, err := marshalJSON(data)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE payouts SET recipient_data = recipient_data || $2::jsonb, updated_at = NOW() WHERE id = $1`, id, b); err != nil {
		return fmt.Errorf("failed to update recipient data: %w", err)
	}
	return nil
}
