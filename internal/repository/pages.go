package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chipin-service/internal/domain"
)

type PostgresPageRepository struct {
	db *sql.DB
}

func NewPostgresPageRepository(db *sql.DB) *PostgresPageRepository {
	return &PostgresPageRepository{db: db}
}

func (r *PostgresPageRepository) GetPage(ctx context.Context, id string) (*domain.FundingPage, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT id, partner_id, slug, child_name, gift_name, gift_type, goal_cents, status, payout_method,
               payout_email, karri_card_number, karri_card_holder_name, overflow_cause_id,
               campaign_end_date, party_date, updated_at
        FROM funding_pages
        WHERE id = $1;
    `
	var p domain.FundingPage
	var giftType, status, method string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.PartnerID, &p.Slug, &p.ChildName, &p.GiftName,
		&giftType, &p.GoalCents, &status, &method, &p.PayoutEmail, &p.KarriCardNumber, &p.KarriCardHolderName,
		&p.OverflowCauseID, &p.CampaignEndDate, &p.PartyDate, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load funding page: %w", err)
	}
	p.GiftType = domain.GiftType(giftType)
	p.Status = domain.PageStatus(status)
	p.PayoutMethod = domain.PayoutType(method)
	return &p, nil
}

// ListPagesReadyForPayout returns closed pages with completed money that
// still lack a payout they are owed. The owed types follow the payout plan:
// the gift payout of the page's method when a gift amount remains, and the
// charity donation when the page is single-payout or has charity or overflow.
func (r *PostgresPageRepository) ListPagesReadyForPayout(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        WITH totals AS (
            SELECT page_id, SUM(net_cents) AS raised, SUM(charity_cents) AS charity
            FROM contributions
            WHERE status = 'completed'
            GROUP BY page_id
        ), split AS (
            SELECT p.id, p.updated_at, p.payout_method,
                (p.gift_type = 'philanthropy' OR p.payout_method = 'philanthropy_donation') AS single,
                LEAST(t.charity, t.raised) AS charity,
                t.raised - LEAST(t.charity, t.raised) AS available,
                p.goal_cents
            FROM funding_pages p
            JOIN totals t ON t.page_id = p.id
            WHERE p.status = 'closed' AND t.raised > 0
        ), owed AS (
            SELECT id, updated_at, payout_method, single, charity, available,
                CASE WHEN goal_cents > 0 AND available > goal_cents THEN available - goal_cents ELSE 0 END AS overflow
            FROM split
        )
        SELECT o.id
        FROM owed o
        WHERE (
              NOT o.single AND o.available - o.overflow > 0
              AND NOT EXISTS (SELECT 1 FROM payouts po WHERE po.page_id = o.id AND po.type = o.payout_method)
          ) OR (
              (o.single OR o.charity + o.overflow > 0)
              AND NOT EXISTS (SELECT 1 FROM payouts po WHERE po.page_id = o.id AND po.type = 'philanthropy_donation')
          )
        ORDER BY o.updated_at
        LIMIT $1;
    `
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages ready for payout: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan page id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveAPIKeyIDs lists the webhook subscribers of a partner.
func (r *PostgresPageRepository) ActiveAPIKeyIDs(ctx context.Context, partnerID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM api_keys WHERE partner_id = $1 AND is_active ORDER BY created_at`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
