package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

type PostgresContributionRepository struct {
	db *sql.DB
}

func NewPostgresContributionRepository(db *sql.DB) *PostgresContributionRepository {
	return &PostgresContributionRepository{db: db}
}

const contributionColumns = `id, page_id, partner_id, network, provider_reference, gross_cents, fee_cents,
        net_cents, charity_cents, status, contributor_name, created_at, updated_at`

func scanContribution(row interface{ Scan(dest ...any) error }) (*domain.Contribution, error) {
	var c domain.Contribution
	var network, status string
	if err := row.Scan(&c.ID, &c.PageID, &c.PartnerID, &network, &c.ProviderReference, &c.GrossCents,
		&c.FeeCents, &c.NetCents, &c.CharityCents, &status, &c.ContributorName, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Network = domain.Network(network)
	c.Status = domain.ContributionStatus(status)
	return &c, nil
}

// Create inserts a pending contribution; the partner is taken from the page.
func (r *PostgresContributionRepository) Create(ctx context.Context, c *domain.Contribution) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        INSERT INTO contributions (page_id, partner_id, network, provider_reference, gross_cents, fee_cents,
            net_cents, charity_cents, status, contributor_name)
        SELECT p.id, p.partner_id, $2, $3, $4, $5, $6, $7, 'pending', $8
        FROM funding_pages p
        WHERE p.id = $1
        RETURNING id, partner_id, created_at, updated_at;
    `
	err := r.db.QueryRowContext(ctx, query, c.PageID, string(c.Network), c.ProviderReference, c.GrossCents,
		c.FeeCents, domain.NetFor(c.GrossCents, c.FeeCents), c.CharityCents, nullStringOrNil(c.ContributorName),
	).Scan(&c.ID, &c.PartnerID, &c.CreatedAt, &c.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("funding page %s: %w", c.PageID, domain.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s/%s: %w", c.Network, c.ProviderReference, domain.ErrDuplicateReference)
	case err != nil:
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	c.NetCents = domain.NetFor(c.GrossCents, c.FeeCents)
	c.Status = domain.ContributionPending
	return nil
}

func (r *PostgresContributionRepository) GetByReference(ctx context.Context, network domain.Network, reference string) (*domain.Contribution, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE network = $1 AND provider_reference = $2`
	c, err := scanContribution(r.db.QueryRowContext(ctx, query, string(network), reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	return c, nil
}

// UpdateStatus moves a contribution to next when its current status is an
// allowed predecessor. It reports false when nothing changed.
func (r *PostgresContributionRepository) UpdateStatus(ctx context.Context, id string, next domain.ContributionStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	allowed := domain.AllowedPredecessors(next)
	from := make([]string, 0, len(allowed))
	for _, s := range allowed {
		from = append(from, string(s))
	}

	const query = `
        UPDATE contributions
        SET status = $2, updated_at = NOW()
        WHERE id = $1 AND status <> $2 AND status = ANY($3);
    `
	res, err := r.db.ExecContext(ctx, query, id, string(next), pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to update contribution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkPageFundedIfNeeded flips an active page to funded once completed net
// contributions reach the goal. The guard lives in one UPDATE so concurrent
// callers cannot both succeed.
func (r *PostgresContributionRepository) MarkPageFundedIfNeeded(ctx context.Context, pageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        UPDATE funding_pages
        SET status = 'funded', updated_at = NOW()
        WHERE id = $1
          AND status = 'active'
          AND goal_cents <= (
              SELECT COALESCE(SUM(net_cents), 0)
              FROM contributions
              WHERE page_id = $1 AND status = 'completed'
          );
    `
	res, err := r.db.ExecContext(ctx, query, pageID)
	if err != nil {
		return false, fmt.Errorf("failed to mark page funded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		log.WithField("page_id", pageID).Info("Funding page reached its goal")
	}
	return n > 0, nil
}

func (r *PostgresContributionRepository) Totals(ctx context.Context, pageID string) (domain.ContributionTotals, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const query = `
        SELECT COALESCE(SUM(gross_cents), 0), COALESCE(SUM(fee_cents), 0), COALESCE(SUM(net_cents), 0),
               COALESCE(SUM(charity_cents), 0), COUNT(*)
        FROM contributions
        WHERE page_id = $1 AND status = 'completed';
    `
	var t domain.ContributionTotals
	if err := r.db.QueryRowContext(ctx, query, pageID).Scan(&t.GrossCents, &t.FeeCents, &t.NetCents, &t.CharityCents, &t.Count); err != nil {
		return domain.ContributionTotals{}, fmt.Errorf("failed to sum contributions: %w", err)
	}
	return t, nil
}

// ListUnsettled returns pending and processing contributions created in [from, to).
func (r *PostgresContributionRepository) ListUnsettled(ctx context.Context, from, to time.Time) ([]domain.Contribution, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + contributionColumns + `
        FROM contributions
        WHERE status IN ('pending', 'processing') AND created_at >= $1 AND created_at < $2
        ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled contributions: %w", err)
	}
	defer rows.Close()

	var out []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
