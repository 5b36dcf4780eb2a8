package webhook

import (
	"context"
	"strings"
	"time"

	"chipin-service/internal/domain"
)

// PayloadBuilder renders the partner-facing view of a funding page.
type PayloadBuilder interface {
	BuildPagePayload(ctx context.Context, pageID string) (map[string]any, error)
}

type PageReader interface {
	GetPage(ctx context.Context, id string) (*domain.FundingPage, error)
}

type TotalsReader interface {
	Totals(ctx context.Context, pageID string) (domain.ContributionTotals, error)
}

type PagePayloadBuilder struct {
	pages  PageReader
	totals TotalsReader
	appURL string
}

func NewPagePayloadBuilder(pages PageReader, totals TotalsReader, appURL string) *PagePayloadBuilder {
	return &PagePayloadBuilder{pages: pages, totals: totals, appURL: strings.TrimRight(appURL, "/")}
}

func (b *PagePayloadBuilder) BuildPagePayload(ctx context.Context, pageID string) (map[string]any, error) {
	page, err := b.pages.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	totals, err := b.totals.Totals(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return PagePayload(page, totals, b.appURL), nil
}

// PagePayload serializes a page with its completed totals.
func PagePayload(page *domain.FundingPage, totals domain.ContributionTotals, appURL string) map[string]any {
	out := map[string]any{
		"id":                 page.ID,
		"slug":               page.Slug,
		"child_name":         page.ChildName,
		"gift_name":          page.GiftName,
		"gift_type":          page.GiftType,
		"goal_cents":         page.GoalCents,
		"raised_cents":       totals.NetCents,
		"contribution_count": totals.Count,
		"status":             page.Status,
		"payout_method":      page.PayoutMethod,
		"public_url":         strings.TrimRight(appURL, "/") + "/" + page.Slug,
	}
	if page.CampaignEndDate.Valid {
		out["campaign_end_date"] = page.CampaignEndDate.Time.Format(time.DateOnly)
	}
	if page.PartyDate.Valid {
		out["party_date"] = page.PartyDate.Time.Format(time.DateOnly)
	}
	return out
}

// ContributionPayload is the contribution part of contribution.received.
func ContributionPayload(c *domain.Contribution) map[string]any {
	out := map[string]any{
		"id":            c.ID,
		"page_id":       c.PageID,
		"network":       c.Network,
		"amount_cents":  c.GrossCents,
		"fee_cents":     c.FeeCents,
		"net_cents":     c.NetCents,
		"charity_cents": c.CharityCents,
		"status":        c.Status,
		"created_at":    c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.ContributorName.Valid {
		out["contributor_name"] = c.ContributorName.String
	} else {
		out["contributor_name"] = nil
	}
	return out
}

// PageEvent returns the data and meta for a page-centric event. When the page
// cannot be rendered now the event asks for enrichment at delivery time.
func PageEvent(ctx context.Context, b PayloadBuilder, pageID string) (map[string]any, *domain.EventMeta) {
	if b != nil {
		if data, err := b.BuildPagePayload(ctx, pageID); err == nil {
			return data, nil
		}
	}
	return map[string]any{"dream_board_id": pageID}, &domain.EventMeta{EnrichmentRequired: true, PageID: pageID}
}

// ContributionEvent is PageEvent for contribution.received.
func ContributionEvent(ctx context.Context, b PayloadBuilder, c *domain.Contribution) (map[string]any, *domain.EventMeta) {
	contribution := ContributionPayload(c)
	if b != nil {
		if page, err := b.BuildPagePayload(ctx, c.PageID); err == nil {
			return map[string]any{"contribution": contribution, "dream_board": page}, nil
		}
	}
	return map[string]any{"contribution": contribution, "dream_board": nil},
		&domain.EventMeta{EnrichmentRequired: true, PageID: c.PageID}
}

// PayoutPayload is the payout part of the payout.* events.
func PayoutPayload(p *domain.Payout) map[string]any {
	out := map[string]any{
		"id":            p.ID,
		"page_id":       p.PageID,
		"type":          p.Type,
		"status":        p.Status,
		"gross_cents":   p.GrossCents,
		"fee_cents":     p.FeeCents,
		"charity_cents": p.CharityCents,
		"net_cents":     p.NetCents,
		"external_ref":  nil,
		"completed_at":  nil,
		"error_message": nil,
	}
	if p.ExternalRef.Valid {
		out["external_ref"] = p.ExternalRef.String
	}
	if p.CompletedAt.Valid {
		out["completed_at"] = p.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	if p.ErrorMessage.Valid {
		out["error_message"] = p.ErrorMessage.String
	}
	return out
}

// PayoutEvent is PageEvent for the payout.* events.
func PayoutEvent(ctx context.Context, b PayloadBuilder, p *domain.Payout) (map[string]any, *domain.EventMeta) {
	payout := PayoutPayload(p)
	if b != nil {
		if page, err := b.BuildPagePayload(ctx, p.PageID); err == nil {
			return map[string]any{"payout": payout, "dream_board": page}, nil
		}
	}
	return map[string]any{"payout": payout, "dream_board": nil},
		&domain.EventMeta{EnrichmentRequired: true, PageID: p.PageID}
}
