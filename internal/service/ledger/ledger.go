package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/service/webhook"
	"chipin-service/internal/validator"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type ContributionStore interface {
	Create(ctx context.Context, c *domain.Contribution) error
	GetByReference(ctx context.Context, network domain.Network, reference string) (*domain.Contribution, error)
	UpdateStatus(ctx context.Context, id string, next domain.ContributionStatus) (bool, error)
	MarkPageFundedIfNeeded(ctx context.Context, pageID string) (bool, error)
	ListUnsettled(ctx context.Context, from, to time.Time) ([]domain.Contribution, error)
}

type PageReader interface {
	GetPage(ctx context.Context, id string) (*domain.FundingPage, error)
}

// Emitter enqueues partner webhook events.
type Emitter interface {
	EmitForPartner(ctx context.Context, partnerID string, t domain.EventType, data map[string]any, meta *domain.EventMeta) []string
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "transition_rejected"
)

type Service struct {
	store   ContributionStore
	pages   PageReader
	events  Emitter
	builder webhook.PayloadBuilder
}

func NewService(store ContributionStore, pages PageReader, events Emitter, builder webhook.PayloadBuilder) *Service {
	return &Service{store: store, pages: pages, events: events, builder: builder}
}

// UpdateContributionStatus applies a guarded transition. Replays and
// regressions report false without touching the row.
func (s *Service) UpdateContributionStatus(ctx context.Context, id string, next domain.ContributionStatus) (bool, error) {
	changed, err := s.store.UpdateStatus(ctx, id, next)
	if err != nil {
		return false, err
	}
	if !changed {
		log.WithFields(log.Fields{"contribution_id": id, "status": next}).Debug("Contribution status unchanged")
	}
	return changed, nil
}

func (s *Service) MarkPageFundedIfNeeded(ctx context.Context, pageID string) (bool, error) {
	return s.store.MarkPageFundedIfNeeded(ctx, pageID)
}

type NewContribution struct {
	PageID          string
	Network         domain.Network
	Reference       string
	GrossCents      int64
	FeeCents        int64
	CharityCents    int64
	ContributorName string
}

// CreateContribution stores a pending pledge. A reference is generated when
// the caller has none.
func (s *Service) CreateContribution(ctx context.Context, in NewContribution) (*domain.Contribution, error) {
	if err := validator.ValidateContributionAmounts(in.GrossCents, in.FeeCents, in.CharityCents); err != nil {
		return nil, err
	}
	if _, ok := domain.ParseNetwork(string(in.Network)); !ok {
		return nil, fmt.Errorf("%s: %w", in.Network, domain.ErrNetworkNotConfigured)
	}
	if in.Reference == "" {
		in.Reference = "CHIP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	if err := validator.ValidateReference(in.Reference); err != nil {
		return nil, err
	}

	page, err := s.pages.GetPage(ctx, in.PageID)
	if err != nil {
		return nil, err
	}
	if !page.Status.IsOpen() {
		return nil, fmt.Errorf("page %s is %s: %w", page.ID, page.Status, domain.ErrPageNotOpen)
	}

	c := &domain.Contribution{
		PageID:            in.PageID,
		Network:           in.Network,
		ProviderReference: in.Reference,
		GrossCents:        in.GrossCents,
		FeeCents:          in.FeeCents,
		CharityCents:      in.CharityCents,
	}
	if name := strings.TrimSpace(in.ContributorName); name != "" {
		c.ContributorName = sql.NullString{String: name, Valid: true}
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"contribution_id": c.ID,
		"page_id":         c.PageID,
		"network":         c.Network,
		"reference":       c.ProviderReference,
	}).Info("Contribution created")
	return c, nil
}

// ApplyNotification settles a verified provider notification against the
// ledger. Completed contributions and same-status replays are acknowledged
// without any write.
func (s *Service) ApplyNotification(ctx context.Context, network domain.Network, n payments.Notification) (Outcome, error) {
	logCtx := log.WithFields(log.Fields{"network": network, "reference": n.Reference, "provider_id": n.ProviderID})

	c, err := s.store.GetByReference(ctx, network, n.Reference)
	if err != nil {
		return "", err
	}
	if c.Status == domain.ContributionCompleted {
		return OutcomeDuplicate, nil
	}
	if !n.HasAmount {
		logCtx.WithField("security_event", true).Warn("Notification carries no amount")
		return "", domain.ErrAmountMissing
	}
	if n.AmountCents != c.GrossCents {
		logCtx.WithFields(log.Fields{
			"security_event": true,
			"expected":       c.GrossCents,
			"received":       n.AmountCents,
		}).Warn("Notification amount mismatch")
		return "", fmt.Errorf("expected %d got %d: %w", c.GrossCents, n.AmountCents, domain.ErrAmountMismatch)
	}
	if c.Status == n.Status {
		return OutcomeDuplicate, nil
	}
	if !domain.CanTransition(c.Status, n.Status) {
		logCtx.WithFields(log.Fields{"contribution_id": c.ID, "from": c.Status, "to": n.Status}).Warn("Notification status transition not allowed")
		return OutcomeRejected, nil
	}

	changed, err := s.settle(ctx, c, n.Status)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeRejected, nil
	}
	logCtx.WithFields(log.Fields{"contribution_id": c.ID, "status": n.Status}).Info("Contribution updated from notification")
	return OutcomeApplied, nil
}

// settle moves a contribution to status and, on completion, runs the funded
// check and notifies the partner.
func (s *Service) settle(ctx context.Context, c *domain.Contribution, status domain.ContributionStatus) (bool, error) {
	changed, err := s.UpdateContributionStatus(ctx, c.ID, status)
	if err != nil || !changed {
		return changed, err
	}
	if status != domain.ContributionCompleted {
		return true, nil
	}

	funded, err := s.MarkPageFundedIfNeeded(ctx, c.PageID)
	if err != nil {
		return true, fmt.Errorf("failed to run funded check: %w", err)
	}
	if s.events == nil {
		return true, nil
	}

	settled := *c
	settled.Status = status
	data, meta := webhook.ContributionEvent(ctx, s.builder, &settled)
	s.events.EmitForPartner(ctx, c.PartnerID, domain.EventContributionReceived, data, meta)
	if funded {
		data, meta := webhook.PageEvent(ctx, s.builder, c.PageID)
		s.events.EmitForPartner(ctx, c.PartnerID, domain.EventPotFunded, data, meta)
	}
	return true, nil
}

// IsClientError reports whether err should be answered as a bad request
// rather than a server failure.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrAmountMismatch) ||
		errors.Is(err, domain.ErrAmountMissing) ||
		errors.Is(err, domain.ErrNotFound)
}
