package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/domain"
	"chipin-service/internal/service/webhook"
	"chipin-service/internal/validator"

	log "github.com/sirupsen/logrus"
)

type Store interface {
	CreateIfAbsent(ctx context.Context, plan domain.PayoutPlan, actor domain.Actor) (string, bool, error)
	Get(ctx context.Context, id string) (*domain.Payout, error)
	ListByPage(ctx context.Context, pageID string) ([]domain.Payout, error)
	Complete(ctx context.Context, id, externalRef string, actor domain.Actor, now time.Time) (changed, pagePaidOut bool, err error)
	Fail(ctx context.Context, id, reason string, actor domain.Actor) (bool, error)
	Claim(ctx context.Context, id string, actor domain.Actor) (bool, error)
	MarkProcessing(ctx context.Context, id, externalRef, action string, actor domain.Actor) error
	MergeRecipientData(ctx context.Context, id string, data map[string]any) error
}

type PageStore interface {
	GetPage(ctx context.Context, id string) (*domain.FundingPage, error)
	ListPagesReadyForPayout(ctx context.Context, limit int) ([]string, error)
}

type TotalsReader interface {
	Totals(ctx context.Context, pageID string) (domain.ContributionTotals, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

type Emitter interface {
	EmitForPartner(ctx context.Context, partnerID string, t domain.EventType, data map[string]any, meta *domain.EventMeta) []string
}

type Service struct {
	payouts  Store
	pages    PageStore
	totals   TotalsReader
	audit    AuditRecorder
	events   Emitter
	builder  webhook.PayloadBuilder
	handlers HandlerSource
	nowFn    func() time.Time
}

type Dependencies struct {
	Payouts  Store
	Pages    PageStore
	Totals   TotalsReader
	Audit    AuditRecorder
	Events   Emitter
	Builder  webhook.PayloadBuilder
	Handlers HandlerSource
}

func NewService(deps Dependencies) *Service {
	return &Service{
		payouts:  deps.Payouts,
		pages:    deps.Pages,
		totals:   deps.Totals,
		audit:    deps.Audit,
		events:   deps.Events,
		builder:  deps.Builder,
		handlers: deps.Handlers,
		nowFn:    time.Now,
	}
}

type CreateResult struct {
	Created     []string                 `json:"created"`
	Calculation domain.PayoutCalculation `json:"calculation"`
	Skipped     bool                     `json:"skipped"`
}

// CreatePayoutsForPage creates the payouts still owed for a closed page.
// Types that already exist are left alone, so the call may be repeated.
func (s *Service) CreatePayoutsForPage(ctx context.Context, pageID string, actor domain.Actor) (CreateResult, error) {
	logCtx := log.WithField("page_id", pageID)

	page, err := s.pages.GetPage(ctx, pageID)
	if err != nil {
		return CreateResult{}, err
	}
	if page.Status != domain.PageClosed {
		return CreateResult{}, fmt.Errorf("page %s is %s: %w", pageID, page.Status, domain.ErrPageNotReady)
	}

	totals, err := s.totals.Totals(ctx, pageID)
	if err != nil {
		return CreateResult{}, err
	}
	calc := Calculate(page, totals)
	if calc.RaisedCents == 0 {
		logCtx.Info("Nothing raised, no payouts to create")
		return CreateResult{Calculation: calc, Skipped: true}, nil
	}

	existing, err := s.payouts.ListByPage(ctx, pageID)
	if err != nil {
		return CreateResult{}, err
	}
	have := make(map[domain.PayoutType]bool, len(existing))
	for _, p := range existing {
		have[p.Type] = true
	}

	var plans []domain.PayoutPlan
	for _, plan := range Plans(page, calc) {
		if have[plan.Type] {
			continue
		}
		if err := validator.ValidatePayoutPlan(plan); err != nil {
			logCtx.WithError(err).Error("Refusing invalid payout plan")
			return CreateResult{Calculation: calc}, err
		}
		plans = append(plans, plan)
	}

	result := CreateResult{Calculation: calc}
	for _, plan := range plans {
		id, created, err := s.payouts.CreateIfAbsent(ctx, plan, actor)
		if err != nil {
			logCtx.WithError(err).WithField("type", plan.Type).Error("Failed to create payout")
			return result, err
		}
		if !created {
			continue
		}
		result.Created = append(result.Created, id)
		logCtx.WithFields(log.Fields{"payout_id": id, "type": plan.Type, "net_cents": plan.NetCents}).Info("Payout created")
		s.emit(ctx, id, domain.EventPayoutCreated)
	}
	result.Skipped = len(result.Created) == 0
	return result, nil
}

// CompletePayout is a no-op for payouts that are already completed.
func (s *Service) CompletePayout(ctx context.Context, id, externalRef string, actor domain.Actor) (bool, error) {
	changed, paidOut, err := s.payouts.Complete(ctx, id, externalRef, actor, s.nowFn().UTC())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	log.WithFields(log.Fields{"payout_id": id, "external_ref": externalRef, "page_paid_out": paidOut}).Info("Payout completed")
	s.emit(ctx, id, domain.EventPayoutCompleted)
	return true, nil
}

// FailPayout is a no-op for payouts that are already failed.
func (s *Service) FailPayout(ctx context.Context, id, reason string, actor domain.Actor) (bool, error) {
	changed, err := s.payouts.Fail(ctx, id, reason, actor)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	log.WithFields(log.Fields{"payout_id": id, "reason": reason}).Warn("Payout failed")
	s.emit(ctx, id, domain.EventPayoutFailed)
	return true, nil
}

type MissingResult struct {
	Pages   int      `json:"pages"`
	Created []string `json:"created"`
	Failed  int      `json:"failed"`
}

// CreateMissingPayouts runs CreatePayoutsForPage for every closed page with
// money raised. One page failing does not stop the rest.
func (s *Service) CreateMissingPayouts(ctx context.Context, limit int) (MissingResult, error) {
	ids, err := s.pages.ListPagesReadyForPayout(ctx, limit)
	if err != nil {
		return MissingResult{}, err
	}
	out := MissingResult{Pages: len(ids)}
	for _, id := range ids {
		res, err := s.CreatePayoutsForPage(ctx, id, domain.SystemActor)
		if err != nil {
			log.WithError(err).WithField("page_id", id).Error("Failed to create payouts for page")
			out.Failed++
			continue
		}
		out.Created = append(out.Created, res.Created...)
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, payoutID string, t domain.EventType) {
	if s.events == nil {
		return
	}
	p, err := s.payouts.Get(ctx, payoutID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"payout_id": payoutID, "event_type": t}).Error("Failed to load payout for webhook")
		return
	}
	data, meta := webhook.PayoutEvent(ctx, s.builder, p)
	s.events.EmitForPartner(ctx, p.PartnerID, t, data, meta)
}

func (s *Service) record(ctx context.Context, entry domain.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.WithError(err).WithFields(log.Fields{"action": entry.Action, "target_id": entry.TargetID}).Error("Failed to write audit entry")
	}
}

// IsClientError reports whether err is caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrPageNotReady) ||
		errors.Is(err, domain.ErrUnsupportedPayoutType) ||
		errors.Is(err, domain.ErrAutomationDisabled) ||
		errors.Is(err, domain.ErrInvalidPayoutAmounts)
}
