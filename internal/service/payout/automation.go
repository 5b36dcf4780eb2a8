package payout

import (
	"context"
	"fmt"

	"chipin-service/internal/config"
	"chipin-service/internal/disbursement"
	"chipin-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// HandlerSource resolves the disbursement handler for a payout type.
type HandlerSource interface {
	For(t domain.PayoutType) (disbursement.Handler, error)
}

// AutomationEnabled reports the toggle for payout type t.
func AutomationEnabled(toggles config.Automation, t domain.PayoutType) bool {
	switch t {
	case domain.PayoutKarriTopUp:
		return toggles.KarriEnabled
	case domain.PayoutTakealotGiftCard:
		return toggles.TakealotEnabled
	case domain.PayoutDonation:
		return toggles.GivenGainEnabled
	default:
		return false
	}
}

// ExecuteAutomatedPayout disburses a payout through its partner integration.
// Only a pending or failed payout is claimed; a payout that is processing or
// completed is reported as it stands without calling the partner again. Any
// error after the claim fails the payout with the error text before it is
// returned.
func (s *Service) ExecuteAutomatedPayout(ctx context.Context, id string, actor domain.Actor, toggles config.Automation) (domain.AutomationResult, error) {
	p, err := s.payouts.Get(ctx, id)
	if err != nil {
		return domain.AutomationResult{}, err
	}
	logCtx := log.WithFields(log.Fields{"payout_id": id, "type": p.Type})

	if p.Status == domain.PayoutCompleted || p.Status == domain.PayoutProcessing {
		return resultFor(p), nil
	}
	if !p.Type.Valid() {
		return domain.AutomationResult{}, fmt.Errorf("%s: %w", p.Type, domain.ErrUnsupportedPayoutType)
	}
	if !AutomationEnabled(toggles, p.Type) {
		return domain.AutomationResult{}, fmt.Errorf("%s: %w", p.Type, domain.ErrAutomationDisabled)
	}
	handler, err := s.handlers.For(p.Type)
	if err != nil {
		return domain.AutomationResult{}, err
	}

	claimed, err := s.payouts.Claim(ctx, id, actor)
	if err != nil {
		return domain.AutomationResult{}, err
	}
	if !claimed {
		logCtx.Info("Payout already claimed by another automation run")
		return s.currentResult(ctx, id)
	}
	logCtx.Info("Payout automation started")

	result, err := s.runAutomation(ctx, p, handler, actor)
	if err != nil {
		logCtx.WithError(err).Error("Payout automation failed")
		if _, failErr := s.FailPayout(ctx, id, err.Error(), actor); failErr != nil {
			logCtx.WithError(failErr).Error("Failed to mark payout failed")
		}
		s.record(ctx, automationAudit(actor, "payout.automation.failed", id, map[string]any{"error": err.Error()}))
		return domain.AutomationResult{}, err
	}
	return result, nil
}

func (s *Service) runAutomation(ctx context.Context, p *domain.Payout, handler disbursement.Handler, actor domain.Actor) (domain.AutomationResult, error) {
	res, err := handler.Process(ctx, p)
	if err != nil {
		return domain.AutomationResult{}, err
	}

	if len(res.Documents) > 0 {
		if err := s.payouts.MergeRecipientData(ctx, p.ID, res.Documents); err != nil {
			return domain.AutomationResult{}, err
		}
		s.record(ctx, automationAudit(actor, "payout.donation.documents", p.ID, res.Documents))
	}

	out := domain.AutomationResult{PayoutID: p.ID, Status: res.Status, ExternalRef: res.ExternalRef}
	switch res.Status {
	case domain.AutomationCompleted:
		if _, err := s.CompletePayout(ctx, p.ID, res.ExternalRef, actor); err != nil {
			return domain.AutomationResult{}, err
		}
		s.record(ctx, automationAudit(actor, "payout.automation.completed", p.ID, map[string]any{"external_ref": res.ExternalRef}))
	case domain.AutomationPending:
		if err := s.payouts.MarkProcessing(ctx, p.ID, res.ExternalRef, "payout.automation.pending", actor); err != nil {
			return domain.AutomationResult{}, err
		}
	case domain.AutomationFailed:
		reason := res.ErrorMessage
		if reason == "" {
			reason = "automation_failed"
		}
		if _, err := s.FailPayout(ctx, p.ID, reason, actor); err != nil {
			return domain.AutomationResult{}, err
		}
		s.record(ctx, automationAudit(actor, "payout.automation.failed", p.ID, map[string]any{"error": reason}))
	default:
		return domain.AutomationResult{}, fmt.Errorf("unexpected automation status %q", res.Status)
	}
	return out, nil
}

// currentResult reports the stored state of a payout that this run did not
// claim.
func (s *Service) currentResult(ctx context.Context, id string) (domain.AutomationResult, error) {
	p, err := s.payouts.Get(ctx, id)
	if err != nil {
		return domain.AutomationResult{}, err
	}
	return resultFor(p), nil
}

func resultFor(p *domain.Payout) domain.AutomationResult {
	status := domain.AutomationPending
	switch p.Status {
	case domain.PayoutCompleted:
		status = domain.AutomationCompleted
	case domain.PayoutFailed:
		status = domain.AutomationFailed
	}
	return domain.AutomationResult{PayoutID: p.ID, Status: status, ExternalRef: p.ExternalRef.String}
}

func automationAudit(actor domain.Actor, action, payoutID string, metadata map[string]any) domain.AuditEntry {
	return domain.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "payout",
		TargetID:   payoutID,
		Metadata:   metadata,
	}
}
