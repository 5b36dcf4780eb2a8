package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/service/payout"
	"chipin-service/internal/service/webhook"

	log "github.com/sirupsen/logrus"
)

type PageReader interface {
	GetPage(ctx context.Context, id string) (*domain.FundingPage, error)
}

type Emitter interface {
	EmitForPartner(ctx context.Context, partnerID string, t domain.EventType, data map[string]any, meta *domain.EventMeta) []string
}

// PayoutService is the payout engine as seen from the transports.
type PayoutService interface {
	CreatePayoutsForPage(ctx context.Context, pageID string, actor domain.Actor) (payout.CreateResult, error)
	CompletePayout(ctx context.Context, id, externalRef string, actor domain.Actor) (bool, error)
	FailPayout(ctx context.Context, id, reason string, actor domain.Actor) (bool, error)
	ExecuteAutomatedPayout(ctx context.Context, id string, actor domain.Actor, toggles config.Automation) (domain.AutomationResult, error)
	CreateMissingPayouts(ctx context.Context, limit int) (payout.MissingResult, error)
}

type actorMessage struct {
	Type  domain.ActorType `json:"type"`
	ID    string           `json:"id"`
	Email string           `json:"email"`
}

func (a *actorMessage) actor() domain.Actor {
	if a == nil || a.Type == "" || a.ID == "" {
		return domain.SystemActor
	}
	return domain.Actor{Type: a.Type, ID: a.ID, Email: a.Email}
}

type PageClosedMessage struct {
	PageID string        `json:"page_id"`
	Actor  *actorMessage `json:"actor,omitempty"`
}

type AutomationMessage struct {
	PayoutID string        `json:"payout_id"`
	Actor    *actorMessage `json:"actor,omitempty"`
}

type PageClosedHandler struct {
	pages   PageReader
	events  Emitter
	builder webhook.PayloadBuilder
	payouts PayoutService
}

// NewPageClosedHandler announces pot.closed and creates the page's payouts.
func NewPageClosedHandler(pages PageReader, events Emitter, builder webhook.PayloadBuilder, payouts PayoutService) *PageClosedHandler {
	return &PageClosedHandler{pages: pages, events: events, builder: builder, payouts: payouts}
}

func (h *PageClosedHandler) HandleMessage(ctx context.Context, message []byte) error {
	var msg PageClosedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal page closed message: %w", err)
	}
	if msg.PageID == "" {
		return errors.New("page closed message without page_id")
	}
	logCtx := log.WithField("page_id", msg.PageID)

	page, err := h.pages.GetPage(ctx, msg.PageID)
	if err != nil {
		return err
	}
	data, meta := webhook.PageEvent(ctx, h.builder, page.ID)
	h.events.EmitForPartner(ctx, page.PartnerID, domain.EventPotClosed, data, meta)

	res, err := h.payouts.CreatePayoutsForPage(ctx, page.ID, msg.Actor.actor())
	if err != nil {
		return err
	}
	logCtx.WithFields(log.Fields{"created": len(res.Created), "skipped": res.Skipped}).Info("Processed page closed message")
	return nil
}

type AutomationHandler struct {
	payouts PayoutService
	toggles config.Automation
}

// NewAutomationHandler runs payout automation for each payout_id it receives.
func NewAutomationHandler(payouts PayoutService, toggles config.Automation) *AutomationHandler {
	return &AutomationHandler{payouts: payouts, toggles: toggles}
}

func (h *AutomationHandler) HandleMessage(ctx context.Context, message []byte) error {
	var msg AutomationMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal automation message: %w", err)
	}
	if msg.PayoutID == "" {
		return errors.New("automation message without payout_id")
	}
	res, err := h.payouts.ExecuteAutomatedPayout(ctx, msg.PayoutID, msg.Actor.actor(), h.toggles)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"payout_id": res.PayoutID, "status": res.Status, "external_ref": res.ExternalRef}).Info("Processed payout automation message")
	return nil
}
