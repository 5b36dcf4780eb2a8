package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/service/ledger"
	"chipin-service/internal/service/payout"
	"chipin-service/internal/validator"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// queryLimit reads ?limit=, falling back to def for missing or non-positive values.
func queryLimit(r *http.Request, def int) int {
	if n := cast.ToInt(r.URL.Query().Get("limit")); n > 0 {
		return n
	}
	return def
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

type createContributionRequest struct {
	PageID           string `json:"page_id"`
	Network          string `json:"network"`
	Reference        string `json:"reference"`
	AmountCents      int64  `json:"amount_cents"`
	FeeCents         int64  `json:"fee_cents"`
	CharityCents     int64  `json:"charity_cents"`
	ContributorName  string `json:"contributor_name"`
	ContributorEmail string `json:"contributor_email"`
	ReturnURL        string `json:"return_url"`
	CancelURL        string `json:"cancel_url"`
}

type createContributionResponse struct {
	ContributionID string                 `json:"contribution_id"`
	Reference      string                 `json:"reference"`
	NetCents       int64                  `json:"net_cents"`
	Intent         payments.PaymentIntent `json:"intent"`
}

func (h *Handler) createContribution(w http.ResponseWriter, r *http.Request) {
	var req createContributionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	network, ok := domain.ParseNetwork(req.Network)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_network")
		return
	}
	gateway, err := h.deps.Gateways.Get(network)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "network_not_configured")
		return
	}

	c, err := h.deps.Ledger.CreateContribution(r.Context(), ledger.NewContribution{
		PageID:          req.PageID,
		Network:         network,
		Reference:       req.Reference,
		GrossCents:      req.AmountCents,
		FeeCents:        req.FeeCents,
		CharityCents:    req.CharityCents,
		ContributorName: req.ContributorName,
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "page_not_found")
		return
	case errors.Is(err, domain.ErrPageNotOpen):
		writeError(w, http.StatusConflict, "page_not_open")
		return
	case errors.Is(err, domain.ErrDuplicateReference):
		writeError(w, http.StatusConflict, "duplicate_reference")
		return
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.WithError(err).WithField("page_id", req.PageID).Error("Failed to create contribution")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	intent, err := gateway.CreatePaymentIntent(r.Context(), payments.PaymentRequest{
		AmountCents:   c.GrossCents,
		Reference:     c.ProviderReference,
		Description:   "ChipIn contribution",
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
		NotifyURL:     strings.TrimRight(h.deps.Config.AppURL, "/") + "/webhooks/" + string(network),
		CustomerEmail: req.ContributorEmail,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"contribution_id": c.ID, "network": network}).Error("Failed to create payment intent")
		writeError(w, http.StatusBadGateway, "provider_error")
		return
	}

	writeJSON(w, http.StatusCreated, createContributionResponse{
		ContributionID: c.ID,
		Reference:      c.ProviderReference,
		NetCents:       domain.NetFor(c.GrossCents, c.FeeCents),
		Intent:         intent,
	})
}

func isValidationError(err error) bool {
	for _, target := range []error{
		validator.ErrEmptyReference,
		validator.ErrInvalidGross,
		validator.ErrInvalidFee,
		validator.ErrInvalidCharity,
		domain.ErrNetworkNotConfigured,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (h *Handler) processWebhooks(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Webhooks.ProcessQueue(r.Context(), queryLimit(r, h.deps.Config.Webhooks.BatchSize))
	if err != nil {
		log.WithError(err).Error("Webhook queue run failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) dispatchReminders(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Reminders.DispatchDueReminders(r.Context(), h.nowFn(), queryLimit(r, h.deps.Config.Reminders.BatchSize))
	if err != nil {
		log.WithError(err).Error("Reminder dispatch failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Reconciler.Run(r.Context())
	if err != nil {
		log.WithError(err).Error("Reconciliation failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type createPayoutsRequest struct {
	PageID string `json:"page_id"`
}

// createPayouts creates payouts for one page when page_id is given, and
// otherwise sweeps every closed page still missing its payouts.
func (h *Handler) createPayouts(w http.ResponseWriter, r *http.Request) {
	var req createPayoutsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if req.PageID == "" {
		res, err := h.deps.Payouts.CreateMissingPayouts(r.Context(), queryLimit(r, 50))
		if err != nil {
			log.WithError(err).Error("Missing payout sweep failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := h.deps.Payouts.CreatePayoutsForPage(r.Context(), req.PageID, domain.SystemActor)
	if err != nil {
		h.payoutError(w, err, req.PageID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) automatePayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.deps.Payouts.ExecuteAutomatedPayout(r.Context(), id, domain.SystemActor, h.deps.Config.Automation)
	if err != nil {
		h.payoutError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type confirmPayoutRequest struct {
	ExternalRef string `json:"external_ref"`
}

type failPayoutRequest struct {
	Reason string `json:"reason"`
}

func apiActor(r *http.Request) domain.Actor {
	return domain.Actor{Type: domain.ActorAPIKey, ID: requestIDFromContext(r.Context())}
}

func (h *Handler) confirmPayout(w http.ResponseWriter, r *http.Request) {
	var req confirmPayoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	id := chi.URLParam(r, "id")
	changed, err := h.deps.Payouts.CompletePayout(r.Context(), id, strings.TrimSpace(req.ExternalRef), apiActor(r))
	if err != nil {
		h.payoutError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payout_id": id, "updated": changed})
}

func (h *Handler) failPayout(w http.ResponseWriter, r *http.Request) {
	var req failPayoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		writeError(w, http.StatusBadRequest, "reason_required")
		return
	}
	id := chi.URLParam(r, "id")
	changed, err := h.deps.Payouts.FailPayout(r.Context(), id, reason, apiActor(r))
	if err != nil {
		h.payoutError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payout_id": id, "updated": changed})
}

func (h *Handler) payoutError(w http.ResponseWriter, err error, id string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrPageNotReady):
		writeError(w, http.StatusConflict, "page_not_ready")
	case errors.Is(err, domain.ErrAutomationDisabled):
		writeError(w, http.StatusConflict, "automation_disabled")
	case payout.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid_payout")
	default:
		log.WithError(err).WithField("target_id", id).Error("Payout operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
