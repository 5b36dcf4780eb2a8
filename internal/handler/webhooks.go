package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"chipin-service/internal/domain"
	"chipin-service/internal/payments"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

const maxNotificationBytes = 1 << 20

// notification accepts a provider callback. Nothing reaches the ledger
// before the signature, payload, timestamp and network checks pass.
func (h *Handler) notification(w http.ResponseWriter, r *http.Request) {
	network, ok := domain.ParseNetwork(chi.URLParam(r, "network"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_network")
		return
	}
	ip := clientIP(r)
	logCtx := log.WithFields(log.Fields{
		"request_id": requestIDFromContext(r.Context()),
		"network":    network,
		"remote_ip":  ip,
	})

	if h.deps.Limiter != nil {
		d, err := h.deps.Limiter.Allow(r.Context(), fmt.Sprintf("%s:%s", network, ip))
		switch {
		case err != nil:
			logCtx.WithError(err).Warn("Rate limiter unavailable, allowing request")
		case !d.Allowed:
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	gateway, err := h.deps.Gateways.Get(network)
	if err != nil {
		logCtx.WithError(err).Warn("Notification for unconfigured network")
		writeError(w, http.StatusNotFound, "network_not_configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	if !gateway.VerifySignature(body, r.Header) {
		logCtx.WithField("security_event", true).Warn("Notification signature rejected")
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}

	n, err := gateway.ParseNotification(body, r.Header)
	if err != nil {
		logCtx.WithError(err).WithField("security_event", true).Warn("Notification payload rejected")
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	logCtx = logCtx.WithField("reference", n.Reference)

	if n.TimestampRaw == "" {
		logCtx.Debug("Notification carries no timestamp")
	}
	if err := n.CheckTimestamp(h.nowFn(), h.deps.Config.Webhooks.TimestampTolerance); err != nil {
		logCtx.WithError(err).WithField("security_event", true).Warn("Notification timestamp rejected")
		writeError(w, http.StatusBadRequest, "timestamp_out_of_window")
		return
	}

	if v, ok := gateway.(payments.NotificationValidator); ok {
		if err := v.ValidateNotification(r.Context(), body, n, ip); err != nil {
			logCtx.WithError(err).WithField("security_event", true).Warn("Notification validation failed")
			writeError(w, http.StatusBadRequest, "validation_failed")
			return
		}
	}

	outcome, err := h.deps.Ledger.ApplyNotification(r.Context(), network, n)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logCtx.Warn("Notification for unknown contribution")
		writeError(w, http.StatusNotFound, "contribution_not_found")
		return
	case errors.Is(err, domain.ErrAmountMissing):
		writeError(w, http.StatusBadRequest, "amount_missing")
		return
	case errors.Is(err, domain.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, "amount_mismatch")
		return
	case err != nil:
		logCtx.WithError(err).Error("Failed to apply notification")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	logCtx.WithField("outcome", outcome).Info("Notification processed")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
