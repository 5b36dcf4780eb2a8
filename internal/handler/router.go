package handler

import (
	"context"
	"net/http"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/ratelimit"
	"chipin-service/internal/service/ledger"
	"chipin-service/internal/service/webhook"

	"github.com/go-chi/chi/v5"
)

type LedgerService interface {
	ApplyNotification(ctx context.Context, network domain.Network, n payments.Notification) (ledger.Outcome, error)
	CreateContribution(ctx context.Context, in ledger.NewContribution) (*domain.Contribution, error)
}

type Gateways interface {
	Get(n domain.Network) (payments.Gateway, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

type Reconciler interface {
	Run(ctx context.Context) (ledger.Report, error)
}

type WebhookQueue interface {
	ProcessQueue(ctx context.Context, limit int) (webhook.Summary, error)
}

type ReminderDispatcher interface {
	DispatchDueReminders(ctx context.Context, now time.Time, limit int) (domain.ReminderSummary, error)
}

// Dependencies wires the HTTP surface. Limiter may be nil.
type Dependencies struct {
	Ledger     LedgerService
	Gateways   Gateways
	Limiter    Limiter
	Reconciler Reconciler
	Payouts    PayoutService
	Webhooks   WebhookQueue
	Reminders  ReminderDispatcher
	Config     config.Config
}

type Handler struct {
	deps  Dependencies
	nowFn func() time.Time
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps, nowFn: time.Now}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/{network}", h.notification)

	r.Route("/api/internal", func(r chi.Router) {
		r.Use(bearerAuth(h.deps.Config.InternalJobSecret))
		r.Post("/contributions", h.createContribution)
		r.Post("/webhooks/process", h.processWebhooks)
		r.Post("/reminders/dispatch", h.dispatchReminders)
		r.Post("/payments/reconcile", h.reconcile)
		r.Post("/payouts/create", h.createPayouts)
		r.Post("/payouts/{id}/automate", h.automatePayout)
	})

	r.Route("/api/v1/payouts", func(r chi.Router) {
		r.Use(bearerAuth(h.deps.Config.InternalJobSecret))
		r.Post("/{id}/confirm", h.confirmPayout)
		r.Post("/{id}/fail", h.failPayout)
	})

	return r
}
