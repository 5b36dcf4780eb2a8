package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/ratelimit"
	"chipin-service/internal/service/ledger"
	"chipin-service/internal/service/payout"
	"chipin-service/internal/service/webhook"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testSecret = "job-secret"

type fakeGateway struct {
	network      domain.Network
	validSig     bool
	notification payments.Notification
	parseErr     error
	validateErr  error
	lastRequest  payments.PaymentRequest
}

func (g *fakeGateway) Network() domain.Network { return g.network }
func (g *fakeGateway) Configured() bool { return true }

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req payments.PaymentRequest) (payments.PaymentIntent, error) {
	g.lastRequest = req
	return payments.PaymentIntent{Network: g.network, Mode: payments.ModeRedirect, Reference: req.Reference, RedirectURL: "https://pay.example/" + req.Reference}, nil
}

func (g *fakeGateway) VerifySignature([]byte, http.Header) bool { return g.validSig }

func (g *fakeGateway) ParseNotification([]byte, http.Header) (payments.Notification, error) {
	return g.notification, g.parseErr
}

func (g *fakeGateway) MapStatus(string) domain.ContributionStatus { return domain.ContributionCompleted }

// validatingGateway adds the extra notification check PayFast performs.
type validatingGateway struct{ *fakeGateway }

func (g validatingGateway) ValidateNotification(context.Context, []byte, payments.Notification, string) error {
	return g.validateErr
}

type fakeGateways map[domain.Network]payments.Gateway

func (f fakeGateways) Get(n domain.Network) (payments.Gateway, error) {
	g, ok := f[n]
	if !ok {
		return nil, fmt.Errorf("%s: %w", n, domain.ErrNetworkNotConfigured)
	}
	return g, nil
}

type fakeLedger struct {
	applied  []payments.Notification
	applyErr error
	created  []ledger.NewContribution
	newErr   error
}

func (l *fakeLedger) ApplyNotification(_ context.Context, _ domain.Network, n payments.Notification) (ledger.Outcome, error) {
	if l.applyErr != nil {
		return "", l.applyErr
	}
	l.applied = append(l.applied, n)
	return ledger.OutcomeApplied, nil
}

func (l *fakeLedger) CreateContribution(_ context.Context, in ledger.NewContribution) (*domain.Contribution, error) {
	if l.newErr != nil {
		return nil, l.newErr
	}
	l.created = append(l.created, in)
	return &domain.Contribution{
		ID:                "c-1",
		PageID:            in.PageID,
		Network:           in.Network,
		ProviderReference: "CHIP-ABC",
		GrossCents:        in.GrossCents,
		FeeCents:          in.FeeCents,
	}, nil
}

type fakePayouts struct {
	completed []string
	failed    []string
	actors    []domain.Actor
	createErr error
	created   []string
}

func (p *fakePayouts) CreatePayoutsForPage(_ context.Context, pageID string, actor domain.Actor) (payout.CreateResult, error) {
	if p.createErr != nil {
		return payout.CreateResult{}, p.createErr
	}
	p.created = append(p.created, pageID)
	p.actors = append(p.actors, actor)
	return payout.CreateResult{Created: []string{"po-1"}}, nil
}

func (p *fakePayouts) CompletePayout(_ context.Context, id, externalRef string, actor domain.Actor) (bool, error) {
	if id == "missing" {
		return false, domain.ErrNotFound
	}
	p.completed = append(p.completed, id+":"+externalRef)
	p.actors = append(p.actors, actor)
	return true, nil
}

func (p *fakePayouts) FailPayout(_ context.Context, id, reason string, actor domain.Actor) (bool, error) {
	p.failed = append(p.failed, id+":"+reason)
	p.actors = append(p.actors, actor)
	return true, nil
}

func (p *fakePayouts) ExecuteAutomatedPayout(_ context.Context, id string, _ domain.Actor, toggles config.Automation) (domain.AutomationResult, error) {
	if !toggles.KarriEnabled {
		return domain.AutomationResult{}, domain.ErrAutomationDisabled
	}
	return domain.AutomationResult{PayoutID: id, Status: domain.AutomationCompleted}, nil
}

func (p *fakePayouts) CreateMissingPayouts(context.Context, int) (payout.MissingResult, error) {
	return payout.MissingResult{Pages: 2, Created: []string{"po-1", "po-2"}}, nil
}

type fakeQueue struct{ limit int }

func (q *fakeQueue) ProcessQueue(_ context.Context, limit int) (webhook.Summary, error) {
	q.limit = limit
	return webhook.Summary{Processed: 3, Delivered: 2, Retrying: 1}, nil
}

type fakeReminders struct{ limit int }

func (f *fakeReminders) DispatchDueReminders(_ context.Context, _ time.Time, limit int) (domain.ReminderSummary, error) {
	f.limit = limit
	return domain.ReminderSummary{Scanned: 1, Sent: 1}, nil
}

type fakeReconciler struct{}

func (fakeReconciler) Run(context.Context) (ledger.Report, error) {
	return ledger.Report{Scanned: 4, Updated: 1, Unresolved: 3}, nil
}

type fixture struct {
	router  http.Handler
	handler *Handler
	gateway *fakeGateway
	ledger  *fakeLedger
	payouts *fakePayouts
	queue   *fakeQueue
	now     time.Time
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	f := &fixture{
		gateway: &fakeGateway{
			network:  domain.NetworkPayFast,
			validSig: true,
			notification: payments.Notification{
				Reference:   "CHIP-ABC",
				AmountCents: 5000,
				HasAmount:   true,
				Status:      domain.ContributionCompleted,
			},
		},
		ledger:  &fakeLedger{},
		payouts: &fakePayouts{},
		queue:   &fakeQueue{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := config.Config{
		AppURL:            "https://chipin.example/",
		InternalJobSecret: testSecret,
		Webhooks:          config.Webhooks{BatchSize: 50, TimestampTolerance: 30 * time.Minute},
		Reminders:         config.Reminders{BatchSize: 100},
	}
	f.handler = NewHandler(Dependencies{
		Ledger:     f.ledger,
		Gateways:   fakeGateways{domain.NetworkPayFast: f.gateway},
		Limiter:    limiter,
		Reconciler: fakeReconciler{},
		Payouts:    f.payouts,
		Webhooks:   f.queue,
		Reminders:  &fakeReminders{},
		Config:     cfg,
	})
	f.handler.nowFn = func() time.Time { return f.now }
	f.router = NewRouter(f.handler)
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testSecret, "Content-Type": "application/json"}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return body["error"]
}

func TestNotificationApplied(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/webhooks/payfast", "m_payment_id=CHIP-ABC", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.TrimSpace(rec.Body.String()) != `{"received":true}` {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if len(f.ledger.applied) != 1 || f.ledger.applied[0].Reference != "CHIP-ABC" {
		t.Fatalf("ledger not called: %+v", f.ledger.applied)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
}

func TestNotificationRejections(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		setup  func(f *fixture)
		status int
		code   string
	}{
		{name: "unknown network", path: "/webhooks/paypal", status: http.StatusNotFound, code: "unknown_network"},
		{name: "unconfigured network", path: "/webhooks/ozow", status: http.StatusNotFound, code: "network_not_configured"},
		{
			name:   "bad signature",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.gateway.validSig = false },
			status: http.StatusBadRequest,
			code:   "invalid_signature",
		},
		{
			name:   "bad payload",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.gateway.parseErr = domain.ErrInvalidPayload },
			status: http.StatusBadRequest,
			code:   "invalid_payload",
		},
		{
			name: "stale timestamp",
			path: "/webhooks/payfast",
			setup: func(f *fixture) {
				f.gateway.notification.TimestampRaw = fmt.Sprint(f.now.Add(-2 * time.Hour).Unix())
			},
			status: http.StatusBadRequest,
			code:   "timestamp_out_of_window",
		},
		{
			name: "network validation",
			path: "/webhooks/payfast",
			setup: func(f *fixture) {
				f.gateway.validateErr = errors.New("source ip not allowed")
				f.handler.deps.Gateways = fakeGateways{domain.NetworkPayFast: validatingGateway{f.gateway}}
			},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
		{
			name:   "unknown reference",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.ledger.applyErr = domain.ErrNotFound },
			status: http.StatusNotFound,
			code:   "contribution_not_found",
		},
		{
			name:   "amount mismatch",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.ledger.applyErr = fmt.Errorf("wrapped: %w", domain.ErrAmountMismatch) },
			status: http.StatusBadRequest,
			code:   "amount_mismatch",
		},
		{
			name:   "amount missing",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.ledger.applyErr = domain.ErrAmountMissing },
			status: http.StatusBadRequest,
			code:   "amount_missing",
		},
		{
			name:   "store failure",
			path:   "/webhooks/payfast",
			setup:  func(f *fixture) { f.ledger.applyErr = errors.New("db down") },
			status: http.StatusInternalServerError,
			code:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			rec := f.do(http.MethodPost, tt.path, "payload", nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Fatalf("expected error %q, got %q", tt.code, got)
			}
			if tt.status == http.StatusBadRequest && f.ledger.applyErr == nil && len(f.ledger.applied) != 0 {
				t.Fatal("rejected notification reached the ledger")
			}
		})
	}
}

func TestNotificationRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f := newFixture(t, ratelimit.NewFixedWindow(client, "webhook", 1, time.Minute))

	headers := map[string]string{"X-Forwarded-For": "41.0.0.1"}
	if rec := f.do(http.MethodPost, "/webhooks/payfast", "a", headers); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/webhooks/payfast", "a", headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}

	// A different source address has its own window.
	other := f.do(http.MethodPost, "/webhooks/payfast", "a", map[string]string{"X-Forwarded-For": "41.0.0.2"})
	if other.Code != http.StatusOK {
		t.Fatalf("other ip: expected 200, got %d", other.Code)
	}
}

func TestNotificationAllowedWhenLimiterFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	f := newFixture(t, ratelimit.NewFixedWindow(client, "webhook", 1, time.Minute))
	if rec := f.do(http.MethodPost, "/webhooks/payfast", "a", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with limiter down, got %d", rec.Code)
	}
}

func TestInternalRoutesRequireBearer(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/internal/webhooks/process", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/internal/webhooks/process", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	f.handler.deps.Config.InternalJobSecret = ""
	unconfigured := NewRouter(f.handler)
	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhooks/process", nil)
	req.Header.Set("Authorization", "Bearer ")
	out := httptest.NewRecorder()
	unconfigured.ServeHTTP(out, req)
	if out.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a secret, got %d", out.Code)
	}
}

func TestJobRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/internal/webhooks/process?limit=7", "", authed())
	if rec.Code != http.StatusOK || f.queue.limit != 7 {
		t.Fatalf("webhooks: code=%d limit=%d", rec.Code, f.queue.limit)
	}
	var sum webhook.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil || sum.Delivered != 2 {
		t.Fatalf("unexpected summary %s", rec.Body.String())
	}

	rec = f.do(http.MethodPost, "/api/internal/webhooks/process?limit=abc", "", authed())
	if rec.Code != http.StatusOK || f.queue.limit != 50 {
		t.Fatalf("expected default batch size, got %d", f.queue.limit)
	}

	rec = f.do(http.MethodPost, "/api/internal/reminders/dispatch", "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("reminders: code=%d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/api/internal/payments/reconcile", "", authed())
	var report ledger.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Unresolved != 3 {
		t.Fatalf("unexpected report %s", rec.Body.String())
	}
}

func TestCreateContribution(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"page_id":"page-1","network":"payfast","amount_cents":5000,"fee_cents":300,"contributor_name":"Lerato","contributor_email":"l@example.com"}`
	rec := f.do(http.MethodPost, "/api/internal/contributions", body, authed())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createContributionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NetCents != 4700 || resp.Reference != "CHIP-ABC" || resp.Intent.RedirectURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := f.gateway.lastRequest.NotifyURL; got != "https://chipin.example/webhooks/payfast" {
		t.Fatalf("unexpected notify url %q", got)
	}
	if f.gateway.lastRequest.AmountCents != 5000 || f.gateway.lastRequest.CustomerEmail != "l@example.com" {
		t.Fatalf("unexpected payment request %+v", f.gateway.lastRequest)
	}
}

func TestCreateContributionErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "unknown network", body: `{"network":"paypal"}`, status: http.StatusBadRequest},
		{name: "unconfigured network", body: `{"network":"snapscan"}`, status: http.StatusServiceUnavailable},
		{name: "closed page", body: `{"network":"payfast"}`, err: domain.ErrPageNotOpen, status: http.StatusConflict},
		{name: "missing page", body: `{"network":"payfast"}`, err: domain.ErrNotFound, status: http.StatusNotFound},
		{name: "bad body", body: `{`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ledger.newErr = tt.err
			rec := f.do(http.MethodPost, "/api/internal/contributions", tt.body, authed())
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestPayoutRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/payouts/po-1/confirm", `{"external_ref":" TX-9 "}`, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d", rec.Code)
	}
	if len(f.payouts.completed) != 1 || f.payouts.completed[0] != "po-1:TX-9" {
		t.Fatalf("unexpected completions %v", f.payouts.completed)
	}
	if f.payouts.actors[0].Type != domain.ActorAPIKey {
		t.Fatalf("expected api key actor, got %+v", f.payouts.actors[0])
	}

	if rec := f.do(http.MethodPost, "/api/v1/payouts/missing/confirm", `{}`, authed()); rec.Code != http.StatusNotFound {
		t.Fatalf("missing payout: expected 404, got %d", rec.Code)
	}

	if rec := f.do(http.MethodPost, "/api/v1/payouts/po-1/fail", `{"reason":"  "}`, authed()); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank reason: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/payouts/po-1/fail", `{"reason":"bank rejected"}`, authed()); rec.Code != http.StatusOK {
		t.Fatalf("fail: expected 200, got %d", rec.Code)
	}
	if f.payouts.failed[0] != "po-1:bank rejected" {
		t.Fatalf("unexpected failures %v", f.payouts.failed)
	}
}

func TestCreatePayoutsRoute(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/internal/payouts/create", `{"page_id":"page-1"}`, authed())
	if rec.Code != http.StatusOK || len(f.payouts.created) != 1 {
		t.Fatalf("single page: code=%d created=%v", rec.Code, f.payouts.created)
	}

	rec = f.do(http.MethodPost, "/api/internal/payouts/create", "", authed())
	var missing payout.MissingResult
	if err := json.Unmarshal(rec.Body.Bytes(), &missing); err != nil || missing.Pages != 2 {
		t.Fatalf("sweep: unexpected body %s", rec.Body.String())
	}

	f.payouts.createErr = fmt.Errorf("page-2: %w", domain.ErrPageNotReady)
	rec = f.do(http.MethodPost, "/api/internal/payouts/create", `{"page_id":"page-2"}`, authed())
	if rec.Code != http.StatusConflict {
		t.Fatalf("not ready: expected 409, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/api/internal/payouts/po-1/automate", "", authed())
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "automation_disabled" {
		t.Fatalf("automation toggle: code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
