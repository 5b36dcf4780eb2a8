package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/sender"
	"chipin-service/internal/validator"
)

type fakeStore struct {
	mu            sync.Mutex
	contributions map[string]*domain.Contribution
	pages         map[string]*domain.FundingPage
	updates       int
	attempts      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contributions: map[string]*domain.Contribution{},
		pages:         map[string]*domain.FundingPage{},
	}
}

func (s *fakeStore) Create(_ context.Context, c *domain.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contributions {
		if existing.Network == c.Network && existing.ProviderReference == c.ProviderReference {
			return domain.ErrDuplicateReference
		}
	}
	page, ok := s.pages[c.PageID]
	if !ok {
		return domain.ErrNotFound
	}
	c.ID = "c-" + c.ProviderReference
	c.PartnerID = page.PartnerID
	c.NetCents = domain.NetFor(c.GrossCents, c.FeeCents)
	c.Status = domain.ContributionPending
	cp := *c
	s.contributions[c.ID] = &cp
	return nil
}

func (s *fakeStore) GetByReference(_ context.Context, network domain.Network, ref string) (*domain.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contributions {
		if c.Network == network && c.ProviderReference == ref {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, next domain.ContributionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	c, ok := s.contributions[id]
	if !ok || c.Status == next || !domain.CanTransition(c.Status, next) {
		return false, nil
	}
	c.Status = next
	s.updates++
	return true, nil
}

func (s *fakeStore) MarkPageFundedIfNeeded(_ context.Context, pageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[pageID]
	if page == nil || page.Status != domain.PageActive {
		return false, nil
	}
	var net int64
	for _, c := range s.contributions {
		if c.PageID == pageID && c.Status == domain.ContributionCompleted {
			net += c.NetCents
		}
	}
	if net < page.GoalCents {
		return false, nil
	}
	page.Status = domain.PageFunded
	return true, nil
}

func (s *fakeStore) ListUnsettled(_ context.Context, from, to time.Time) ([]domain.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Contribution
	for _, c := range s.contributions {
		if c.Status != domain.ContributionPending && c.Status != domain.ContributionProcessing {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *fakeStore) GetPage(_ context.Context, id string) (*domain.FundingPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) add(c domain.Contribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.NetCents = domain.NetFor(c.GrossCents, c.FeeCents)
	s.contributions[c.ID] = &c
}

type emitted struct {
	partnerID string
	t         domain.EventType
	data      map[string]any
}

type fakeEmitter struct {
	events []emitted
}

func (e *fakeEmitter) EmitForPartner(_ context.Context, partnerID string, t domain.EventType, data map[string]any, _ *domain.EventMeta) []string {
	e.events = append(e.events, emitted{partnerID: partnerID, t: t, data: data})
	return []string{"ev"}
}

func (e *fakeEmitter) count(t domain.EventType) int {
	n := 0
	for _, ev := range e.events {
		if ev.t == t {
			n++
		}
	}
	return n
}

func setup(goal int64) (*Service, *fakeStore, *fakeEmitter) {
	store := newFakeStore()
	store.pages["page-1"] = &domain.FundingPage{ID: "page-1", PartnerID: "partner-1", Status: domain.PageActive, GoalCents: goal}
	events := &fakeEmitter{}
	return NewService(store, store, events, nil), store, events
}

func TestCreateContributionDerivesNet(t *testing.T) {
	svc, store, _ := setup(10000)

	c, err := svc.CreateContribution(context.Background(), NewContribution{
		PageID:     "page-1",
		Network:    domain.NetworkPayFast,
		Reference:  "REF-1",
		GrossCents: 5000,
		FeeCents:   300,
	})
	if err != nil {
		t.Fatalf("CreateContribution: %v", err)
	}
	if c.NetCents != 4700 || c.Status != domain.ContributionPending {
		t.Fatalf("unexpected contribution: %+v", c)
	}
	if c.PartnerID != "partner-1" {
		t.Fatalf("partner should come from the page, got %q", c.PartnerID)
	}
	if len(store.contributions) != 1 {
		t.Fatalf("expected one stored row, got %d", len(store.contributions))
	}
}

func TestCreateContributionValidation(t *testing.T) {
	svc, store, _ := setup(10000)
	ctx := context.Background()

	_, err := svc.CreateContribution(ctx, NewContribution{PageID: "page-1", Network: domain.NetworkOzow, GrossCents: 0})
	if !errors.Is(err, validator.ErrInvalidGross) {
		t.Fatalf("expected invalid gross, got %v", err)
	}

	_, err = svc.CreateContribution(ctx, NewContribution{PageID: "page-1", Network: "paypal", GrossCents: 1000})
	if !errors.Is(err, domain.ErrNetworkNotConfigured) {
		t.Fatalf("expected unknown network error, got %v", err)
	}

	store.pages["page-1"].Status = domain.PageClosed
	_, err = svc.CreateContribution(ctx, NewContribution{PageID: "page-1", Network: domain.NetworkOzow, GrossCents: 1000})
	if !errors.Is(err, domain.ErrPageNotOpen) {
		t.Fatalf("expected closed page error, got %v", err)
	}
}

func TestCreateContributionGeneratesReference(t *testing.T) {
	svc, _, _ := setup(10000)
	c, err := svc.CreateContribution(context.Background(), NewContribution{PageID: "page-1", Network: domain.NetworkSnapScan, GrossCents: 2500})
	if err != nil {
		t.Fatalf("CreateContribution: %v", err)
	}
	if len(c.ProviderReference) < 10 {
		t.Fatalf("expected generated reference, got %q", c.ProviderReference)
	}
}

func TestApplyNotificationReplayIsNoOp(t *testing.T) {
	svc, store, events := setup(100000)
	store.add(domain.Contribution{ID: "c1", PageID: "page-1", PartnerID: "partner-1", Network: domain.NetworkPayFast,
		ProviderReference: "REF-1", GrossCents: 5000, FeeCents: 300, Status: domain.ContributionPending})
	n := payments.Notification{Reference: "REF-1", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted}
	ctx := context.Background()

	out, err := svc.ApplyNotification(ctx, domain.NetworkPayFast, n)
	if err != nil || out != OutcomeApplied {
		t.Fatalf("first delivery: outcome=%s err=%v", out, err)
	}
	out, err = svc.ApplyNotification(ctx, domain.NetworkPayFast, n)
	if err != nil || out != OutcomeDuplicate {
		t.Fatalf("replay: outcome=%s err=%v", out, err)
	}
	if store.updates != 1 {
		t.Fatalf("expected a single write, got %d", store.updates)
	}
	if got := events.count(domain.EventContributionReceived); got != 1 {
		t.Fatalf("expected one contribution.received, got %d", got)
	}
	if store.contributions["c1"].NetCents != 4700 {
		t.Fatalf("net = %d", store.contributions["c1"].NetCents)
	}
}

func TestApplyNotificationAmountChecks(t *testing.T) {
	svc, store, events := setup(100000)
	store.add(domain.Contribution{ID: "c1", PageID: "page-1", Network: domain.NetworkOzow,
		ProviderReference: "REF-1", GrossCents: 5000, FeeCents: 300, Status: domain.ContributionPending})
	ctx := context.Background()

	_, err := svc.ApplyNotification(ctx, domain.NetworkOzow, payments.Notification{
		Reference: "REF-1", AmountCents: 4700, HasAmount: true, Status: domain.ContributionCompleted,
	})
	if !errors.Is(err, domain.ErrAmountMismatch) || !IsClientError(err) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	_, err = svc.ApplyNotification(ctx, domain.NetworkOzow, payments.Notification{
		Reference: "REF-1", Status: domain.ContributionCompleted,
	})
	if !errors.Is(err, domain.ErrAmountMissing) {
		t.Fatalf("expected missing amount, got %v", err)
	}

	_, err = svc.ApplyNotification(ctx, domain.NetworkOzow, payments.Notification{
		Reference: "NOPE", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if store.updates != 0 || len(events.events) != 0 {
		t.Fatalf("rejected notifications must not write, updates=%d events=%d", store.updates, len(events.events))
	}
}

func TestApplyNotificationFailedIsFinal(t *testing.T) {
	svc, store, _ := setup(100000)
	store.add(domain.Contribution{ID: "c1", PageID: "page-1", Network: domain.NetworkOzow,
		ProviderReference: "REF-1", GrossCents: 5000, Status: domain.ContributionFailed})

	out, err := svc.ApplyNotification(context.Background(), domain.NetworkOzow, payments.Notification{
		Reference: "REF-1", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted,
	})
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if out != OutcomeRejected || store.contributions["c1"].Status != domain.ContributionFailed {
		t.Fatalf("failed must stay failed, outcome=%s status=%s", out, store.contributions["c1"].Status)
	}
	if store.attempts != 0 {
		t.Fatalf("disallowed transition must not reach the store, got %d update attempts", store.attempts)
	}
}

func TestApplyNotificationRejectsBackwardsStatus(t *testing.T) {
	svc, store, _ := setup(100000)
	store.add(domain.Contribution{ID: "c1", PageID: "page-1", Network: domain.NetworkSnapScan,
		ProviderReference: "REF-2", GrossCents: 5000, Status: domain.ContributionProcessing})

	out, err := svc.ApplyNotification(context.Background(), domain.NetworkSnapScan, payments.Notification{
		Reference: "REF-2", AmountCents: 5000, HasAmount: true, Status: domain.ContributionPending,
	})
	if err != nil || out != OutcomeRejected {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if store.attempts != 0 || store.contributions["c1"].Status != domain.ContributionProcessing {
		t.Fatalf("attempts=%d status=%s", store.attempts, store.contributions["c1"].Status)
	}
}

func TestPageFundedExactlyOnce(t *testing.T) {
	svc, store, events := setup(9000)
	for _, ref := range []string{"A", "B", "C"} {
		store.add(domain.Contribution{ID: "c-" + ref, PageID: "page-1", PartnerID: "partner-1", Network: domain.NetworkPayFast,
			ProviderReference: ref, GrossCents: 5000, FeeCents: 300, Status: domain.ContributionPending})
	}
	ctx := context.Background()
	for _, ref := range []string{"A", "B", "C"} {
		if _, err := svc.ApplyNotification(ctx, domain.NetworkPayFast, payments.Notification{
			Reference: ref, AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted,
		}); err != nil {
			t.Fatalf("ApplyNotification %s: %v", ref, err)
		}
	}
	if store.pages["page-1"].Status != domain.PageFunded {
		t.Fatalf("page status = %s", store.pages["page-1"].Status)
	}
	if got := events.count(domain.EventPotFunded); got != 1 {
		t.Fatalf("expected pot.funded once, got %d", got)
	}
	if got := events.count(domain.EventContributionReceived); got != 3 {
		t.Fatalf("expected three contribution.received, got %d", got)
	}
}

type fakeLister struct {
	list payments.TransactionList
	err  error
	from time.Time
}

func (l *fakeLister) ListTransactions(_ context.Context, from, _ time.Time) (payments.TransactionList, error) {
	l.from = from
	return l.list, l.err
}

type fakeListers map[domain.Network]payments.TransactionLister

func (f fakeListers) Lister(n domain.Network) (payments.TransactionLister, bool) {
	l, ok := f[n]
	return l, ok
}

type recordingEmail struct {
	sent []sender.Email
}

func (r *recordingEmail) SendEmail(_ context.Context, msg sender.Email, _ string) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestReconcilerDecisions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store, events := setup(1000000)
	created := now.Add(-2 * time.Hour)
	add := func(id string, network domain.Network, gross int64) {
		store.add(domain.Contribution{ID: id, PageID: "page-1", PartnerID: "partner-1", Network: network,
			ProviderReference: "REF-" + id, GrossCents: gross, Status: domain.ContributionPending, CreatedAt: created})
	}
	add("ok", domain.NetworkOzow, 5000)
	add("bad", domain.NetworkOzow, 5000)
	add("nil", domain.NetworkOzow, 5000)
	add("fail", domain.NetworkOzow, 5000)
	add("wait", domain.NetworkOzow, 5000)
	add("gone", domain.NetworkOzow, 5000)
	add("pf", domain.NetworkPayFast, 5000)
	add("snap", domain.NetworkSnapScan, 5000)

	ozow := &fakeLister{list: payments.TransactionList{Complete: true, Transactions: []payments.ProviderTransaction{
		{Reference: "REF-ok", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted},
		{Reference: "REF-bad", AmountCents: 4000, HasAmount: true, Status: domain.ContributionCompleted},
		{Reference: "REF-nil", Status: domain.ContributionCompleted},
		{Reference: "REF-fail", AmountCents: 5000, HasAmount: true, Status: domain.ContributionFailed},
		{Reference: "REF-wait", AmountCents: 5000, HasAmount: true, Status: domain.ContributionProcessing},
	}}}
	snap := &fakeLister{err: errors.New("boom")}
	alerts := &recordingEmail{}

	r := NewReconciler(store, svc, fakeListers{domain.NetworkOzow: ozow, domain.NetworkSnapScan: snap}, alerts, config.Reconciliation{
		Lookback:      24 * time.Hour,
		MinAge:        10 * time.Minute,
		LongTail:      168 * time.Hour,
		AlertsEnabled: true,
		AlertEmail:    "ops@example.com",
	})
	r.nowFn = func() time.Time { return now }

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Scanned != 8 || report.Updated != 2 || len(report.Mismatches) != 2 || report.Unresolved != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}

	want := map[string]domain.ContributionStatus{
		"ok":   domain.ContributionCompleted,
		"bad":  domain.ContributionPending,
		"nil":  domain.ContributionPending,
		"fail": domain.ContributionFailed,
		"wait": domain.ContributionPending,
		"gone": domain.ContributionPending,
		"pf":   domain.ContributionPending,
		"snap": domain.ContributionPending,
	}
	for id, status := range want {
		if got := store.contributions[id].Status; got != status {
			t.Errorf("%s: status = %s, want %s", id, got, status)
		}
	}
	if !ozow.from.Equal(created) {
		t.Fatalf("listing should start at the earliest contribution, got %s", ozow.from)
	}
	if events.count(domain.EventContributionReceived) != 1 {
		t.Fatalf("expected contribution.received for the reconciled completion")
	}
	if len(alerts.sent) != 1 || alerts.sent[0].Subject != "ChipIn reconciliation mismatches" {
		t.Fatalf("expected one alert email, got %+v", alerts.sent)
	}
}

func TestReconcilerSkipsYoungContributions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store, _ := setup(1000000)
	store.add(domain.Contribution{ID: "young", PageID: "page-1", Network: domain.NetworkOzow,
		ProviderReference: "REF-young", GrossCents: 5000, Status: domain.ContributionPending, CreatedAt: now.Add(-time.Minute)})
	store.add(domain.Contribution{ID: "old", PageID: "page-1", Network: domain.NetworkOzow,
		ProviderReference: "REF-old", GrossCents: 5000, Status: domain.ContributionPending, CreatedAt: now.Add(-72 * time.Hour)})

	ozow := &fakeLister{list: payments.TransactionList{Complete: true, Transactions: []payments.ProviderTransaction{
		{Reference: "REF-young", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted},
		{Reference: "REF-old", AmountCents: 5000, HasAmount: true, Status: domain.ContributionCompleted},
	}}}
	r := NewReconciler(store, svc, fakeListers{domain.NetworkOzow: ozow}, nil, config.Reconciliation{
		Lookback: 24 * time.Hour, MinAge: 10 * time.Minute, LongTail: 168 * time.Hour,
	})
	r.nowFn = func() time.Time { return now }

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Scanned != 1 || report.Updated != 1 {
		t.Fatalf("only the long-tail contribution should be scanned, got %+v", report)
	}
	if store.contributions["young"].Status != domain.ContributionPending {
		t.Fatal("contributions younger than the minimum age must be left alone")
	}
	if store.contributions["old"].Status != domain.ContributionCompleted {
		t.Fatal("long-tail contribution should be reconciled")
	}
}
