package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/payments"
	"chipin-service/internal/sender"

	log "github.com/sirupsen/logrus"
)

// ListerSource hands out transaction listers per network.
type ListerSource interface {
	Lister(n domain.Network) (payments.TransactionLister, bool)
}

type Mismatch struct {
	ContributionID string
	Network        domain.Network
	Reference      string
	ExpectedCents  int64
	ReceivedCents  int64
	HasAmount      bool
}

type Report struct {
	Scanned    int        `json:"scanned"`
	Updated    int        `json:"updated"`
	Unresolved int        `json:"unresolved"`
	Mismatches []Mismatch `json:"mismatches"`
}

func (r *Report) merge(o Report) {
	r.Scanned += o.Scanned
	r.Updated += o.Updated
	r.Unresolved += o.Unresolved
	r.Mismatches = append(r.Mismatches, o.Mismatches...)
}

// Reconciler settles contributions whose notifications never arrived by
// comparing them against the providers' transaction listings.
type Reconciler struct {
	store   ContributionStore
	ledger  *Service
	listers ListerSource
	alerts  sender.EmailSender
	cfg     config.Reconciliation
	nowFn   func() time.Time
}

func NewReconciler(store ContributionStore, ledger *Service, listers ListerSource, alerts sender.EmailSender, cfg config.Reconciliation) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		listers: listers,
		alerts:  alerts,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// Run reconciles the primary window [now-lookback, now-minAge) and then the
// long tail [now-longTail, now-lookback).
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	now := r.nowFn().UTC()

	var report Report
	primary, err := r.reconcileWindow(ctx, now.Add(-r.cfg.Lookback), now.Add(-r.cfg.MinAge), now)
	if err != nil {
		return Report{}, err
	}
	report.merge(primary)

	if r.cfg.LongTail > r.cfg.Lookback {
		tail, err := r.reconcileWindow(ctx, now.Add(-r.cfg.LongTail), now.Add(-r.cfg.Lookback), now)
		if err != nil {
			return report, err
		}
		report.merge(tail)
	}

	log.WithFields(log.Fields{
		"scanned":    report.Scanned,
		"updated":    report.Updated,
		"unresolved": report.Unresolved,
		"mismatches": len(report.Mismatches),
	}).Info("Reconciliation finished")

	if len(report.Mismatches) > 0 {
		r.sendAlert(ctx, report.Mismatches)
	}
	return report, nil
}

func (r *Reconciler) reconcileWindow(ctx context.Context, from, to, now time.Time) (Report, error) {
	contributions, err := r.store.ListUnsettled(ctx, from, to)
	if err != nil {
		return Report{}, err
	}
	report := Report{Scanned: len(contributions)}

	groups := make(map[domain.Network][]domain.Contribution)
	for _, c := range contributions {
		groups[c.Network] = append(groups[c.Network], c)
	}

	for _, network := range domain.Networks {
		group := groups[network]
		if len(group) == 0 {
			continue
		}
		logCtx := log.WithFields(log.Fields{"network": network, "count": len(group)})

		lister, ok := r.listers.Lister(network)
		if !ok {
			logCtx.Info("No transaction listing for network, leaving contributions pending")
			report.Unresolved += len(group)
			continue
		}

		earliest := group[0].CreatedAt
		for _, c := range group[1:] {
			if c.CreatedAt.Before(earliest) {
				earliest = c.CreatedAt
			}
		}
		list, err := lister.ListTransactions(ctx, earliest, now)
		if err != nil {
			logCtx.WithError(err).Warn("Failed to list provider transactions")
			report.Unresolved += len(group)
			continue
		}
		if !list.Complete {
			logCtx.WithField("pages", list.Pages).Warn("Provider listing truncated")
		}

		byRef := make(map[string]payments.ProviderTransaction, len(list.Transactions))
		for _, tx := range list.Transactions {
			if tx.Reference != "" {
				byRef[tx.Reference] = tx
			}
		}

		for i := range group {
			c := &group[i]
			tx, found := byRef[c.ProviderReference]
			if !found {
				report.Unresolved++
				continue
			}
			r.decide(ctx, c, tx, &report)
		}
	}
	return report, nil
}

func (r *Reconciler) decide(ctx context.Context, c *domain.Contribution, tx payments.ProviderTransaction, report *Report) {
	logCtx := log.WithFields(log.Fields{"contribution_id": c.ID, "network": c.Network, "reference": c.ProviderReference})

	switch tx.Status {
	case domain.ContributionCompleted:
		if !tx.HasAmount || tx.AmountCents != c.GrossCents {
			logCtx.WithFields(log.Fields{
				"security_event": true,
				"expected":       c.GrossCents,
				"received":       tx.AmountCents,
			}).Warn("Reconciliation amount mismatch")
			report.Mismatches = append(report.Mismatches, Mismatch{
				ContributionID: c.ID,
				Network:        c.Network,
				Reference:      c.ProviderReference,
				ExpectedCents:  c.GrossCents,
				ReceivedCents:  tx.AmountCents,
				HasAmount:      tx.HasAmount,
			})
			return
		}
		r.apply(ctx, logCtx, c, domain.ContributionCompleted, report)
	case domain.ContributionFailed:
		r.apply(ctx, logCtx, c, domain.ContributionFailed, report)
	default:
		report.Unresolved++
	}
}

func (r *Reconciler) apply(ctx context.Context, logCtx *log.Entry, c *domain.Contribution, status domain.ContributionStatus, report *Report) {
	changed, err := r.ledger.settle(ctx, c, status)
	if err != nil {
		logCtx.WithError(err).Error("Failed to apply reconciled status")
		report.Unresolved++
		return
	}
	if changed {
		logCtx.WithField("status", status).Info("Contribution reconciled")
		report.Updated++
	}
}

func (r *Reconciler) sendAlert(ctx context.Context, mismatches []Mismatch) {
	if !r.cfg.AlertsEnabled || r.cfg.AlertEmail == "" || r.alerts == nil {
		return
	}
	var b strings.Builder
	b.WriteString("The following contributions were reported completed with an unexpected amount:\n\n")
	for _, m := range mismatches {
		received := "missing"
		if m.HasAmount {
			received = fmt.Sprintf("%d", m.ReceivedCents)
		}
		fmt.Fprintf(&b, "- %s %s (contribution %s): expected %d cents, received %s\n",
			m.Network, m.Reference, m.ContributionID, m.ExpectedCents, received)
	}

	msg := sender.Email{
		To:      r.cfg.AlertEmail,
		Subject: "ChipIn reconciliation mismatches",
		Text:    b.String(),
	}
	key := fmt.Sprintf("reconciliation:%s:%d", r.nowFn().UTC().Format("2006-01-02T15"), len(mismatches))
	if err := r.alerts.SendEmail(ctx, msg, key); err != nil {
		log.WithError(err).Error("Failed to send reconciliation alert")
	}
}
