package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
	"chipin-service/internal/repository"
	"chipin-service/internal/sender"

	log "github.com/sirupsen/logrus"
)

type Store interface {
	DueIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ProcessLocked(ctx context.Context, id string, fn func(ctx context.Context, tx repository.ReminderTx) error) error
}

type Dispatcher struct {
	store    Store
	email    sender.EmailSender
	whatsapp sender.WhatsAppSender
	cfg      config.Reminders
	waCfg    config.WhatsApp
	appURL   string
}

func NewDispatcher(store Store, email sender.EmailSender, whatsapp sender.WhatsAppSender, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		email:    email,
		whatsapp: whatsapp,
		cfg:      cfg.Reminders,
		waCfg:    cfg.WhatsApp,
		appURL:   cfg.AppURL,
	}
}

// RetryDelay is base * 2^attempts, capped at ceiling.
func RetryDelay(attempts int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// DispatchDueReminders sends every reminder that is due at now. Each reminder
// is handled under its own advisory lock; one failing does not stop the run.
func (d *Dispatcher) DispatchDueReminders(ctx context.Context, now time.Time, limit int) (domain.ReminderSummary, error) {
	if limit <= 0 {
		limit = d.cfg.BatchSize
	}
	ids, err := d.store.DueIDs(ctx, now, limit)
	if err != nil {
		return domain.ReminderSummary{}, err
	}

	summary := domain.ReminderSummary{Scanned: len(ids)}
	for _, id := range ids {
		var outcome domain.ReminderOutcome
		err := d.store.ProcessLocked(ctx, id, func(ctx context.Context, tx repository.ReminderTx) error {
			var err error
			outcome, err = d.dispatchOne(ctx, tx, now)
			return err
		})
		if err != nil {
			log.WithError(err).WithField("reminder_id", id).Error("Failed to dispatch reminder")
			outcome = domain.OutcomeRetryableFailure
		}
		summary.Apply(outcome)
	}

	log.WithFields(log.Fields{
		"scanned": summary.Scanned,
		"sent":    summary.Sent,
		"failed":  summary.Failed,
		"expired": summary.Expired,
		"skipped": summary.Skipped,
	}).Info("Reminder dispatch finished")
	return summary, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, tx repository.ReminderTx, now time.Time) (domain.ReminderOutcome, error) {
	r, err := tx.Load(ctx, now)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	logCtx := log.WithFields(log.Fields{"reminder_id": r.ID, "page_id": r.PageID})

	if !r.PageStatus.IsOpen() {
		logCtx.WithField("page_status", r.PageStatus).Info("Page no longer open, expiring reminder")
		return domain.OutcomeExpired, tx.Complete(ctx, now)
	}
	if now.Sub(r.RemindAt) > d.cfg.RetryWindow {
		logCtx.Info("Reminder retry window passed, expiring reminder")
		return domain.OutcomeExpired, tx.Complete(ctx, now)
	}

	emailPending := !r.EmailSentAt.Valid
	whatsAppPending := d.waCfg.ReminderDispatch && d.whatsapp != nil && r.WhatsAppEligible() && !r.WhatsAppSentAt.Valid
	if !emailPending && !whatsAppPending {
		return domain.OutcomeSent, tx.Complete(ctx, now)
	}

	vars, err := Vars(r, d.appURL)
	if err != nil {
		logCtx.WithError(err).Error("Reminder template is incomplete, giving up")
		return domain.OutcomeTerminalFailure, tx.Complete(ctx, now)
	}

	if emailPending {
		key := fmt.Sprintf("reminder:%s:%s:email", r.ID, r.RemindAt.UTC().Format(time.RFC3339))
		if err := d.email.SendEmail(ctx, BuildEmail(r.Email, vars), key); err != nil {
			return d.retry(ctx, tx, r, now, logCtx.WithField("channel", "email"), err)
		}
		if err := tx.MarkEmailSent(ctx, now); err != nil {
			return "", err
		}
	}

	if whatsAppPending {
		res, err := d.whatsapp.SendTemplate(ctx, r.WhatsAppPhoneE164.String, WhatsAppTemplate, WhatsAppParams(vars), d.waCfg.TemplateLanguage)
		if err != nil {
			return d.retry(ctx, tx, r, now, logCtx.WithField("channel", "whatsapp"), err)
		}
		if res.Skipped {
			logCtx.WithField("phone", r.WhatsAppPhoneE164.String).Warn("WhatsApp reminder skipped")
		}
		if err := tx.MarkWhatsAppSent(ctx, now, res.MessageID); err != nil {
			return "", err
		}
	}

	logCtx.Info("Reminder sent")
	return domain.OutcomeSent, tx.Complete(ctx, now)
}

func (d *Dispatcher) retry(ctx context.Context, tx repository.ReminderTx, r *domain.DueReminder, now time.Time, logCtx *log.Entry, cause error) (domain.ReminderOutcome, error) {
	retryAt := now.Add(RetryDelay(r.AttemptCount, d.cfg.BaseDelay, d.cfg.MaxDelay))
	logCtx.WithError(cause).WithFields(log.Fields{
		"attempt_count": r.AttemptCount + 1,
		"retry_at":      retryAt.Format(time.RFC3339),
	}).Warn("Reminder send failed, will retry")
	return domain.OutcomeRetryableFailure, tx.Retry(ctx, now, retryAt)
}
