package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chipin-service/internal/config"
	"chipin-service/internal/disbursement"
	"chipin-service/internal/handler"
	"chipin-service/internal/payments"
	"chipin-service/internal/ratelimit"
	"chipin-service/internal/repository"
	"chipin-service/internal/secrets"
	"chipin-service/internal/sender"
	"chipin-service/internal/service/ledger"
	"chipin-service/internal/service/payout"
	"chipin-service/internal/service/reminder"
	"chipin-service/internal/service/webhook"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// app holds every wired component. Commands build one and use the parts
// they need.
type app struct {
	cfg   config.Config
	db    *sql.DB
	redis *redis.Client

	pages      *repository.PostgresPageRepository
	builder    *webhook.PagePayloadBuilder
	gateways   *payments.Registry
	ledger     *ledger.Service
	reconciler *ledger.Reconciler
	payouts    *payout.Service
	webhooks   *webhook.Dispatcher
	reminders  *reminder.Dispatcher
	limiter    *ratelimit.FixedWindow
}

func newApp(cfg config.Config) (*app, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	rdb, err := ratelimit.Connect(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Card numbers and endpoint secrets stay sealed when no key is configured;
	// the consumers of these interfaces treat nil as "unavailable".
	var (
		opener webhook.SecretOpener
		cards  disbursement.CardDecrypter
	)
	box, err := secrets.NewBox(cfg.EncryptionKey)
	switch {
	case errors.Is(err, secrets.ErrNoKey):
		log.Warn("CARD_DATA_ENCRYPTION_KEY is not set, encrypted fields cannot be opened")
	case err != nil:
		db.Close()
		rdb.Close()
		return nil, err
	default:
		opener, cards = box, box
	}

	contributions := repository.NewPostgresContributionRepository(db)
	pages := repository.NewPostgresPageRepository(db)
	builder := webhook.NewPagePayloadBuilder(pages, contributions, cfg.AppURL)

	gateways := payments.NewRegistry(
		payments.NewPayFastGateway(cfg.PayFast, cfg.Production),
		payments.NewOzowGateway(cfg.Ozow, rdb),
		payments.NewSnapScanGateway(cfg.SnapScan),
	)
	log.WithField("networks", gateways.Available()).Info("Payment networks configured")

	emails := sender.NewLoggingEmailSender(
		sender.NewSMTPEmailSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.Timeout),
		repository.NewPostgresEmailRepository(db),
	)
	var whatsapp sender.WhatsAppSender
	if cfg.WhatsApp.AccessToken != "" && cfg.WhatsApp.PhoneNumberID != "" {
		whatsapp = sender.NewCloudWhatsAppSender(
			cfg.WhatsApp.APIBaseURL,
			cfg.WhatsApp.APIVersion,
			cfg.WhatsApp.PhoneNumberID,
			cfg.WhatsApp.AccessToken,
			cfg.WhatsApp.TemplateLanguage,
		)
	}

	dispatcher := webhook.NewDispatcher(repository.NewPostgresWebhookRepository(db), pages, builder, opener, cfg.Webhooks)
	ledgerSvc := ledger.NewService(contributions, pages, dispatcher, builder)

	return &app{
		cfg:        cfg,
		db:         db,
		redis:      rdb,
		pages:      pages,
		builder:    builder,
		gateways:   gateways,
		ledger:     ledgerSvc,
		reconciler: ledger.NewReconciler(contributions, ledgerSvc, gateways, emails, cfg.Reconciliation),
		payouts: payout.NewService(payout.Dependencies{
			Payouts:  repository.NewPostgresPayoutRepository(db),
			Pages:    pages,
			Totals:   contributions,
			Audit:    repository.NewPostgresAuditRepository(db),
			Events:   dispatcher,
			Builder:  builder,
			Handlers: disbursement.NewRegistry(cfg, cards),
		}),
		webhooks:  dispatcher,
		reminders: reminder.NewDispatcher(repository.NewPostgresReminderRepository(db), emails, whatsapp, cfg),
		limiter:   ratelimit.NewFixedWindow(rdb, "chipin:webhook", cfg.RateLimit.WebhookLimit, cfg.RateLimit.WebhookWindow),
	}, nil
}

func (a *app) handler() *handler.Handler {
	return handler.NewHandler(handler.Dependencies{
		Ledger:     a.ledger,
		Gateways:   a.gateways,
		Limiter:    a.limiter,
		Reconciler: a.reconciler,
		Payouts:    a.payouts,
		Webhooks:   a.webhooks,
		Reminders:  a.reminders,
		Config:     a.cfg,
	})
}

func (a *app) Close() {
	if err := a.redis.Close(); err != nil {
		log.WithError(err).Warn("Failed to close redis client")
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}
}

// runMigrations applies db/migrations with a dedicated migrations table so the
// service can share a database with the web app.
func runMigrations(cfg config.Config) error {
	migrationDBURL := cfg.DatabaseURL
	if strings.Contains(migrationDBURL, "?") {
		migrationDBURL += "&x-migrations-table=chipin_schema_migrations"
	} else {
		migrationDBURL += "?x-migrations-table=chipin_schema_migrations"
	}

	m, err := migrate.New(cfg.MigrationsPath, migrationDBURL)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migration: %w", err)
	}
	log.Info("Database migration successfully applied")
	return nil
}
