package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/consumer"
	"chipin-service/internal/handler"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chipin",
		Short: "ChipIn payments, payouts and notifications service",
		// Every subcommand needs configuration and logging.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			config.SetupLogger(cfg.LogLevel)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type configKey struct{}

func configFrom(cmd *cobra.Command) config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(config.Config)
	return cfg
}

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(configFrom(cmd))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func serveCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve provider webhooks, internal jobs and the payout API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if !skipMigrations {
				if err := runMigrations(cfg); err != nil {
					return err
				}
			}
			return withApp(cmd, func(a *app) error {
				srv := &http.Server{
					Addr:              cfg.HTTPAddr,
					Handler:           handler.NewRouter(a.handler()),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					log.WithField("addr", cfg.HTTPAddr).Info("Starting HTTP server")
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					return err
				case <-cmd.Context().Done():
					log.Info("Shutting down HTTP server")
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply database migrations on start")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume page closed and payout automation events from Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			servers := strings.Trim(cfg.Kafka.BootstrapServers, "\"")
			if servers == "" {
				return errors.New("KAFKA_BOOTSTRAP_SERVERS is not set")
			}
			log.WithField("kafka_servers", servers).Info("Connecting to Kafka")

			return withApp(cmd, func(a *app) error {
				configMap := &kafka.ConfigMap{
					"bootstrap.servers": servers,
					"group.id":          cfg.Kafka.GroupID,
					"auto.offset.reset": "earliest",
				}
				kc, err := kafka.NewConsumer(configMap)
				if err != nil {
					return fmt.Errorf("failed to create Kafka consumer: %w", err)
				}

				c, err := consumer.NewKafkaConsumer(kc, map[string]consumer.MessageHandler{
					cfg.Kafka.PageClosedTopic: handler.NewPageClosedHandler(a.pages, a.webhooks, a.builder, a.payouts),
					cfg.Kafka.AutomationTopic: handler.NewAutomationHandler(a.payouts, cfg.Automation),
				})
				if err != nil {
					kc.Close()
					return err
				}
				defer c.Close()

				if err := c.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrations(configFrom(cmd))
		},
	}
}

// jobsCmd runs one pass of a scheduled job and prints its summary, for
// cron-style schedulers that prefer a process over the internal HTTP routes.
func jobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run a single pass of a background job",
	}
	cmd.PersistentFlags().IntVar(&limit, "limit", 0, "batch size, 0 uses the configured default")

	batch := func(def int) int {
		if limit > 0 {
			return limit
		}
		return def
	}

	job := func(use, short string, run func(ctx context.Context, a *app) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(a *app) error {
					out, err := run(cmd.Context(), a)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				})
			},
		}
	}

	cmd.AddCommand(
		job("webhooks", "Deliver due partner webhook events", func(ctx context.Context, a *app) (any, error) {
			return a.webhooks.ProcessQueue(ctx, batch(a.cfg.Webhooks.BatchSize))
		}),
		job("reminders", "Send due contribution reminders", func(ctx context.Context, a *app) (any, error) {
			return a.reminders.DispatchDueReminders(ctx, time.Now(), batch(a.cfg.Reminders.BatchSize))
		}),
		job("reconcile", "Reconcile pending contributions against provider records", func(ctx context.Context, a *app) (any, error) {
			return a.reconciler.Run(ctx)
		}),
		job("payouts", "Create payouts for closed pages that have none", func(ctx context.Context, a *app) (any, error) {
			return a.payouts.CreateMissingPayouts(ctx, batch(50))
		}),
	)
	return cmd
}
