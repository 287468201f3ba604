package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/api"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/app"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/rabbitmq"
)

func serveCmd() *cobra.Command {
	var (
		migrateOnStart bool
		noScheduler    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background sweeps and the webhook relay consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(migrateOnStart, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the cron sweeps on this instance")
	return cmd
}

func runServe(migrateOnStart, withScheduler bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting numbers-service", zap.String("version", Version), zap.String("port", cfg.ServerPort))

	if migrateOnStart && cfg.StorageDriver != "memory" {
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var relay api.WebhookRelay
	if svc.producer != nil {
		relay = app.NewWebhookRelay(svc.producer, cfg.EventsExchange)

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger.With(zap.String("component", "webhook_relay")))
		if err != nil {
			logger.Warn("webhook relay consumer unavailable; parked webhooks wait for the next instance", zap.Error(err))
		} else {
			defer consumer.Close()
			bindings := map[string]rabbitmq.Handler{
				domain.RoutingWebhookRelayed: svc.reconciler.HandleRelayedWebhook,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.WebhookQueue, bindings); err != nil {
				return fmt.Errorf("start webhook relay consumer: %w", err)
			}
			logger.Info("webhook relay consumer started", zap.String("queue", cfg.WebhookQueue))
		}
	}

	if withScheduler {
		scheduler := app.NewScheduler(svc.reconciler, svc.orders, svc.rates, app.SchedulerConfig{
			PollSchedule:        cfg.PollSchedule,
			RatesSchedule:       fmt.Sprintf("@every %s", cfg.RatesRefreshInterval()),
			OrderExpirySchedule: cfg.OrderExpirySweepSchedule,
		}, logger.With(zap.String("component", "scheduler")))
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
			logger.Info("scheduler stopped")
		}()
	}

	handlers := api.NewHandlers(svc.ledger, svc.funding, svc.orders, svc.reconciler, svc.rates, relay, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWTSecret: cfg.AuthJWTSecret,
			JWKSURL:   cfg.AuthJWKSURL,
			Audience:  cfg.AuthAudience,
			Issuer:    cfg.AuthIssuer,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	if cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		logger.Warn("neither AUTH_JWT_SECRET nor AUTH_JWKS_URL is set; every authenticated route will answer 401")
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("server exited gracefully")
	return nil
}
