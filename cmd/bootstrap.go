package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/app"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/config"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway/campay"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway/flutterwave"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway/notchpay"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway/nowpayments"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/rates"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/events"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/rabbitmq"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/smsclient"
)

// services is everything a command needs, built once from the configuration.
type services struct {
	repo       store.Repository
	ledger     *ledger.Ledger
	rates      *rates.Service
	gateways   *gateway.Registry
	reconciler *app.Reconciler
	funding    *app.FundingService
	orders     *app.OrderManager
	publisher  events.Publisher
	producer   *rabbitmq.EventProducer

	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func(), error) {
	if cfg.StorageDriver == "memory" {
		logger.Warn("using in-memory storage; balances are lost on restart")
		return store.NewMemoryRepository(), func() {}, nil
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Poolers in transaction mode reject cached prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected")
	return store.NewPostgresRepository(pool), pool.Close, nil
}

func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("redis url not set; exchange rates are cached per process")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; exchange rates are cached per process", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; exchange rates are cached per process", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

func openPublisher(cfg config.Config, logger *zap.Logger) (events.Publisher, *rabbitmq.EventProducer) {
	switch cfg.EventBroker {
	case "rabbitmq":
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			logger.Warn("RABBITMQ_URL not set; lifecycle events are only logged")
			return events.NoopPublisher{Logger: logger}, nil
		}
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger.With(zap.String("component", "rabbitmq")))
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; lifecycle events are only logged", zap.Error(err))
			return events.NoopPublisher{Logger: logger}, nil
		}
		logger.Info("rabbitmq producer connected", zap.String("exchange", cfg.EventsExchange))
		return events.NewRabbitPublisher(producer, cfg.EventsExchange), producer
	case "kafka":
		brokers := cfg.KafkaBrokerList()
		if len(brokers) == 0 {
			logger.Warn("KAFKA_BROKERS not set; lifecycle events are only logged")
			return events.NoopPublisher{Logger: logger}, nil
		}
		logger.Info("kafka publisher configured", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
		return events.NewKafkaPublisher(brokers, cfg.KafkaTopic, logger.With(zap.String("component", "kafka"))), nil
	default:
		logger.Info("event broker disabled", zap.String("broker", cfg.EventBroker))
		return events.NoopPublisher{Logger: logger}, nil
	}
}

// buildGateways registers only the providers whose credentials are configured.
func buildGateways(cfg config.Config, policy gateway.RetryPolicy, logger *zap.Logger) *gateway.Registry {
	var gws []gateway.Gateway
	if cfg.CampayUsername != "" && cfg.CampayPassword != "" {
		gws = append(gws, campay.New(campay.Config{
			BaseURL:    cfg.CampayBaseURL,
			Username:   cfg.CampayUsername,
			Password:   cfg.CampayPassword,
			WebhookKey: cfg.CampayWebhookKey,
		}, nil, policy))
	}
	if cfg.FlutterwaveSecret != "" {
		gws = append(gws, flutterwave.New(flutterwave.Config{
			BaseURL:     cfg.FlutterwaveBaseURL,
			SecretKey:   cfg.FlutterwaveSecret,
			WebhookHash: cfg.FlutterwaveHash,
		}, nil, policy))
	}
	if cfg.NotchPayPublicKey != "" {
		gws = append(gws, notchpay.New(notchpay.Config{
			BaseURL:   cfg.NotchPayBaseURL,
			PublicKey: cfg.NotchPayPublicKey,
			HashKey:   cfg.NotchPayHashKey,
		}, nil, policy))
	}
	if cfg.NowPaymentsAPIKey != "" {
		gws = append(gws, nowpayments.New(nowpayments.Config{
			BaseURL:   cfg.NowPaymentsBaseURL,
			APIKey:    cfg.NowPaymentsAPIKey,
			IPNSecret: cfg.NowPaymentsIPNKey,
		}, nil, policy))
	}
	registry := gateway.NewRegistry(gws...)
	if len(gws) == 0 {
		logger.Warn("no payment providers configured; add-funds is disabled")
	} else {
		logger.Info("payment providers configured", zap.Strings("providers", registry.Names()))
	}
	return registry
}

func buildRates(cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (*rates.Service, error) {
	fallback, err := rates.LoadFallback(cfg.RatesFallbackFile)
	if err != nil {
		return nil, err
	}
	var cache rates.Cache
	if redisClient != nil {
		cache = rates.NewRedisCache(redisClient, cfg.RatesCacheKey)
	}
	return rates.NewService(rates.NewHTTPFetcher(cfg.RatesAPIURL, cfg.ProviderTimeout()), cache, fallback, rates.Options{
		Interval:        cfg.RatesRefreshInterval(),
		MarkupPercent:   cfg.MarkupPercent,
		VATPercent:      cfg.VATPercent,
		MarkupOverrides: cfg.MarkupOverrides,
		VATOverrides:    cfg.VATOverrides,
	}, logger.With(zap.String("component", "rates"))), nil
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	s := &services{}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	s.closers = append(s.closers, closeRepo)

	redisClient := openRedis(ctx, cfg, logger)
	if redisClient != nil {
		s.closers = append(s.closers, func() { _ = redisClient.Close() })
	}

	s.publisher, s.producer = openPublisher(cfg, logger)
	s.closers = append(s.closers, func() {
		if err := s.publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	})

	s.rates, err = buildRates(cfg, redisClient, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	policy := gateway.DefaultRetryPolicy()
	policy.Timeout = cfg.ProviderTimeout()
	policy.MaxRetries = cfg.ProviderMaxRetries

	s.gateways = buildGateways(cfg, policy, logger)
	s.ledger = ledger.New(repo, logger.With(zap.String("component", "ledger")))
	s.reconciler = app.NewReconciler(repo, s.ledger, s.gateways, s.publisher, app.ReconcilerConfig{
		PollMinAge:  cfg.PollMinAge(),
		MaxAttempts: cfg.PollMaxAttempts,
		BatchSize:   cfg.PollBatchSize,
		Concurrency: cfg.PollConcurrency,
		MaxAge:      cfg.PaymentMaxAge(),
	}, logger.With(zap.String("component", "reconciler")))
	s.funding = app.NewFundingService(repo, s.gateways, s.rates, s.reconciler, app.FundingConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		ReturnURL:     cfg.FrontendReturnURL,
	}, logger.With(zap.String("component", "funding")))

	if cfg.SMSAPIBaseURL == "" || cfg.SMSAPIKey == "" {
		logger.Warn("SMS provider not configured; number rentals will fail")
	}
	numbers := smsclient.NewClient(cfg.SMSAPIBaseURL, cfg.SMSAPIKey, policy)
	numbers.IDFirst = cfg.SMSIDFirst
	s.orders = app.NewOrderManager(repo, s.ledger, numbers, s.rates, s.publisher, app.OrderConfig{
		FixedMarkupCents: cfg.OrderFixedMarkupCents,
		RentalWindow:     cfg.RentalWindow(),
		ExtensionWindow:  cfg.ExtensionWindow(),
		PriceCurrency:    cfg.SMSPriceCurrency,
		ProviderTimeout:  cfg.ProviderTimeout(),
	}, logger.With(zap.String("component", "orders")))

	return s, nil
}
