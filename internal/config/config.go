/**
 * @description
 * Configuration for the numbers-service. Values come from environment variables, with an
 * optional .env file in the given path, and are normalised after unmarshalling so the rest
 * of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: environment and .env binding.
 * - github.com/shopspring/decimal: markup and VAT percentages.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration variables for the numbers-service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	StorageDriver  string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RatesCacheKey  string `mapstructure:"RATES_CACHE_KEY"`
	EventBroker    string `mapstructure:"EVENT_BROKER"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
	WebhookQueue   string `mapstructure:"WEBHOOK_RELAY_QUEUE"`
	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string `mapstructure:"KAFKA_TOPIC"`

	AuthJWTSecret      string `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWKSURL        string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer         string `mapstructure:"AUTH_ISSUER"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PublicBaseURL      string `mapstructure:"PUBLIC_BASE_URL"`
	FrontendReturnURL  string `mapstructure:"FRONTEND_RETURN_URL"`

	ProviderTimeoutSeconds int `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	ProviderMaxRetries     int `mapstructure:"PROVIDER_MAX_RETRIES"`

	CampayBaseURL      string `mapstructure:"CAMPAY_BASE_URL"`
	CampayUsername     string `mapstructure:"CAMPAY_USERNAME"`
	CampayPassword     string `mapstructure:"CAMPAY_PASSWORD"`
	CampayWebhookKey   string `mapstructure:"CAMPAY_WEBHOOK_KEY"`
	FlutterwaveBaseURL string `mapstructure:"FLUTTERWAVE_BASE_URL"`
	FlutterwaveSecret  string `mapstructure:"FLUTTERWAVE_SECRET_KEY"`
	FlutterwaveHash    string `mapstructure:"FLUTTERWAVE_WEBHOOK_HASH"`
	NotchPayBaseURL    string `mapstructure:"NOTCHPAY_BASE_URL"`
	NotchPayPublicKey  string `mapstructure:"NOTCHPAY_PUBLIC_KEY"`
	NotchPayHashKey    string `mapstructure:"NOTCHPAY_WEBHOOK_HASH"`
	NowPaymentsBaseURL string `mapstructure:"NOWPAYMENTS_BASE_URL"`
	NowPaymentsAPIKey  string `mapstructure:"NOWPAYMENTS_API_KEY"`
	NowPaymentsIPNKey  string `mapstructure:"NOWPAYMENTS_IPN_SECRET"`

	SMSAPIBaseURL    string `mapstructure:"SMS_API_BASE_URL"`
	SMSAPIKey        string `mapstructure:"SMS_API_KEY"`
	SMSPriceCurrency string `mapstructure:"SMS_PRICE_CURRENCY"`
	SMSIDFirst       bool   `mapstructure:"SMS_ID_FIRST"`

	OrderFixedMarkupCents    int64  `mapstructure:"ORDER_FIXED_MARKUP_CENTS"`
	OrderRentalMinutes       int    `mapstructure:"ORDER_RENTAL_MINUTES"`
	OrderExtensionMinutes    int    `mapstructure:"ORDER_EXTENSION_MINUTES"`
	OrderExpirySweepSchedule string `mapstructure:"ORDER_EXPIRY_SWEEP_SCHEDULE"`

	RatesAPIURL          string `mapstructure:"RATES_API_URL"`
	RatesRefreshHours    int    `mapstructure:"RATES_REFRESH_HOURS"`
	RatesFallbackFile    string `mapstructure:"RATES_FALLBACK_FILE"`
	RatesDefaultMarkup   string `mapstructure:"RATES_DEFAULT_MARKUP_PERCENT"`
	RatesDefaultVAT      string `mapstructure:"RATES_DEFAULT_VAT_PERCENT"`
	RatesMarkupOverrides string `mapstructure:"RATES_MARKUP_OVERRIDES"`
	RatesVATOverrides    string `mapstructure:"RATES_VAT_OVERRIDES"`

	PollSchedule       string `mapstructure:"POLL_SCHEDULE"`
	PollMinAgeSeconds  int    `mapstructure:"POLL_MIN_AGE_SECONDS"`
	PollMaxAttempts    int    `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollBatchSize      int    `mapstructure:"POLL_BATCH_SIZE"`
	PollConcurrency    int    `mapstructure:"POLL_CONCURRENCY"`
	PaymentMaxAgeHours int    `mapstructure:"PAYMENT_MAX_AGE_HOURS"`

	// Parsed forms, filled in by LoadConfig.
	MarkupPercent   decimal.Decimal            `mapstructure:"-"`
	VATPercent      decimal.Decimal            `mapstructure:"-"`
	MarkupOverrides map[string]decimal.Decimal `mapstructure:"-"`
	VATOverrides    map[string]decimal.Decimal `mapstructure:"-"`
}

var configKeys = []string{
	"SERVER_PORT", "LOG_LEVEL", "STORAGE_DRIVER", "DATABASE_URL", "REDIS_URL", "RATES_CACHE_KEY",
	"EVENT_BROKER", "RABBITMQ_URL", "EVENTS_EXCHANGE", "WEBHOOK_RELAY_QUEUE", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"AUTH_JWT_SECRET", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_ISSUER", "CORS_ALLOWED_ORIGINS", "PUBLIC_BASE_URL", "FRONTEND_RETURN_URL",
	"PROVIDER_TIMEOUT_SECONDS", "PROVIDER_MAX_RETRIES",
	"CAMPAY_BASE_URL", "CAMPAY_USERNAME", "CAMPAY_PASSWORD", "CAMPAY_WEBHOOK_KEY",
	"FLUTTERWAVE_BASE_URL", "FLUTTERWAVE_SECRET_KEY", "FLUTTERWAVE_WEBHOOK_HASH",
	"NOTCHPAY_BASE_URL", "NOTCHPAY_PUBLIC_KEY", "NOTCHPAY_WEBHOOK_HASH",
	"NOWPAYMENTS_BASE_URL", "NOWPAYMENTS_API_KEY", "NOWPAYMENTS_IPN_SECRET",
	"SMS_API_BASE_URL", "SMS_API_KEY", "SMS_PRICE_CURRENCY", "SMS_ID_FIRST",
	"ORDER_FIXED_MARKUP_CENTS", "ORDER_RENTAL_MINUTES", "ORDER_EXTENSION_MINUTES", "ORDER_EXPIRY_SWEEP_SCHEDULE",
	"RATES_API_URL", "RATES_REFRESH_HOURS", "RATES_FALLBACK_FILE", "RATES_DEFAULT_MARKUP_PERCENT",
	"RATES_DEFAULT_VAT_PERCENT", "RATES_MARKUP_OVERRIDES", "RATES_VAT_OVERRIDES",
	"POLL_SCHEDULE", "POLL_MIN_AGE_SECONDS", "POLL_MAX_ATTEMPTS", "POLL_BATCH_SIZE", "POLL_CONCURRENCY",
	"PAYMENT_MAX_AGE_HOURS",
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
// Normalisation warnings are written to logger, which may be nil.
func LoadConfig(path string, logger *zap.Logger) (config Config, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORAGE_DRIVER", "postgres")
	viper.SetDefault("RATES_CACHE_KEY", "numbers:rates:usd")
	viper.SetDefault("EVENT_BROKER", "rabbitmq")
	viper.SetDefault("EVENTS_EXCHANGE", "numbers_events")
	viper.SetDefault("WEBHOOK_RELAY_QUEUE", "numbers_service.webhook_relay")
	viper.SetDefault("KAFKA_TOPIC", "numbers.events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("FRONTEND_RETURN_URL", "http://localhost:3000/wallet")
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PROVIDER_MAX_RETRIES", 3)
	viper.SetDefault("CAMPAY_BASE_URL", "https://demo.campay.net/api")
	viper.SetDefault("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com")
	viper.SetDefault("NOTCHPAY_BASE_URL", "https://api.notchpay.co")
	viper.SetDefault("NOWPAYMENTS_BASE_URL", "https://api.nowpayments.io")
	viper.SetDefault("SMS_PRICE_CURRENCY", "USD")
	viper.SetDefault("ORDER_FIXED_MARKUP_CENTS", 0)
	viper.SetDefault("ORDER_RENTAL_MINUTES", 20)
	viper.SetDefault("ORDER_EXTENSION_MINUTES", 10)
	viper.SetDefault("ORDER_EXPIRY_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("RATES_API_URL", "https://open.er-api.com/v6/latest/USD")
	viper.SetDefault("RATES_REFRESH_HOURS", 24)
	viper.SetDefault("RATES_DEFAULT_MARKUP_PERCENT", "0")
	viper.SetDefault("RATES_DEFAULT_VAT_PERCENT", "0")
	viper.SetDefault("POLL_SCHEDULE", "@every 2m")
	viper.SetDefault("POLL_MIN_AGE_SECONDS", 120)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 10)
	viper.SetDefault("POLL_BATCH_SIZE", 100)
	viper.SetDefault("POLL_CONCURRENCY", 8)
	viper.SetDefault("PAYMENT_MAX_AGE_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Warn("failed to read config file; using environment values", zap.Error(err))
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	config.EventBroker = strings.ToLower(strings.TrimSpace(config.EventBroker))
	config.SMSPriceCurrency = strings.ToUpper(strings.TrimSpace(config.SMSPriceCurrency))
	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")

	if config.OrderFixedMarkupCents < 0 {
		logger.Warn("negative order markup configured; coercing to zero", zap.Int64("markup_cents", config.OrderFixedMarkupCents))
		config.OrderFixedMarkupCents = 0
	}
	if config.OrderRentalMinutes <= 0 {
		config.OrderRentalMinutes = 20
	}
	if config.OrderExtensionMinutes <= 0 {
		config.OrderExtensionMinutes = 10
	}
	if config.ProviderTimeoutSeconds <= 0 {
		config.ProviderTimeoutSeconds = 30
	}
	if config.ProviderMaxRetries < 0 {
		config.ProviderMaxRetries = 0
	}
	if config.RatesRefreshHours <= 0 {
		config.RatesRefreshHours = 24
	}
	if config.PollMaxAttempts <= 0 {
		config.PollMaxAttempts = 10
	}
	if config.PollBatchSize <= 0 {
		config.PollBatchSize = 100
	}
	if config.PollConcurrency <= 0 {
		config.PollConcurrency = 8
	}
	if config.PollMinAgeSeconds < 0 {
		config.PollMinAgeSeconds = 120
	}
	if config.PaymentMaxAgeHours <= 0 {
		config.PaymentMaxAgeHours = 24
	}

	config.MarkupPercent = parsePercent(logger, "RATES_DEFAULT_MARKUP_PERCENT", config.RatesDefaultMarkup)
	config.VATPercent = parsePercent(logger, "RATES_DEFAULT_VAT_PERCENT", config.RatesDefaultVAT)
	if config.MarkupOverrides, err = ParseOverrides(config.RatesMarkupOverrides); err != nil {
		return config, fmt.Errorf("RATES_MARKUP_OVERRIDES: %w", err)
	}
	if config.VATOverrides, err = ParseOverrides(config.RatesVATOverrides); err != nil {
		return config, fmt.Errorf("RATES_VAT_OVERRIDES: %w", err)
	}

	return config, nil
}

// ProviderTimeout is the per-call budget for outbound provider requests.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c Config) RentalWindow() time.Duration {
	return time.Duration(c.OrderRentalMinutes) * time.Minute
}

func (c Config) ExtensionWindow() time.Duration {
	return time.Duration(c.OrderExtensionMinutes) * time.Minute
}

func (c Config) RatesRefreshInterval() time.Duration {
	return time.Duration(c.RatesRefreshHours) * time.Hour
}

func (c Config) PollMinAge() time.Duration {
	return time.Duration(c.PollMinAgeSeconds) * time.Second
}

func (c Config) PaymentMaxAge() time.Duration {
	return time.Duration(c.PaymentMaxAgeHours) * time.Hour
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	origins := splitList(c.CORSAllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// ParseOverrides reads "XAF:2.5,NGN:1" into a per-currency map.
func ParseOverrides(raw string) (map[string]decimal.Decimal, error) {
	overrides := make(map[string]decimal.Decimal)
	for _, pair := range splitList(raw) {
		currency, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed override %q, expected CUR:percent", pair)
		}
		percent, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid percent for %s: %w", currency, err)
		}
		if percent.IsNegative() {
			return nil, fmt.Errorf("negative percent for %s", currency)
		}
		overrides[strings.ToUpper(strings.TrimSpace(currency))] = percent
	}
	return overrides, nil
}

func parsePercent(logger *zap.Logger, key, raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		logger.Warn("invalid percent; using zero", zap.String("key", key), zap.String("value", raw), zap.Error(err))
		return decimal.Zero
	}
	if value.IsNegative() {
		logger.Warn("negative percent configured; coercing to zero", zap.String("key", key), zap.String("value", raw))
		return decimal.Zero
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
