package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally on in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisOrdersPrefix string

	KafkaBrokers   []string
	KafkaRideTopic string

	PGDSN string

	MatchRadiusKm     float64
	DriverRetryBudget int
	SearchAttempts    int
	SearchDelay       time.Duration
	OfferTimeout      time.Duration

	QuoteTTL   time.Duration
	PricingURL string

	OSRMURL         string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	StripeAPIKey         string
	StripeCurrency       string
	LedgerDefaultBalance decimal.Decimal

	IdentityHeader string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisOrdersPrefix:    "pending",
		KafkaRideTopic:       "ride-events",
		MatchRadiusKm:        3,
		DriverRetryBudget:    3,
		SearchAttempts:       10,
		SearchDelay:          60 * time.Second,
		QuoteTTL:             10 * time.Minute,
		ETACacheTTL:          5 * time.Minute,
		DefaultSpeedMps:      8,
		StripeCurrency:       "usd",
		LedgerDefaultBalance: decimal.Zero,
		IdentityHeader:       "X-User-ID",
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisOrdersPrefix, "REDIS_ORDERS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DriverRetryBudget, "DRIVER_RETRY_BUDGET", &errs)
	setIntFromEnv(&cfg.SearchAttempts, "SEARCH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SearchDelay, "SEARCH_DELAY", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.QuoteTTL, "QUOTE_TTL", &errs)
	setStringFromEnv(&cfg.PricingURL, "PRICING_URL")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	setDecimalFromEnv(&cfg.LedgerDefaultBalance, "LEDGER_DEFAULT_BALANCE", &errs)

	setStringFromEnv(&cfg.IdentityHeader, "IDENTITY_HEADER")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.DriverRetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_RETRY_BUDGET must be > 0"))
	}
	if cfg.SearchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_ATTEMPTS must be > 0"))
	}
	if cfg.SearchDelay < 0 || cfg.OfferTimeout < 0 {
		errs = append(errs, fmt.Errorf("SEARCH_DELAY and OFFER_TIMEOUT must not be negative"))
	}
	if cfg.LedgerDefaultBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("LEDGER_DEFAULT_BALANCE must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the ride event consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	Topic        string
	Group        string
	RedisAddr    string
	RedisRetries int
	RetryDelay   time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "ride-events",
		Group:        "taxi-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisRetries: 3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setIntFromEnv(&cfg.RedisRetries, "REDIS_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RedisRetries <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setDecimalFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
