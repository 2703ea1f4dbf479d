package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are loaded from environment variables with defaults that
// let the binary run locally against the in-memory store with no setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDriverKey string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	GeoapifyEndpoint string
	GeoapifyAPIKey   string
	RouteCacheTTL    time.Duration

	StripeAPIKey string
	Currency     string

	WebhookEndpoint string
	WebhookKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisDriverKey:   "drivers_available",
		KafkaTopic:       "ride-events",
		GeoapifyEndpoint: "https://api.geoapify.com",
		RouteCacheTTL:    2 * time.Minute,
		Currency:         "inr",
		LogLevel:         "info",
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
	setStringFromEnv(&cfg.RedisDriverKey, "REDIS_DRIVER_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.GeoapifyEndpoint, "GEOAPIFY_ENDPOINT")
	cfg.GeoapifyAPIKey = os.Getenv("GEOAPIFY_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	cfg.WebhookEndpoint = strings.TrimSpace(os.Getenv("WEBHOOK_ENDPOINT"))
	cfg.WebhookKey = os.Getenv("WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RouteCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("ROUTE_CACHE_TTL must be >= 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig holds the settings for the event consumer that mirrors
// ride events into the Redis availability index.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr      string
	RedisPassword  string
	RedisDriverKey string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaTopic:     "ride-events",
		KafkaGroupID:   "ride-dispatch-consumer",
		RedisDriverKey: "drivers_available",
		MetricsAddr:    ":9102",
		LogLevel:       "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisDriverKey, "REDIS_DRIVER_KEY")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
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
