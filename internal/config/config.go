package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	LogLevel    string
	CORSOrigins []string

	StoreDriver   string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	EncryptionKey string

	StripeAPIKey        string
	StripeWebhookSecret string
	MonthlyPriceID      string
	AnnualPriceID       string

	WebhookTimeout       time.Duration
	ProviderQueryTimeout time.Duration
	PaymentFailedPolicy  string

	CacheTimeout        time.Duration
	LocalFallbackMaxAge time.Duration
	PushIdleTimeout     time.Duration
	FreeWorkoutLimit    int

	HealthCheckInterval    time.Duration
	HealthLookback         time.Duration
	WebhookDeliveryTimeout time.Duration
	MaxFailedEvents        int
	StuckThreshold         time.Duration

	RecoveryMaxRetries   int
	RecoveryBaseBackoff  time.Duration
	RecoveryRecheckAfter time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:        p.int("PORT", 4001),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		StripeAPIKey:        getEnv("STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		MonthlyPriceID:      getEnv("STRIPE_PRICE_MONTHLY", ""),
		AnnualPriceID:       getEnv("STRIPE_PRICE_ANNUAL", ""),

		WebhookTimeout:       p.duration("WEBHOOK_TIMEOUT", 55*time.Second),
		ProviderQueryTimeout: p.duration("PROVIDER_QUERY_TIMEOUT", 10*time.Second),
		PaymentFailedPolicy:  getEnv("PAYMENT_FAILED_POLICY", "fixed"),

		CacheTimeout:        p.duration("CACHE_TIMEOUT", 5*time.Minute),
		LocalFallbackMaxAge: p.duration("LOCAL_FALLBACK_MAX_AGE", 24*time.Hour),
		PushIdleTimeout:     p.duration("PUSH_IDLE_TIMEOUT", 30*time.Minute),
		FreeWorkoutLimit:    p.int("FREE_WORKOUT_LIMIT", 3),

		HealthCheckInterval:    p.duration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthLookback:         p.duration("HEALTH_LOOKBACK", time.Hour),
		WebhookDeliveryTimeout: p.duration("WEBHOOK_DELIVERY_TIMEOUT", 30*time.Second),
		MaxFailedEvents:        p.int("MAX_FAILED_EVENTS", 3),
		StuckThreshold:         p.duration("STUCK_THRESHOLD", 2*time.Minute),

		RecoveryMaxRetries:   p.int("RECOVERY_MAX_RETRIES", 3),
		RecoveryBaseBackoff:  p.duration("RECOVERY_BASE_BACKOFF", 500*time.Millisecond),
		RecoveryRecheckAfter: p.duration("RECOVERY_RECHECK_AFTER", 10*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}

	origins := strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	cfg.CORSOrigins = origins

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.RedisURL != "" && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required when REDIS_URL is set (seals local fallback copies)")
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_API_KEY is set")
	}
	switch c.PaymentFailedPolicy {
	case "fixed", "requery":
	default:
		return fmt.Errorf("PAYMENT_FAILED_POLICY must be fixed or requery, got %q", c.PaymentFailedPolicy)
	}
	if c.ProviderQueryTimeout >= c.WebhookTimeout {
		return fmt.Errorf("PROVIDER_QUERY_TIMEOUT (%s) must be shorter than WEBHOOK_TIMEOUT (%s)", c.ProviderQueryTimeout, c.WebhookTimeout)
	}
	if c.MaxFailedEvents < 1 {
		return fmt.Errorf("MAX_FAILED_EVENTS must be at least 1")
	}
	if c.RecoveryMaxRetries < 1 {
		return fmt.Errorf("RECOVERY_MAX_RETRIES must be at least 1")
	}
	if c.FreeWorkoutLimit < 0 {
		return fmt.Errorf("FREE_WORKOUT_LIMIT must not be negative")
	}
	return nil
}

// UseStripe reports whether the real billing provider is configured.
func (c *Config) UseStripe() bool {
	return c.StripeAPIKey != ""
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid duration %q", key, v)
	}
	if d <= 0 && err == nil && p.err == nil {
		p.err = fmt.Errorf("%s: must be positive", key)
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
