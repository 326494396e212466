package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment   string
	AdminAPIToken string

	// Shared secret used to verify JWT-signed provider webhooks.
	WebhookJWTSecret string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Durable task queue
	JobPollInterval   time.Duration
	JobBatchSize      int
	JobMaxAttempts    int
	JobBaseRetryDelay time.Duration
	JobStaleAfter     time.Duration

	// Lease-based send queue
	SendPollInterval time.Duration
	SendBatchSize    int
	SendLease        time.Duration
	SendStaleSending time.Duration
	SendMaxRetries   int

	// Outbound rate limiting
	OutboundRateLimit  int
	OutboundRateWindow time.Duration

	// Payment session policy
	PaymentEnabled            bool
	PaymentMaxAttemptsPerCall int
	PaymentAllowedConnectors  []string
	PaymentReconcileAfter     time.Duration

	ReconcileInterval time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "callkite-cloud"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Port:        getenv("PORT", "8080"),
		Environment: environment,

		AdminAPIToken:    strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		WebhookJWTSecret: strings.TrimSpace(getenv("WEBHOOK_JWT_SECRET", "")),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "callkite"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     10,
		DBMaxOpenConn:     100,
		DBConnMaxLifetime: 3600,
		DBConnMaxIdleTime: 60,

		JobPollInterval:   time.Second * time.Duration(getenvInt("JOB_POLL_INTERVAL_SECONDS", 5)),
		JobBatchSize:      getenvInt("JOB_BATCH_SIZE", 10),
		JobMaxAttempts:    getenvInt("JOB_MAX_ATTEMPTS", 5),
		JobBaseRetryDelay: time.Second * time.Duration(getenvInt("JOB_BASE_RETRY_DELAY_SECONDS", 30)),
		JobStaleAfter:     time.Minute * time.Duration(getenvInt("JOB_STALE_AFTER_MINUTES", 10)),

		SendPollInterval: time.Second * time.Duration(getenvInt("SEND_POLL_INTERVAL_SECONDS", 3)),
		SendBatchSize:    getenvInt("SEND_BATCH_SIZE", 25),
		SendLease:        time.Second * time.Duration(getenvInt("SEND_LEASE_SECONDS", 60)),
		SendStaleSending: time.Minute * time.Duration(getenvInt("SEND_STALE_SENDING_MINUTES", 5)),
		SendMaxRetries:   getenvInt("SEND_MAX_RETRIES", 3),

		OutboundRateLimit:  getenvInt("OUTBOUND_RATE_LIMIT", 30),
		OutboundRateWindow: time.Second * time.Duration(getenvInt("OUTBOUND_RATE_WINDOW_SECONDS", 60)),

		PaymentEnabled:            getenvBool("PAYMENT_ENABLED", true),
		PaymentMaxAttemptsPerCall: getenvInt("PAYMENT_MAX_ATTEMPTS_PER_CALL", 3),
		PaymentAllowedConnectors:  splitList(getenv("PAYMENT_ALLOWED_CONNECTORS", "stripe,adyen")),
		PaymentReconcileAfter:     time.Minute * time.Duration(getenvInt("PAYMENT_RECONCILE_AFTER_MINUTES", 30)),

		ReconcileInterval: time.Second * time.Duration(getenvInt("RECONCILE_INTERVAL_SECONDS", 60)),
	}

	return &cfg
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
