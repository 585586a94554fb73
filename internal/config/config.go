package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	SquareBaseURL         string
	SquareAccessToken     string
	SquareWebhookSecret   string
	SquareNotificationURL string
	SquareMerchantID      string
	UpstreamTimeout       time.Duration

	BootstrapOrgName string

	SingleTenantFallback bool

	RetryDrainInterval time.Duration
	RetryWorkers       int
	RetryMaxAttempts   int
	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration

	BackfillBatchSize  int
	BackfillBatchDelay time.Duration
	BackfillWindow     time.Duration

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
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "squaresync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		SquareBaseURL:         getenv("SQUARE_BASE_URL", "https://connect.squareup.com"),
		SquareAccessToken:     strings.TrimSpace(getenv("SQUARE_ACCESS_TOKEN", "")),
		SquareWebhookSecret:   strings.TrimSpace(getenv("SQUARE_WEBHOOK_SECRET", "")),
		SquareNotificationURL: strings.TrimSpace(getenv("SQUARE_NOTIFICATION_URL", "")),
		SquareMerchantID:      strings.TrimSpace(getenv("SQUARE_MERCHANT_ID", "")),
		UpstreamTimeout:       getenvDuration("UPSTREAM_TIMEOUT", 10*time.Second),

		BootstrapOrgName: getenv("BOOTSTRAP_ORG_NAME", "Main"),

		SingleTenantFallback: getenvBool("SINGLE_TENANT_FALLBACK", false),

		RetryDrainInterval: getenvDuration("RETRY_DRAIN_INTERVAL", time.Minute),
		RetryWorkers:       getenvInt("RETRY_WORKERS", 8),
		RetryMaxAttempts:   getenvInt("RETRY_MAX_ATTEMPTS", 10),
		RetryBackoffBase:   getenvDuration("RETRY_BACKOFF_BASE", 30*time.Second),
		RetryBackoffCap:    getenvDuration("RETRY_BACKOFF_CAP", 6*time.Hour),

		BackfillBatchSize:  getenvInt("BACKFILL_BATCH_SIZE", 100),
		BackfillBatchDelay: getenvDuration("BACKFILL_BATCH_DELAY", time.Second),
		BackfillWindow:     getenvDuration("BACKFILL_WINDOW", 90*24*time.Hour),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "squaresync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewLinkingConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
