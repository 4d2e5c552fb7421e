package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Module("config", fx.Provide(Load))

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr     string
	OTLPEndpoint string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Credit    CreditConfig
	Catalog   CatalogConfig
	RateLimit RateLimitConfig
}

// CreditConfig tunes the credit ledger service.
type CreditConfig struct {
	// BalanceTTL bounds how long a cached balance may be served
	// without a fresh store read.
	BalanceTTL time.Duration
	// CacheIdleHorizon is how long an untouched cache entry survives
	// before the sweeper drops it.
	CacheIdleHorizon time.Duration
	// CacheSweepInterval is how often the idle sweeper runs.
	CacheSweepInterval time.Duration
	// AIScanWindow bounds the transaction scan backing the monthly AI
	// quota check.
	AIScanWindow int
	// WatchBackoffInitial seeds the balance watcher's reconnect backoff.
	WatchBackoffInitial time.Duration
	// WatchBackoffMax caps the balance watcher's reconnect backoff.
	WatchBackoffMax time.Duration
}

// CatalogConfig locates the feature cost and role policy catalog.
type CatalogConfig struct {
	Path string
	// Strict rejects feature keys absent from the catalog instead of
	// treating them as free.
	Strict bool
}

// RateLimitConfig tunes the per-user spend rate limiter.
type RateLimitConfig struct {
	Enabled    bool
	SpendRate  float64
	SpendBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "lernova-credits"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "credits"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Credit: CreditConfig{
			BalanceTTL:          getenvDuration("CREDIT_BALANCE_TTL", 30*time.Second),
			CacheIdleHorizon:    getenvDuration("CREDIT_CACHE_IDLE_HORIZON", 15*time.Minute),
			CacheSweepInterval:  getenvDuration("CREDIT_CACHE_SWEEP_INTERVAL", time.Minute),
			AIScanWindow:        getenvInt("CREDIT_AI_SCAN_WINDOW", 200),
			WatchBackoffInitial: getenvDuration("CREDIT_WATCH_BACKOFF_INITIAL", 500*time.Millisecond),
			WatchBackoffMax:     getenvDuration("CREDIT_WATCH_BACKOFF_MAX", 30*time.Second),
		},
		Catalog: CatalogConfig{
			Path:   strings.TrimSpace(getenv("CATALOG_PATH", "")),
			Strict: getenvBool("CATALOG_STRICT", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			SpendRate:  getenvFloat("RATE_LIMIT_SPEND_RATE", 5),
			SpendBurst: getenvInt("RATE_LIMIT_SPEND_BURST", 10),
		},
	}
}

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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
