package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the desk backend.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Localization and logging
	Language  string // "en" or "es"
	LogLevel  string
	LogFormat string // "console" or "json"

	// Broker terminal
	BrokerMode        string // "sim" (default) or "bridge"
	BrokerBridgeURL   string
	BrokerBridgeToken string
	BrokerTimeout     time.Duration
	BrokerRetries     int
	SimBalance        float64
	SimCurrency       string
	SimLeverage       int

	// Hint side-store
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	HintTTL       time.Duration

	// Strategy catalog override (YAML)
	CatalogPath string

	// Per-user controller eviction
	SessionIdleTTL time.Duration

	// HTTP edge
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/tradedesk.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            dbPath,
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		Language:          strings.ToLower(getEnv("LANGUAGE", "en")),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "console")),
		BrokerMode:        strings.ToLower(getEnv("BROKER_MODE", "sim")),
		BrokerBridgeURL:   getEnv("BROKER_BRIDGE_URL", "http://localhost:8001"),
		BrokerBridgeToken: os.Getenv("BROKER_BRIDGE_TOKEN"),
		BrokerTimeout:     time.Duration(getEnvInt("BROKER_TIMEOUT_MS", 10000)) * time.Millisecond,
		BrokerRetries:     getEnvInt("BROKER_RETRIES", 5),
		SimBalance:        getEnvFloat("SIM_BALANCE", 10000.0),
		SimCurrency:       getEnv("SIM_CURRENCY", "USD"),
		SimLeverage:       getEnvInt("SIM_LEVERAGE", 100),
		RedisEnabled:      getEnvBool("REDIS_ENABLED", false),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisPoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
		HintTTL:           time.Duration(getEnvInt("HINT_TTL_HOURS", 24*30)) * time.Hour,
		CatalogPath:       os.Getenv("CATALOG_PATH"),
		SessionIdleTTL:    time.Duration(getEnvInt("SESSION_IDLE_TTL_MIN", 60)) * time.Minute,
		CORSOrigins:       splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 50),
	}, nil
}

// BridgeMode reports whether the broker terminal is reached over HTTP.
func (c *Config) BridgeMode() bool {
	return c.BrokerMode == "bridge"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
