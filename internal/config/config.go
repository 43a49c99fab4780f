package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string
	Environment string

	// Knowbook API
	KnowbookAPIURL   string
	KnowbookAdminKey string

	// Auth service
	AuthURL        string
	AuthServiceKey string
	AuthJWTSecret  string
	AuthEventsURL  string

	// OAuth sign-in through the auth service
	OAuthClientID     string
	OAuthClientSecret string

	// Frontend
	SiteURL string
	// This server's public URL, used for OAuth redirect targets
	SelfURL string

	// Optional backends
	DatabaseURL   string
	RedisURL      string
	OpsWebhookURL string

	// Credential policy
	StalenessWindow time.Duration
	HealthTimeout   time.Duration

	// Outbound rate limit (requests per minute against the Knowbook API)
	OutboundRateLimit int
}

func Load() (*Config, error) {
	// Try loading from current directory first, then parent.
	// Errors are ignored: in docker/k8s the env vars are set directly.
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		KnowbookAPIURL:   getEnv("KNOWBOOK_API_URL", "http://localhost:8000"),
		KnowbookAdminKey: getEnv("KNOWBOOK_ADMIN_API_KEY", ""),

		AuthURL:        getEnv("AUTH_URL", "http://localhost:9999"),
		AuthServiceKey: getEnv("AUTH_SERVICE_KEY", ""),
		AuthJWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		AuthEventsURL:  getEnv("AUTH_EVENTS_URL", ""),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),

		SiteURL: getEnv("SITE_URL", "http://localhost:3000"),
		SelfURL: getEnv("API_URL", "http://localhost:8080"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		OpsWebhookURL: getEnv("OPS_WEBHOOK_URL", ""),

		StalenessWindow: getDurationEnv("CREDENTIAL_STALENESS_WINDOW", 24*time.Hour),
		HealthTimeout:   getDurationEnv("HEALTH_CHECK_TIMEOUT", 5*time.Second),

		OutboundRateLimit: getIntEnv("OUTBOUND_RATE_LIMIT", 120),
	}

	if cfg.AuthJWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
