package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "http://localhost:8000", cfg.KnowbookAPIURL)
	assert.Equal(t, 24*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout)
	assert.Equal(t, 120, cfg.OutboundRateLimit)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("PORT", "9000")
	t.Setenv("KNOWBOOK_API_URL", "https://api.knowbook.example.com")
	t.Setenv("CREDENTIAL_STALENESS_WINDOW", "12h")
	t.Setenv("HEALTH_CHECK_TIMEOUT", "2s")
	t.Setenv("OUTBOUND_RATE_LIMIT", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "https://api.knowbook.example.com", cfg.KnowbookAPIURL)
	assert.Equal(t, 12*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, 2*time.Second, cfg.HealthTimeout)
	assert.Equal(t, 30, cfg.OutboundRateLimit)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("CREDENTIAL_STALENESS_WINDOW", "not-a-duration")
	t.Setenv("OUTBOUND_RATE_LIMIT", "lots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, 120, cfg.OutboundRateLimit)
}
