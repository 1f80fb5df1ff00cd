package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"CART_SERVICE_URL":        "http://cart.internal:8081/",
		"CART_OP_TIMEOUT":         "",
		"CART_FETCH_MAX_ATTEMPTS": "",
		"PORT":                    "",
		"AUTH_CLOCK_SKEW":         "",
		"AUTH_JWT_SECRET":         "",
	})
	require.NoError(t, err)
	require.Empty(t, cfg.AuthJWTSecret)
	require.Equal(t, 30*time.Second, cfg.AuthClockSkew)
	require.Equal(t, "http://cart.internal:8081", cfg.CartServiceURL)
	require.Equal(t, 10*time.Second, cfg.CartOpTimeout)
	require.Equal(t, 3, cfg.CartFetchMaxAttempts)
	require.Equal(t, 10, cfg.SessionStartMax)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, ":8081", cfg.CartSvcAddr())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"CART_SERVICE_URL":           "https://cart.example.com",
		"CART_OP_TIMEOUT":            "3s",
		"CART_FETCH_MAX_ATTEMPTS":    "0",
		"CART_RETRY_JITTER":          "0.5",
		"CART_BREAKER_FAILURE_RATIO": "0.25",
		"CORS_ALLOWED_ORIGINS":       "https://app.example.com, https://admin.example.com",
		"RATE_LIMIT_MAX":             "5",
		"SESSION_START_RATE_MAX":     "3",
		"SESSION_IDLE_TTL":           "5m",
		"TRACING_ENABLED":            "true",
		"PORT":                       ":9000",
		"AUTH_JWT_SECRET":            " s3cret ",
		"AUTH_AUDIENCE":              "mobile",
		"HTTP_LATENCY_BUCKETS_MS":    "10,100",
	})
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.CartOpTimeout)
	require.Equal(t, 1, cfg.CartFetchMaxAttempts)
	require.InDelta(t, 0.5, cfg.CartRetryJitter, 1e-9)
	require.InDelta(t, 0.25, cfg.BreakerFailureRatio, 1e-9)
	require.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 5, cfg.RateLimitMax)
	require.Equal(t, 3, cfg.SessionStartMax)
	require.Equal(t, 5*time.Minute, cfg.SessionIdleTTL)
	require.True(t, cfg.TracingEnabled)
	require.Equal(t, ":9000", cfg.HTTPAddr())
	require.Equal(t, "s3cret", cfg.AuthJWTSecret)
	require.Equal(t, "mobile", cfg.AuthAudience)
	require.Equal(t, "10,100", cfg.HTTPLatencyBuckets)
}

func TestLoadRequiresCartServiceURL(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"CART_SERVICE_URL": ""})
	require.ErrorContains(t, err, "CART_SERVICE_URL")

	_, err = config.LoadForTests(map[string]string{"CART_SERVICE_URL": "cart.internal"})
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveTimeout(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"CART_SERVICE_URL": "http://cart:8081",
		"CART_OP_TIMEOUT":  "-1s",
	})
	require.ErrorContains(t, err, "CART_OP_TIMEOUT")
}
