package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CartSvcPort        string
	LogFormat          string
	LogLevel           string
	RedisURL           string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64

	CartServiceURL       string
	CartServiceTimeout   time.Duration
	CartOpTimeout        time.Duration
	CartFetchMaxAttempts int
	CartRetryBaseBackoff time.Duration
	CartRetryJitter      float64
	CartLockTTL          time.Duration

	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration

	AuthJWTSecret string
	AuthIssuer    string
	AuthAudience  string
	AuthClockSkew time.Duration

	IdempotencyTTL  time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
	// SessionStartMax bounds session starts per client per RateLimitWindow.
	SessionStartMax int
	SessionIdleTTL  time.Duration

	TracingEnabled     bool
	TracingEndpoint    string
	TracingSampleRatio float64
	HTTPLatencyBuckets string

	PprofEnabled bool
	PprofUser    string
	PprofPass    string
}

// Load reads the BFF configuration from environment variables and optional
// .env files.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.CartServiceURL == "" {
		return nil, errors.New("CART_SERVICE_URL is required")
	}
	u, err := url.Parse(cfg.CartServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("CART_SERVICE_URL must be an absolute http(s) url: %q", cfg.CartServiceURL)
	}
	return cfg, nil
}

// LoadCartService reads the configuration for the development cart service,
// which does not call out to another cart service.
func LoadCartService() (*Config, error) {
	return load()
}

func load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CartSvcPort:        valueOrDefault(k.String("CART_SVC_PORT"), "8081"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 64<<10)),

		CartServiceURL:       strings.TrimRight(strings.TrimSpace(k.String("CART_SERVICE_URL")), "/"),
		CartServiceTimeout:   parseDuration(k.String("CART_SERVICE_TIMEOUT"), "5s"),
		CartOpTimeout:        parseDuration(k.String("CART_OP_TIMEOUT"), "10s"),
		CartFetchMaxAttempts: parseInt(k.String("CART_FETCH_MAX_ATTEMPTS"), 3),
		CartRetryBaseBackoff: parseDuration(k.String("CART_RETRY_BASE_BACKOFF"), "200ms"),
		CartRetryJitter:      parseFloat(k.String("CART_RETRY_JITTER"), 0.2),
		CartLockTTL:          parseDuration(k.String("CART_LOCK_TTL"), "15s"),

		BreakerMinRequests:  parseInt(k.String("CART_BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio: parseFloat(k.String("CART_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("CART_BREAKER_OPEN_FOR"), "30s"),

		AuthJWTSecret: strings.TrimSpace(k.String("AUTH_JWT_SECRET")),
		AuthIssuer:    strings.TrimSpace(k.String("AUTH_ISSUER")),
		AuthAudience:  strings.TrimSpace(k.String("AUTH_AUDIENCE")),
		AuthClockSkew: parseDuration(k.String("AUTH_CLOCK_SKEW"), "30s"),

		IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:    parseInt(k.String("RATE_LIMIT_MAX"), 60),
		SessionStartMax: parseInt(k.String("SESSION_START_RATE_MAX"), 10),
		SessionIdleTTL:  parseDuration(k.String("SESSION_IDLE_TTL"), "30m"),

		TracingEnabled:     parseBool(k.String("TRACING_ENABLED")),
		TracingEndpoint:    strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracingSampleRatio: parseFloat(k.String("TRACING_SAMPLE_RATIO"), 1),
		HTTPLatencyBuckets: strings.TrimSpace(k.String("HTTP_LATENCY_BUCKETS_MS")),

		PprofEnabled: parseBool(k.String("PPROF_ENABLED")),
		PprofUser:    strings.TrimSpace(k.String("PPROF_BASIC_AUTH_USER")),
		PprofPass:    strings.TrimSpace(k.String("PPROF_BASIC_AUTH_PASS")),
	}

	if cfg.CartOpTimeout <= 0 {
		return nil, errors.New("CART_OP_TIMEOUT must be positive")
	}
	if cfg.CartFetchMaxAttempts < 1 {
		cfg.CartFetchMaxAttempts = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the BFF server should bind to.
func (c *Config) HTTPAddr() string { return addr(c.Port, "8080") }

// CartSvcAddr returns the address the development cart service binds to.
func (c *Config) CartSvcAddr() string { return addr(c.CartSvcPort, "8081") }

func addr(port, fallback string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		port = fallback
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
