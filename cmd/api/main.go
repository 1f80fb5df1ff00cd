package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-cart/internal/auth"
	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/cartremote"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/config"
	"github.com/noah-isme/marketplace-cart/internal/events"
	"github.com/noah-isme/marketplace-cart/internal/health"
	"github.com/noah-isme/marketplace-cart/internal/lock"
	"github.com/noah-isme/marketplace-cart/internal/obs"
	"github.com/noah-isme/marketplace-cart/internal/ratelimit"
	"github.com/noah-isme/marketplace-cart/internal/resilience"
	"github.com/noah-isme/marketplace-cart/internal/security"
	"github.com/noah-isme/marketplace-cart/internal/session"
)

const metricsNamespace = "cart_bff"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "cart-bff").Logger()
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "cart-bff",
			Endpoint:      cfg.TracingEndpoint,
			SamplingRatio: cfg.TracingSampleRatio,
			Environment:   cfg.AppEnv,
			Logger:        logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("ping redis")
		}
	} else {
		logger.Warn().Msg("REDIS_URL not set: cross-replica locking, idempotency and rate limiting disabled")
	}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Target:       "cart-service",
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       &logger,
	})
	remote, err := cartremote.New(cartremote.Config{
		BaseURL: cfg.CartServiceURL,
		HTTP: resilience.HTTPClient{
			Client:      cartremote.NewHTTPClient(nil),
			Breaker:     breaker,
			BaseBackoff: cfg.CartRetryBaseBackoff,
			MaxAttempts: cfg.CartFetchMaxAttempts,
			Jitter:      cfg.CartRetryJitter,
			Timeout:     cfg.CartServiceTimeout,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("configure cart service client")
	}

	bus := &events.Bus{Notifiers: []events.Notifier{
		events.LogNotifier{Logger: logger},
		obs.CartMetricsNotifier{},
	}}
	regCfg := session.RegistryConfig{
		NewRemote: func(token string) cart.Remote { return remote.WithToken(token) },
		OpTimeout: cfg.CartOpTimeout,
		LockTTL:   cfg.CartLockTTL,
		IdleTTL:   cfg.SessionIdleTTL,
		Events:    bus,
		Logger:    logger,
	}
	if redisClient != nil {
		regCfg.Locker = lock.Locker{R: redisClient, Prefix: "bff:"}
	}
	registry, err := session.NewRegistry(regCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure session registry")
	}

	var mutations, starts []func(http.Handler) http.Handler
	if redisClient != nil {
		startLimiter := ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:session:"},
			Config: ratelimit.Config{
				Key:    ratelimit.ClientKey,
				Window: cfg.RateLimitWindow,
				Max:    cfg.SessionStartMax,
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
		}
		starts = append(starts, startLimiter.Middleware)

		limiter := ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:cart:"},
			Config: ratelimit.Config{
				Key:    ratelimit.SessionKey,
				Window: cfg.RateLimitWindow,
				Max:    cfg.RateLimitMax,
				Skip:   ratelimit.SafeMethods,
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
		}
		idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Scope: func(r *http.Request) string {
			return r.Header.Get(common.SessionHeader)
		}}
		mutations = append(mutations, limiter.Middleware, idem.Middleware)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(common.SessionContext)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(cfg.HTTPLatencyBuckets), nil)}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", common.SessionHeader},
		ExposedHeaders:   []string{common.SessionHeader, "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(security.Headers{HSTS: hstsFor(cfg), NoStore: true}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}

	healthHandler := health.Handler{
		Checker: health.Probes{Cart: remote, Redis: redisOrNil(redisClient)},
		Breaker: breaker,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	authMW := auth.Middleware{}
	if cfg.AuthJWTSecret != "" {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Secret:    cfg.AuthJWTSecret,
			Issuer:    cfg.AuthIssuer,
			Audience:  cfg.AuthAudience,
			ClockSkew: cfg.AuthClockSkew,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("configure token verifier")
		}
		authMW.Verifier = verifier
	} else {
		logger.Warn().Msg("AUTH_JWT_SECRET not set; bearer tokens are forwarded unverified")
	}

	cartHandler := &session.Handler{Registry: registry, Validate: validator.New(), Mutations: mutations, Starts: starts}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW.RequireAuth)
		cartHandler.Routes(r)
	})

	serve(ctx, logger, &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}, func(shutdownCtx context.Context) {
		registry.Close(shutdownCtx)
	})
}

func serve(ctx context.Context, logger zerolog.Logger, srv *http.Server, onShutdown func(context.Context)) {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	if onShutdown != nil {
		onShutdown(shutdownCtx)
	}
	logger.Info().Msg("server stopped")
}

// redisOrNil keeps a nil *redis.Client from becoming a non-nil interface.
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

func hstsFor(cfg *config.Config) time.Duration {
	if cfg.AppEnv != "production" {
		return 0
	}
	return 365 * 24 * time.Hour
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
