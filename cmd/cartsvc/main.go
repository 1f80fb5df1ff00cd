// Command cartsvc runs the in-memory cart service for local development.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/marketplace-cart/internal/cartserver"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/config"
	"github.com/noah-isme/marketplace-cart/internal/obs"
	"github.com/noah-isme/marketplace-cart/internal/security"
)

func main() {
	cfg, err := config.LoadCartService()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "cartsvc").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "cartsvc",
			Endpoint:      cfg.TracingEndpoint,
			SamplingRatio: cfg.TracingSampleRatio,
			Environment:   cfg.AppEnv,
			Logger:        logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	idem := common.Idem{TTL: cfg.IdempotencyTTL}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		client := redis.NewClient(opts)
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		defer func() { _ = client.Close() }()
		idem.R = client
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics("cartsvc", obs.ParseBucketsCSV(cfg.HTTPLatencyBuckets), nil)}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(idem.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	(&cartserver.Handler{Svc: cartserver.NewDemoService(), Validate: validator.New()}).Routes(r)

	srv := &http.Server{Addr: cfg.CartSvcAddr(), Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("cart service starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}
