package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/marketplace-cart/internal/resilience"
)

// ErrDisabled is returned by probes for optional dependencies that are not
// configured. It does not fail readiness.
var ErrDisabled = errors.New("disabled")

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness, e.g. to drain traffic before shutdown.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingCartService(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Pinger is implemented by the cart service client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probes is the production Checker. Redis is optional.
type Probes struct {
	Cart  Pinger
	Redis redis.UniversalClient
}

// PingCartService checks the cart service answers within timeout.
func (p Probes) PingCartService(ctx context.Context, timeout time.Duration) error {
	if p.Cart == nil {
		return errors.New("cart service not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Cart.Ping(ctx)
}

// PingRedis checks redis answers within timeout.
func (p Probes) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	Breaker      *resilience.Breaker
	CartTimeout  time.Duration
	RedisTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	healthy := ready.Load()
	status := map[string]string{}
	if !healthy {
		status["server"] = "draining"
	}

	status["cart_service"] = "ok"
	if err := h.Checker.PingCartService(ctx, h.cartTimeout()); err != nil {
		status["cart_service"] = err.Error()
		healthy = false
	}
	status["redis"] = "ok"
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		status["redis"] = err.Error()
		if !errors.Is(err, ErrDisabled) {
			healthy = false
		}
	}
	if h.Breaker != nil {
		status["cart_breaker"] = h.Breaker.State().String()
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) cartTimeout() time.Duration {
	if h.CartTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.CartTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
