package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/health"
	"github.com/noah-isme/marketplace-cart/internal/resilience"
)

type stubChecker struct {
	cartErr  error
	redisErr error
}

func (s stubChecker) PingCartService(_ context.Context, _ time.Duration) error {
	return s.cartErr
}

func (s stubChecker) PingRedis(_ context.Context, _ time.Duration) error {
	return s.redisErr
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestLive(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestReadySuccess(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{MinRequests: 5, OpenFor: time.Second})
	handler := health.Handler{Checker: stubChecker{}, Breaker: breaker, CartTimeout: 50 * time.Millisecond, RedisTimeout: 50 * time.Millisecond}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var status map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status["cart_service"] != "ok" || status["redis"] != "ok" || status["cart_breaker"] != "closed" {
		t.Fatalf("unexpected status %#v", status)
	}
}

func TestReadyFailure(t *testing.T) {
	handler := health.Handler{Checker: stubChecker{cartErr: errors.New("cart down")}, CartTimeout: 10 * time.Millisecond, RedisTimeout: 10 * time.Millisecond}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}

func TestReadyToleratesDisabledRedis(t *testing.T) {
	handler := health.Handler{Checker: stubChecker{redisErr: health.ErrDisabled}}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"redis":"disabled"`)
}

func TestProbes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	probes := health.Probes{
		Cart:  pingFunc(func(context.Context) error { return nil }),
		Redis: client,
	}
	ctx := context.Background()
	require.NoError(t, probes.PingCartService(ctx, time.Second))
	require.NoError(t, probes.PingRedis(ctx, time.Second))

	mr.Close()
	require.Error(t, probes.PingRedis(ctx, 100*time.Millisecond))
	require.ErrorIs(t, health.Probes{}.PingRedis(ctx, time.Second), health.ErrDisabled)
	require.Error(t, health.Probes{}.PingCartService(ctx, time.Second))
}

func TestReadyReportsDraining(t *testing.T) {
	t.Cleanup(func() { health.SetReady(true) })
	handler := health.Handler{Checker: stubChecker{}}
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	rr := httptest.NewRecorder()
	handler.Ready(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	health.SetReady(false)
	rr = httptest.NewRecorder()
	handler.Ready(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"draining"`)
}
