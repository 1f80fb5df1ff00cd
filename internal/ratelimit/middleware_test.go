package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Second,
			Max:    1,
		},
	}

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rr2.Code)
	}
	if rr2.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("unexpected limit header: %q", rr2.Header().Get("X-RateLimit-Limit"))
	}
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "err" },
			Window: time.Second,
			Max:    1,
		},
	}

	called := false
	handler.OnError = func(error) { called = true }

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected handler to proceed on error, got %d", rr.Code)
	}
	if !called {
		t.Fatal("expected OnError callback to be invoked")
	}
	_ = client.Close()
}

func TestHandlerMiddlewareSkipsReadsAndKeysBySession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "rl:"},
		Config:  Config{Key: SessionKey, Window: time.Minute, Max: 1, Skip: SafeMethods},
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(method, session string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/cart/items", nil)
		req.Header.Set(common.SessionHeader, session)
		rr := httptest.NewRecorder()
		counted.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 3; i++ {
		if rr := send(http.MethodGet, "a"); rr.Code != http.StatusNoContent {
			t.Fatalf("reads must not be limited, got %d", rr.Code)
		}
	}
	if rr := send(http.MethodPost, "a"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected first mutation allowed, got %d", rr.Code)
	}
	rr := send(http.MethodPost, "a")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "RATE_LIMITED") {
		t.Fatalf("expected json envelope, got %q", rr.Body.String())
	}
	if rr := send(http.MethodPost, "b"); rr.Code != http.StatusNoContent {
		t.Fatalf("other sessions have their own budget, got %d", rr.Code)
	}
	if !mr.Exists("rl:session:a") {
		t.Fatal("expected session keyed bucket")
	}
}

func TestClientKeyIgnoresSessionHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session", nil)
	req.RemoteAddr = "192.0.2.10:5123"
	req.Header.Set(common.SessionHeader, "chosen-by-caller")
	if got := ClientKey(req); got != "ip:192.0.2.10" {
		t.Fatalf("unexpected key %q", got)
	}
}
