package obs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/events"
	"github.com/noah-isme/marketplace-cart/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("cart", []float64{10, 1}, registry)
	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Get("/api/v1/cart/items/{itemId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cart/items/line-1", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/api/v1/cart/items/{itemId}", "204")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.ReqDur))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))

	again := obs.NewHTTPMetrics("cart", nil, registry)
	require.Same(t, metrics.ReqTotal, again.ReqTotal)
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{10, 50, 250}, obs.ParseBucketsCSV(" 10, 50,,x,-1,250 "))
	require.Nil(t, obs.ParseBucketsCSV(""))
}

func TestRequestLoggerIncludesSession(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := chi.NewRouter()
	r.Use(common.SessionContext)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/api/v1/cart", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set(common.SessionHeader, "sess-9")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "sess-9", entry["session_id"])
	require.Equal(t, "/api/v1/cart", entry["route"])
	require.EqualValues(t, 502, entry["status"])
}

func TestCartMetricsNotifier(t *testing.T) {
	obs.MustRegisterDomainMetrics("cart_test", prometheus.NewRegistry())
	n := obs.CartMetricsNotifier{}
	ctx := context.Background()

	before := testutil.ToFloat64(obs.CartOpsTotal.WithLabelValues(cart.OpAddItem, "conflict"))
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicCartFailed, Op: cart.OpAddItem, ErrorKind: "conflict", Duration: 5 * time.Millisecond}))
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicCartUpdated, Op: cart.OpAddItem}))
	require.Equal(t, before+1, testutil.ToFloat64(obs.CartOpsTotal.WithLabelValues(cart.OpAddItem, "conflict")))
	require.GreaterOrEqual(t, testutil.ToFloat64(obs.CartOpsTotal.WithLabelValues(cart.OpAddItem, "ok")), 1.0)

	active := testutil.ToFloat64(obs.CartSessionsActive)
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicSessionStart}))
	require.Equal(t, active+1, testutil.ToFloat64(obs.CartSessionsActive))
	require.NoError(t, n.Notify(ctx, events.Event{Topic: events.TopicSessionEnd}))
	require.Equal(t, active, testutil.ToFloat64(obs.CartSessionsActive))
}
