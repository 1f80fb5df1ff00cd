package obs

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

// HTTPObs records request counters and latency histograms.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware instruments the request. Routes that matched nothing are
// labelled "unmatched" to keep label cardinality bounded.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routePattern(r, "unmatched")
		o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// TracingMiddleware continues the caller's trace, if any, and records one
// server span per request. The span is renamed to the matched route once
// routing has happened.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/noah-isme/marketplace-cart/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := routePattern(r, r.URL.Path)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.URLPathKey.String(r.URL.Path),
			semconv.HTTPResponseStatusCodeKey.Int(rec.status),
		)
		if id, ok := common.SessionID(r.Context()); ok {
			span.SetAttributes(attribute.String("cart.session_id", id))
		}
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
