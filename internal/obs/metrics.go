package obs

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultLatencyBuckets suit a BFF whose slowest path is one upstream call
// with retries.
var defaultLatencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// HTTPMetrics groups Prometheus collectors for HTTP observability.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP collectors on reg (the default registerer
// when nil). Calling it twice with the same namespace reuses the collectors.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	} else {
		buckets = append([]float64(nil), buckets...)
		sort.Float64s(buckets)
	}
	return &HTTPMetrics{
		ReqTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"})),
		ReqDur: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"})),
		InFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		})),
	}
}

// ParseBucketsCSV parses bucket boundaries in milliseconds, e.g.
// "10,50,250". Invalid and non-positive entries are skipped.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// register adds c to reg, returning the already registered collector when an
// identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(fmt.Errorf("obs: register collector: %w", err))
}
