package obs

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/marketplace-cart/internal/events"
)

var (
	domainOnce sync.Once

	// CartOpsTotal counts cart store operations by outcome. Result is "ok" or
	// the error kind.
	CartOpsTotal *prometheus.CounterVec
	// CartOpDuration records cart store operation latency in milliseconds.
	CartOpDuration *prometheus.HistogramVec
	// CartSessionsActive tracks the number of live cart sessions.
	CartSessionsActive prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_operations_total",
			Help:      "Count of cart store operations by outcome.",
		}, []string{"op", "result"})
		CartOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cart_operation_duration_ms",
			Help:      "Latency for cart store operations in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"op"})
		CartSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cart_sessions_active",
			Help:      "Number of sessions holding a cart store.",
		})

		CartOpsTotal = register(reg, CartOpsTotal)
		CartOpDuration = register(reg, CartOpDuration)
		CartSessionsActive = register(reg, CartSessionsActive)
	})
}

// CartMetricsNotifier records cart events into the domain collectors. It is a
// no-op until MustRegisterDomainMetrics has run.
type CartMetricsNotifier struct{}

// Notify implements events.Notifier.
func (CartMetricsNotifier) Notify(_ context.Context, ev events.Event) error {
	switch ev.Topic {
	case events.TopicSessionStart:
		if CartSessionsActive != nil {
			CartSessionsActive.Inc()
		}
		return nil
	case events.TopicSessionEnd:
		if CartSessionsActive != nil {
			CartSessionsActive.Dec()
		}
		return nil
	}
	if CartOpsTotal == nil || ev.Op == "" {
		return nil
	}
	result := "ok"
	if ev.Topic == events.TopicCartFailed {
		result = ev.ErrorKind
		if result == "" {
			result = "unknown"
		}
	}
	CartOpsTotal.WithLabelValues(ev.Op, result).Inc()
	if CartOpDuration != nil && ev.Duration > 0 {
		CartOpDuration.WithLabelValues(ev.Op).Observe(DurationMillis(ev.Duration))
	}
	return nil
}
