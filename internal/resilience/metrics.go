package resilience

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "cart"

var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_breaker_state",
			Help:      "Current breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"target"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_breaker_transition_total",
			Help:      "Count of breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_breaker_open_total",
			Help:      "Number of times a breaker transitioned into open state",
		},
		[]string{"target"},
	)
	// UpstreamAttempts counts individual HTTP attempts by outcome: ok, retry,
	// exhausted, error or rejected (breaker open).
	UpstreamAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_attempts_total",
			Help:      "HTTP attempts against upstream dependencies by outcome",
		},
		[]string{"target", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, UpstreamAttempts)
}

func recordAttempt(target, outcome string) {
	UpstreamAttempts.WithLabelValues(target, outcome).Inc()
}
