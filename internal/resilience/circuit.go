package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks outcomes.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen lets a single probe through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	// Target labels metrics and logs, e.g. "cart-service".
	Target string
	// MinRequests is the number of outcomes observed before the breaker may open.
	MinRequests int
	// FailureRatio opens the breaker once failures/outcomes reaches it.
	FailureRatio float64
	// OpenFor is the cool-off before a probe is let through.
	OpenFor time.Duration
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Breaker is a failure-ratio circuit breaker over a rolling window of the
// most recent outcomes.
type Breaker struct {
	mu sync.Mutex

	target       string
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	logger       *zerolog.Logger
	now          func() time.Time

	state    State
	window   []bool
	next     int
	filled   int
	openedAt time.Time
	probing  bool
	probedAt time.Time
}

// NewBreaker constructs a breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		target:       strings.TrimSpace(cfg.Target),
		minRequests:  cfg.MinRequests,
		failureRatio: cfg.FailureRatio,
		openFor:      cfg.OpenFor,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if b.target == "" {
		b.target = "default"
	}
	if b.minRequests <= 0 {
		b.minRequests = 1
	}
	if b.failureRatio <= 0 {
		b.failureRatio = 0.5
	}
	if b.failureRatio > 1 {
		b.failureRatio = 1
	}
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	size := b.minRequests * 2
	if size < 10 {
		size = 10
	}
	b.window = make([]bool, size)
	b.recordStateLocked()
	return b
}

// Allow reports whether a request may proceed. After the cool-off an open
// breaker admits exactly one probe; further requests are refused until that
// probe is reported or abandoned.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.probing, b.probedAt = true, now
		return true
	case HalfOpen:
		// a probe that never reported is given up after another cool-off
		if b.probing && now.Sub(b.probedAt) < b.openFor {
			return false
		}
		b.probing, b.probedAt = true, now
		return true
	default:
		return true
	}
}

// Report records the outcome of an admitted request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.changeStateLocked(ctx, Closed)
		} else {
			b.changeStateLocked(ctx, Open)
		}
		return
	}

	b.window[b.next] = !success
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
	if b.filled < b.minRequests {
		return
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	if float64(failures)/float64(b.filled) >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	}
}

// Abandon releases an admitted request without a verdict, e.g. when the
// caller cancelled it. A pending half-open probe becomes available again.
func (b *Breaker) Abandon(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Target returns the dependency label used for telemetry.
func (b *Breaker) Target() string { return b.target }

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
		b.next, b.filled = 0, 0
	}
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	BreakerState.WithLabelValues(b.target).Set(float64(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	BreakerTransitions.WithLabelValues(b.target, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	}

	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled && b.logger != nil {
		logger = b.logger
	}
	evt := logger.Info().Str("target", b.target).Str("from_state", from.String()).Str("to_state", to.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}
