package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event describes a change to a session's cart read model.
type Event struct {
	Topic      string
	SessionID  string
	UserID     string
	Op         string
	Version    uint64
	ItemCount  int
	Subtotal   int64
	ErrorKind  string
	Duration   time.Duration
	OccurredAt time.Time
}

// Notifier reacts to emitted events (e.g. logs, metrics, UI push).
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus fans events out to downstream notifiers.
type Bus struct {
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit stamps the event and dispatches it to all configured notifiers. Every
// notifier is invoked even when an earlier one fails.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	ev.Topic = strings.TrimSpace(ev.Topic)
	if ev.Topic == "" {
		return errors.New("events: topic is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, ev); err != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", err))
		}
	}
	return joined
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
