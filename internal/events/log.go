package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes every event as a structured log line.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	evt := n.Logger.Debug()
	if ev.Topic == TopicCartFailed {
		evt = n.Logger.Warn().Str("error_kind", ev.ErrorKind)
	}
	if ev.UserID != "" {
		evt = evt.Str("user_id", ev.UserID)
	}
	evt.Str("topic", ev.Topic).
		Str("session_id", ev.SessionID).
		Str("op", ev.Op).
		Uint64("version", ev.Version).
		Int("item_count", ev.ItemCount).
		Int64("subtotal", ev.Subtotal).
		Int64("duration_ms", ev.Duration.Milliseconds()).
		Msg("cart_event")
	return nil
}
