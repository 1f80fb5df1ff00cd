package events_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/events"
)

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitFansOut(t *testing.T) {
	first := &captureNotifier{}
	second := &captureNotifier{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := events.Bus{
		Notifiers: []events.Notifier{first, nil, second},
		Now:       func() time.Time { return fixed },
	}

	err := bus.Emit(context.Background(), events.Event{Topic: events.TopicCartUpdated, SessionID: "s1", Version: 3})
	require.NoError(t, err)
	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	require.Equal(t, fixed, first.events[0].OccurredAt)
	require.Equal(t, uint64(3), second.events[0].Version)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	after := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{
		events.NotifierFunc(func(context.Context, events.Event) error { return errors.New("boom") }),
		after,
	}}

	err := bus.Emit(context.Background(), events.Event{Topic: events.TopicCartFailed})
	require.ErrorContains(t, err, "boom")
	require.Len(t, after.events, 1)
}

func TestEmitRequiresTopic(t *testing.T) {
	bus := events.Bus{}
	require.Error(t, bus.Emit(context.Background(), events.Event{Topic: "  "}))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := events.LogNotifier{Logger: zerolog.New(&buf)}
	require.NoError(t, n.Notify(context.Background(), events.Event{
		Topic:     events.TopicCartFailed,
		SessionID: "s1",
		Op:        "add_item",
		ErrorKind: "conflict",
	}))
	require.Contains(t, buf.String(), `"error_kind":"conflict"`)
	require.Contains(t, buf.String(), `"level":"warn"`)
}
