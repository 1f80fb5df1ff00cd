package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/events"
	"github.com/noah-isme/marketplace-cart/internal/session"
)

type emptyRemote struct{ token string }

func (emptyRemote) GetCart(context.Context) (cart.Cart, error) {
	return cart.Cart{Items: []cart.Item{}}, nil
}
func (emptyRemote) AddItem(context.Context, string, int) (cart.Cart, error) {
	return cart.Cart{Items: []cart.Item{}}, nil
}
func (emptyRemote) UpdateItem(context.Context, string, int) error { return nil }
func (emptyRemote) RemoveItem(context.Context, string) error      { return nil }
func (emptyRemote) ClearCart(context.Context) error               { return nil }

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
	users  []string
}

func (r *topicRecorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, ev.Topic+":"+ev.SessionID)
	r.users = append(r.users, ev.UserID)
	return nil
}

func newRegistry(t *testing.T, rec *topicRecorder) *session.Registry {
	t.Helper()
	reg, err := session.NewRegistry(session.RegistryConfig{
		NewRemote: func(token string) cart.Remote { return emptyRemote{token: token} },
		Events:    rec,
	})
	require.NoError(t, err)
	return reg
}

func TestNewRegistryRequiresRemoteFactory(t *testing.T) {
	_, err := session.NewRegistry(session.RegistryConfig{})
	require.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	rec := &topicRecorder{}
	reg := newRegistry(t, rec)
	ctx := context.Background()

	store, created, err := reg.Start(ctx, "s1", "tok")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "s1", store.SessionID())

	again, created, err := reg.Start(ctx, "s1", "tok")
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, store, again)

	got, err := reg.Get(ctx, "s1", "tok")
	require.NoError(t, err)
	require.Same(t, store, got)

	_, err = reg.Get(ctx, "s1", "other")
	require.ErrorIs(t, err, session.ErrTokenMismatch)
	_, err = reg.Get(ctx, "nope", "tok")
	require.ErrorIs(t, err, session.ErrNotFound)

	require.ErrorIs(t, reg.End(ctx, "s1", "other"), session.ErrTokenMismatch)
	require.NoError(t, reg.End(ctx, "s1", "tok"))
	require.ErrorIs(t, reg.End(ctx, "s1", "tok"), session.ErrNotFound)
	require.Equal(t, 0, reg.Len())

	// the torn-down store refuses further work
	require.ErrorIs(t, store.AddItem(ctx, "listing", 1), cart.ErrClosed)
	require.Equal(t, []string{"session.started:s1", "session.ended:s1"}, rec.topics)
}

func TestRegistryRejectsForeignStart(t *testing.T) {
	rec := &topicRecorder{}
	reg := newRegistry(t, rec)
	ctx := context.Background()

	first, _, err := reg.Start(ctx, "s1", "tok-a")
	require.NoError(t, err)
	_, _, err = reg.Start(ctx, "s1", "tok-b")
	require.ErrorIs(t, err, session.ErrTokenMismatch)

	require.NoError(t, first.ClearCart(ctx))
	got, err := reg.Get(ctx, "s1", "tok-a")
	require.NoError(t, err)
	require.Same(t, first, got)
	require.Equal(t, 1, reg.Len())
}

func TestRegistryBindsSessionToVerifiedUser(t *testing.T) {
	rec := &topicRecorder{}
	reg := newRegistry(t, rec)
	alice := common.WithUserID(context.Background(), "alice")
	mallory := common.WithUserID(context.Background(), "mallory")

	first, _, err := reg.Start(alice, "s1", "tok-a")
	require.NoError(t, err)

	_, _, err = reg.Start(mallory, "s1", "tok-m")
	require.ErrorIs(t, err, session.ErrTokenMismatch)
	_, _, err = reg.Start(mallory, "s1", "tok-a")
	require.ErrorIs(t, err, session.ErrTokenMismatch)
	_, err = reg.Get(mallory, "s1", "tok-a")
	require.ErrorIs(t, err, session.ErrTokenMismatch)
	require.ErrorIs(t, reg.End(mallory, "s1", "tok-a"), session.ErrTokenMismatch)
	require.NoError(t, first.ClearCart(alice))

	// the owner presenting a refreshed token gets a store bound to it
	second, created, err := reg.Start(alice, "s1", "tok-a2")
	require.NoError(t, err)
	require.True(t, created)
	require.NotSame(t, first, second)
	require.ErrorIs(t, first.ClearCart(alice), cart.ErrClosed)
	_, err = reg.Get(alice, "s1", "tok-a")
	require.ErrorIs(t, err, session.ErrTokenMismatch)
	require.Equal(t, 1, reg.Len())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryExpiresIdleSessions(t *testing.T) {
	rec := &topicRecorder{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	reg, err := session.NewRegistry(session.RegistryConfig{
		NewRemote: func(token string) cart.Remote { return emptyRemote{token: token} },
		IdleTTL:   10 * time.Minute,
		Events:    rec,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	stale, _, err := reg.Start(ctx, "stale", "tok")
	require.NoError(t, err)
	_, _, err = reg.Start(ctx, "busy", "tok")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = reg.Get(ctx, "busy", "tok")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = reg.Get(ctx, "stale", "tok")
	require.ErrorIs(t, err, session.ErrNotFound)
	require.ErrorIs(t, stale.ClearCart(ctx), cart.ErrClosed)
	require.Equal(t, 1, reg.Len())

	// starting any session sweeps the others
	clock.Advance(11 * time.Minute)
	_, _, err = reg.Start(ctx, "fresh", "tok")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	_, err = reg.Get(ctx, "fresh", "tok")
	require.NoError(t, err)
}

func TestRegistryCloseEndsAll(t *testing.T) {
	rec := &topicRecorder{}
	reg := newRegistry(t, rec)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := reg.Start(ctx, id, "tok")
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.Len())
	reg.Close(ctx)
	require.Equal(t, 0, reg.Len())
	require.Len(t, rec.topics, 6)

	_, _, err := reg.Start(ctx, "  ", "tok")
	require.Error(t, err)
}

func TestRegistryTagsEventsWithVerifiedUser(t *testing.T) {
	rec := &topicRecorder{}
	reg := newRegistry(t, rec)
	ctx := common.WithUserID(context.Background(), "user-7")

	_, _, err := reg.Start(ctx, "s9", "tok")
	require.NoError(t, err)
	require.NoError(t, reg.End(ctx, "s9", "tok"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"session.started:s9", "session.ended:s9"}, rec.topics)
	require.Equal(t, []string{"user-7", "user-7"}, rec.users)
}
