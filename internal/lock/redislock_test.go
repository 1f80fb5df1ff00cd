package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-cart/internal/lock"
)

func TestWithLockIdempotent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})

	go func() {
		err := locker.WithLock(ctx, "cart:lock:sess-1", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
		require.NoError(t, err)
	}()

	<-firstDone

	go func() {
		err := locker.WithLock(ctx, "cart:lock:sess-1", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}()

	close(releaseFirst)
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockHonoursContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond, Prefix: "test:"}
	require.NoError(t, mr.Set("test:cart:lock:sess-2", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	called := false
	err := locker.WithLock(ctx, "cart:lock:sess-2", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
}

func TestWithLockReleasesOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client}
	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "cart:lock:sess-3", time.Second, func(context.Context) error {
		require.True(t, mr.Exists("cart:lock:sess-3"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("cart:lock:sess-3"))
}

func TestWithLockExtendsWhileRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client}
	ttl := 90 * time.Millisecond
	err := locker.WithLock(context.Background(), "cart:lock:sess-4", ttl, func(context.Context) error {
		mr.FastForward(60 * time.Millisecond)
		require.Less(t, mr.TTL("cart:lock:sess-4"), ttl)
		require.Eventually(t, func() bool {
			return mr.TTL("cart:lock:sess-4") == ttl
		}, time.Second, 5*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists("cart:lock:sess-4"))
}

func TestWithLockReportsLostLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client}
	err := locker.WithLock(context.Background(), "cart:lock:sess-5", time.Second, func(context.Context) error {
		mr.Del("cart:lock:sess-5")
		return mr.Set("cart:lock:sess-5", "another-replica")
	})
	require.ErrorIs(t, err, lock.ErrLost)
	got, _ := mr.Get("cart:lock:sess-5")
	require.Equal(t, "another-replica", got, "a foreign holder is left alone")
}
