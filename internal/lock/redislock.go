// Package lock serialises work on a key across processes using Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLost is returned when the lock expired or was taken over while the
// callback ran.
var ErrLost = errors.New("lock: lost before release")

// Locker provides a Redis-backed distributed lock. It satisfies the cart
// store's Locker interface, so one session's mutations are serialised across
// BFF replicas.
type Locker struct {
	R            redis.UniversalClient
	RetryBackoff time.Duration
	// Prefix namespaces every key, e.g. per deployment.
	Prefix string
}

// WithLock runs fn while holding the lock for key. The lock's TTL is extended
// every ttl/3 for as long as fn runs and the lock is released afterwards, even
// if fn fails. When the lock cannot be acquired before ctx ends the context
// error is returned wrapped.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key = l.Prefix + key
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}

	stop := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), key, token, ttl, stop)

	err := fn(ctx)
	close(stop)
	released, relErr := l.release(context.WithoutCancel(ctx), key, token)
	if err == nil && relErr == nil && !released {
		err = fmt.Errorf("lock %s: %w", key, ErrLost)
	}
	return err
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("lock %s: %w", key, ctx.Err())
			}
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	ms := strconv.FormatInt(ttl.Milliseconds(), 10)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.R, []string{key}, token, ms).Int()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.R, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("lock %s: release: %w", key, err)
	}
	return n == 1, nil
}
