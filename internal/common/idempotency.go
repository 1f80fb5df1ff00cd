package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem provides an Idempotency-Key middleware backed by Redis. A repeated key
// within TTL is answered with 409 IDEMPOTENT_REPLAY and never reaches the
// handler.
type Idem struct {
	R   redis.UniversalClient
	TTL time.Duration
	// Scope namespaces keys per caller. Defaults to the bearer token.
	Scope func(*http.Request) string
}

func hashKey(scope, key string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		scope := BearerToken(r)
		if i.Scope != nil {
			scope = i.Scope(r)
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ctx := r.Context()
		key := hashKey(scope, header)
		ok, err := i.R.SetNX(ctx, key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		defer func() {
			// ensure the key expires even if handler panics
			_ = i.R.Expire(context.Background(), key, ttl).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
