package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
	// Skip exempts matching requests from counting.
	Skip func(*http.Request) bool
}

// SessionKey keys limits by the caller's cart session, falling back to the
// client address for requests that carry no session.
func SessionKey(r *http.Request) string {
	if id, ok := common.SessionID(r.Context()); ok {
		return "session:" + id
	}
	if id := r.Header.Get(common.SessionHeader); id != "" {
		return "session:" + id
	}
	return "ip:" + common.ClientIP(r)
}

// ClientKey keys limits by client address only. Use it where the session id is
// chosen by the caller, such as session creation.
func ClientKey(r *http.Request) string {
	return "ip:" + common.ClientIP(r)
}

// SafeMethods skips reads so only mutations count against the limit.
func SafeMethods(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil || (h.Config.Skip != nil && h.Config.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Config.Key(r)
		decision, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		limitValue := h.Config.Max
		if limitValue < 0 {
			limitValue = 0
		}
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(limitValue))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many cart changes, slow down", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
