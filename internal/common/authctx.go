package common

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const (
	sessionIDKey ctxKey = "session/id"
	tokenKey     ctxKey = "session/token"
	userIDKey    ctxKey = "auth/user"
)

// SessionHeader carries the client's session identifier on BFF requests.
const SessionHeader = "X-Session-ID"

// WithSessionID stores the session identifier on the provided context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session identifier from the context if present.
func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

// WithToken stores the caller's bearer token on the provided context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// Token extracts the caller's bearer token from the context if present.
func Token(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey).(string)
	return tok, ok && tok != ""
}

// WithUserID stores the verified token subject on the provided context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the verified token subject from the context if present.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// SessionContext copies the session header and bearer token into the request
// context. Requests without them pass through untouched.
func SessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
			ctx = WithSessionID(ctx, id)
		}
		if tok := BearerToken(r); tok != "" {
			ctx = WithToken(ctx, tok)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
