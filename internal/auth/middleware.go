package auth

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

// Middleware rejects requests whose bearer token does not verify.
type Middleware struct {
	Verifier *Verifier
}

// RequireAuth verifies the bearer token and stores its subject on the
// request context. A nil Verifier lets every request through.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := m.Verifier.Verify(common.BearerToken(r))
		if err != nil {
			common.WriteAppError(w, err)
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", subject))
		next.ServeHTTP(w, r.WithContext(common.WithUserID(r.Context(), subject)))
	})
}
