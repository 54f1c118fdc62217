package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// Header names the gateway sets after authenticating the caller. This service
// trusts the gateway; it never sees credentials itself.
const (
	UserIdHeader       = "X-User-Id"
	CapabilitiesHeader = "X-User-Capabilities"
)

// Middleware resolves the caller's principal from the gateway headers and
// attaches it to the request context. Requests without a valid user id are
// rejected before reaching any handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, err := uuid.Parse(r.Header.Get(UserIdHeader))
		if err != nil {
			http.Error(w, "missing or invalid user identity", http.StatusUnauthorized)
			return
		}

		var caps []Capability
		for _, c := range strings.Split(r.Header.Get(CapabilitiesHeader), ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, Capability(c))
			}
		}

		p := NewPrincipal(userId, caps...)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal attached by Middleware. The second
// return is false on requests that bypassed it (tests, internal calls).
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
