package handler

import (
	"context"
	"net/http"
	"strings"

	"banking-gateway/internal/ratelimit"
	"banking-gateway/internal/util"
)

const (
	headerAuthenticatedUser = "X-Authenticated-User"
	headerAuthenticatedRole = "X-Authenticated-Role"
)

// Principal is the caller as established by the upstream authentication
// layer. An empty Username means anonymous.
type Principal struct {
	Username string
	Role     string
}

// Authenticated reports whether the principal names a real user.
func (p Principal) Authenticated() bool {
	return p.Username != "" && p.Username != ratelimit.AnonymousUser
}

type principalKey struct{}

// PrincipalFromContext returns the principal stored by PrincipalMiddleware.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

// PrincipalMiddleware reads the principal headers when trusted is set. The
// headers must only be trusted behind a gateway that strips client-supplied
// copies.
func PrincipalMiddleware(trusted bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if trusted {
				p = Principal{
					Username: strings.TrimSpace(r.Header.Get(headerAuthenticatedUser)),
					Role:     ratelimit.NormalizeRole(r.Header.Get(headerAuthenticatedRole)),
				}
				if p.Username != "" && !util.IsValidPrincipalName(p.Username) {
					util.Warn("Ignoring invalid principal header",
						util.String("remote_addr", r.RemoteAddr))
					p = Principal{}
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
