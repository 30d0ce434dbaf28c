package server

import (
	"net/http"
	"strings"

	"taskpulse/internal/ratelimit"
)

const (
	RoleAdmin         = "ADMIN"
	defaultAuthHeader = "X-API-Key"
)

// authenticator resolves a static API key into a ratelimit.Principal. A
// request without a key stays anonymous and falls into the IP tier; an
// unknown key is rejected.
type authenticator struct {
	header   string
	bySecret map[string]ratelimit.Principal
}

func newAuthenticator(header string, keys []APIKey) *authenticator {
	h := strings.TrimSpace(header)
	if h == "" {
		h = defaultAuthHeader
	}
	a := &authenticator{header: h, bySecret: make(map[string]ratelimit.Principal, len(keys))}
	for _, k := range keys {
		if k.Secret == "" || k.ID == "" {
			continue
		}
		a.bySecret[k.Secret] = ratelimit.Principal{ID: k.ID, Role: strings.ToUpper(strings.TrimSpace(k.Role))}
	}
	return a
}

func (a *authenticator) Middleware(skip func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			// A principal set upstream wins.
			if _, ok := ratelimit.PrincipalFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			secret := strings.TrimSpace(r.Header.Get(a.header))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := a.bySecret[secret]
			if !ok {
				writeError(w, http.StatusUnauthorized, "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(ratelimit.WithPrincipal(r.Context(), p)))
		})
	}
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := ratelimit.PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !strings.EqualFold(p.Role, role) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
