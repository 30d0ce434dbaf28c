package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
)

var allowedMethods = map[string]bool{
	WildcardMethod:     true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Validate checks a policy as written by an admin. The input is not coerced:
// a lowercase method or a missing window is an error, not a default.
func Validate(p Policy) error {
	switch p.Scope {
	case ScopeRole, ScopeUser, ScopeEndpoint:
	case ScopeIP:
		return &ValidationError{Field: "scope", Reason: "IP tier is configured in rate_limit.ip, not as a policy"}
	default:
		return &ValidationError{Field: "scope", Reason: "must be one of ROLE, USER, ENDPOINT"}
	}
	if strings.TrimSpace(p.Key) == "" || p.Key != strings.TrimSpace(p.Key) {
		return &ValidationError{Field: "key", Reason: "must be non-empty without surrounding spaces"}
	}
	if p.Limit <= 0 {
		return &ValidationError{Field: "limit", Reason: "must be > 0"}
	}
	if w := p.WindowSeconds(); w <= 0 || w > MaxWindowSeconds {
		return &ValidationError{Field: "windowSeconds", Reason: fmt.Sprintf("must be between 1 and %d", MaxWindowSeconds)}
	}
	if p.Scope == ScopeEndpoint {
		if !strings.HasPrefix(p.Key, "/") {
			return &ValidationError{Field: "key", Reason: "endpoint key must be a path starting with /"}
		}
		if !allowedMethods[p.Method] {
			return &ValidationError{Field: "method", Reason: "must be * or an uppercase HTTP method"}
		}
	} else if p.Method != "" {
		return &ValidationError{Field: "method", Reason: "only endpoint policies carry a method"}
	}
	return nil
}
