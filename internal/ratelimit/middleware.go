package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type principalKey struct{}

// Principal is the authenticated caller, set by the auth layer in front of
// the limiter. An empty ID means anonymous.
type Principal struct {
	ID   string
	Role string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// ClientIP prefers the first X-Forwarded-For entry when the proxy is
// trusted, then RemoteAddr, else "unknown".
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

type MiddlewareOptions struct {
	// Skip bypasses limiting entirely (health, metrics).
	Skip func(r *http.Request) bool
	// Endpoint maps a request to its policy key; defaults to the URL path.
	Endpoint func(r *http.Request) string
	// TrustForwarded enables X-Forwarded-For for the anonymous tier.
	TrustForwarded bool
}

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderType      = "X-RateLimit-Type"
)

// Middleware enforces l on every request not skipped by opts. Limiter
// failures never produce a 5xx: the request passes through.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	endpointOf := opts.Endpoint
	if endpointOf == nil {
		endpointOf = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			p, _ := PrincipalFrom(r.Context())
			req := Request{
				Identity: p.ID,
				Role:     p.Role,
				IP:       ClientIP(r, opts.TrustForwarded),
				Endpoint: endpointOf(r),
				Method:   r.Method,
			}

			// Errors are already logged by the limiter and d allows the request.
			d, _ := l.Check(r.Context(), req)
			writeHeaders(w.Header(), d)

			if !d.Allowed {
				writeTooMany(w, d)
				l.RecordStatus(r.Context(), d, req.Anonymous(), http.StatusTooManyRequests)
				return
			}

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			l.RecordStatus(r.Context(), d, req.Anonymous(), sw.code)
		})
	}
}

func writeHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(d.Remaining, 0)))
	h.Set(HeaderReset, d.ResetAt.UTC().Format(time.RFC3339))
	h.Set(HeaderType, d.Scope.Tag())
}

type tooManyBody struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	LimitType  string `json:"limitType"`
	Endpoint   string `json:"endpoint,omitempty"`
}

func writeTooMany(w http.ResponseWriter, d Decision) {
	body := tooManyBody{
		Success:    false,
		Message:    "Too many requests, please try again later.",
		RetryAfter: d.RetryAfterSeconds(),
		LimitType:  d.Scope.Tag(),
	}
	if d.Scope == ScopeEndpoint {
		body.Endpoint = d.Endpoint
		body.Message = "Too many requests to this endpoint, please try again later."
	}
	w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
