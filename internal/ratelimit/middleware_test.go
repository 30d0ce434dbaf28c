package ratelimit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/ratelimit"
	"taskpulse/internal/ratelimit/memory"
)

func TestMiddlewareHeadersAnd429(t *testing.T) {
	t.Parallel()

	clk := newClock()
	pols := memory.NewPolicies(ratelimit.Policy{Scope: ratelimit.ScopeEndpoint, Key: "/export", Method: "GET", Limit: 1, Window: time.Minute, Enabled: true})
	counter := memory.NewCounter()
	l := ratelimit.New(pols, counter, ratelimit.Config{}, ratelimit.WithClock(clk.now))

	h := ratelimit.Middleware(l, ratelimit.MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/export", nil)
		req = req.WithContext(ratelimit.WithPrincipal(req.Context(), ratelimit.Principal{ID: "u1", Role: "MEMBER"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, "1", first.Header().Get(ratelimit.HeaderLimit))
	require.Equal(t, "0", first.Header().Get(ratelimit.HeaderRemaining))
	require.Equal(t, "endpoint", first.Header().Get(ratelimit.HeaderType))
	require.Equal(t, clk.t.Add(time.Minute).Format(time.RFC3339), first.Header().Get(ratelimit.HeaderReset))

	clk.advance(10 * time.Second)
	second := do()
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "50", second.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	require.Equal(t, false, body["success"])
	require.Equal(t, float64(50), body["retryAfter"])
	require.Equal(t, "endpoint", body["limitType"])
	require.Equal(t, "/export", body["endpoint"])
	require.NotEmpty(t, body["message"])
}

func TestMiddlewareAnonymousUsesClientIP(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(memory.NewPolicies(), memory.NewCounter(), ratelimit.Config{IPLimit: 1, IPWindow: time.Hour})
	h := ratelimit.Middleware(l, ratelimit.MiddlewareOptions{TrustForwarded: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/public", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("203.0.113.5, 10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, send("203.0.113.5"))
	require.Equal(t, http.StatusOK, send("203.0.113.6"))
}

func TestMiddlewareSkip(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(memory.NewPolicies(), memory.NewCounter(), ratelimit.Config{IPLimit: 1})
	h := ratelimit.Middleware(l, ratelimit.MiddlewareOptions{
		Skip: func(r *http.Request) bool { return r.URL.Path == "/health" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	require.Equal(t, "192.0.2.1", ratelimit.ClientIP(r, false))
	require.Equal(t, "198.51.100.7", ratelimit.ClientIP(r, true))

	r.RemoteAddr = ""
	r.Header.Del("X-Forwarded-For")
	require.Equal(t, "unknown", ratelimit.ClientIP(r, true))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := ratelimit.Policy{Scope: ratelimit.ScopeEndpoint, Key: "/tasks", Method: "POST", Limit: 5, Window: time.Minute, Enabled: true}
	require.NoError(t, ratelimit.Validate(ok))

	bad := []ratelimit.Policy{
		{Scope: "TEAM", Key: "x", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeIP, Key: "x", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeRole, Key: "", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeRole, Key: "ADMIN", Limit: 0, Window: time.Second},
		{Scope: ratelimit.ScopeRole, Key: "ADMIN", Limit: 1, Window: 0},
		{Scope: ratelimit.ScopeRole, Key: "ADMIN", Method: "GET", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeEndpoint, Key: "tasks", Method: "GET", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeEndpoint, Key: "/tasks", Method: "get", Limit: 1, Window: time.Second},
		{Scope: ratelimit.ScopeEndpoint, Key: "/tasks", Method: "", Limit: 1, Window: time.Second},
	}
	for i, p := range bad {
		err := ratelimit.Validate(p)
		require.Error(t, err, "case %d", i)
		require.True(t, ratelimit.IsValidationError(err), "case %d", i)
	}
}
