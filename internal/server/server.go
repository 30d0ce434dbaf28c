// Package server is the HTTP surface: health, metrics, and the admin API for
// jobs and rate-limit policies. Every route except health and metrics runs
// behind the rate limiter.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpulse/internal/metrics"
	"taskpulse/internal/notify"
	"taskpulse/internal/ratelimit"
	rtsup "taskpulse/internal/runtime/supervisor"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

const (
	defaultAddr            = "127.0.0.1:8080"
	defaultShutdownTimeout = 10 * time.Second
)

// APIKey maps a static secret to a principal.
type APIKey struct {
	Secret string
	ID     string
	Role   string
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TrustForwarded lets the anonymous tier key on X-Forwarded-For.
	TrustForwarded bool
	AuthHeader     string
	Keys           []APIKey
	// Pprof mounts /debug under the admin role.
	Pprof bool
}

// Jobs is the read side of the scheduler.
type Jobs interface {
	Snapshot(ctx context.Context) scheduler.Snapshot
}

// Notifications is the read side of the notifier.
type Notifications interface {
	Stats() notify.Stats
	History() []notify.Message
}

type Deps struct {
	Limiter       *ratelimit.Limiter
	Policies      ratelimit.PolicyStore
	Jobs          Jobs
	Notifications Notifications
	Metrics       *metrics.Metrics
	Log           logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(AccessLog(s.log))
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware(routePattern, isUnlimited))
	}
	r.Use(newAuthenticator(s.cfg.AuthHeader, s.cfg.Keys).Middleware(isUnlimited))

	// Middlewares inside a group run after routing, so the limiter sees the
	// route pattern rather than the raw path.
	limit := func(next http.Handler) http.Handler { return next }
	if s.deps.Limiter != nil {
		limit = ratelimit.Middleware(s.deps.Limiter, ratelimit.MiddlewareOptions{
			Skip:           isUnlimited,
			Endpoint:       routePattern,
			TrustForwarded: s.cfg.TrustForwarded,
		})
	}

	// Unmatched requests are counted too, so path scanning hits the IP tier.
	r.NotFound(limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})).ServeHTTP)
	r.MethodNotAllowed(limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})).ServeHTTP)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(limit)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))
			r.Get("/admin/jobs", s.handleJobs)
			r.Get("/admin/notifications", s.handleNotifications)
			r.Get("/admin/policies", s.handleListPolicies)
			r.Put("/admin/policies", s.handlePutPolicy)
			r.Delete("/admin/policies", s.handleDeletePolicy)
			if s.cfg.Pprof {
				r.Mount("/debug", middleware.Profiler())
			}
		})
	})

	return r
}

func isUnlimited(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/metrics":
		return true
	}
	return false
}

// routePattern returns the matched chi pattern, or the raw path before
// routing has happened.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Start runs the listener under a supervisor that restarts it on failure.
// It returns once the socket is bound, so Addr is valid afterwards.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	first := ln
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, &first)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// serveOnce serves on the pre-bound listener the first time and rebinds on
// restarts.
func (s *Server) serveOnce(ctx context.Context, first *net.Listener) error {
	s.mu.Lock()
	ln := *first
	*first = nil
	s.mu.Unlock()

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests, bounded by ctx and ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	sup.Cancel()
	var err error
	if srv != nil {
		if err = srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		} else {
			err = nil
		}
	}
	_ = sup.Wait(sctx)
	s.log.Info("http stopped")
	return err
}
