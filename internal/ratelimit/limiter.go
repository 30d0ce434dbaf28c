// Package ratelimit enforces tiered sliding-window request limits.
//
// Policies resolve in a fixed order: anonymous callers get the IP tier, then
// an endpoint policy (exact method before "*"), a per-user override, the role
// default, and finally a hardcoded safety default. Usage is the number of
// request log entries inside the trailing window. Any failure of the stores
// fails open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "taskpulse/pkg/logx"
)

const (
	DefaultIPLimit   = 100
	DefaultIPWindow  = time.Hour
	SafetyLimit      = 200
	SafetyWindow     = time.Hour
	failLogInterval  = 10 * time.Second
	defaultRetention = 24 * time.Hour
)

// Observer receives per-decision signals (metrics).
type Observer interface {
	ObserveDecision(scope string, allowed bool)
	ObserveFailOpen(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, bool) {}
func (nopObserver) ObserveFailOpen(string)       {}

type Config struct {
	IPLimit  int
	IPWindow time.Duration
}

// Limiter is safe for concurrent use.
type Limiter struct {
	policies PolicyStore
	counter  Counter
	// ipCounter holds the anonymous tier; it may be the same as counter.
	ipCounter Counter
	obs       Observer
	now       func() time.Time
	newID     func() string
	log       logx.Logger

	mu       sync.RWMutex
	ipPolicy Policy

	failLog *rate.Limiter
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(l *Limiter) { l.log = log } }

func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.obs = o
		}
	}
}

// WithIPCounter sends anonymous accounting to a separate store.
func WithIPCounter(c Counter) Option {
	return func(l *Limiter) {
		if c != nil {
			l.ipCounter = c
		}
	}
}

func WithIDFunc(fn func() string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func New(policies PolicyStore, counter Counter, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		policies:  policies,
		counter:   counter,
		ipCounter: counter,
		obs:       nopObserver{},
		now:       time.Now,
		newID:     uuid.NewString,
		failLog:   rate.NewLimiter(rate.Every(failLogInterval), 1),
	}
	for _, o := range opts {
		o(l)
	}
	l.SetIPDefaults(cfg.IPLimit, cfg.IPWindow)
	return l
}

// SetIPDefaults replaces the anonymous tier; non-positive values fall back
// to 100 per hour.
func (l *Limiter) SetIPDefaults(limit int, window time.Duration) {
	if limit <= 0 {
		limit = DefaultIPLimit
	}
	if window <= 0 {
		window = DefaultIPWindow
	}
	l.mu.Lock()
	l.ipPolicy = Policy{Scope: ScopeIP, Key: "*", Limit: limit, Window: window, Enabled: true}
	l.mu.Unlock()
}

func (l *Limiter) IPPolicy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ipPolicy
}

// Resolve picks the single policy for req. The returned Query is what that
// policy counts. err is non-nil only for store failures; ErrNoPolicy is
// handled here and never returned.
func (l *Limiter) Resolve(ctx context.Context, req Request) (Policy, Query, error) {
	if req.Anonymous() {
		return l.IPPolicy(), Query{Namespace: NamespaceIP, Identity: req.IP}, nil
	}
	user := Query{Namespace: NamespaceUser, Identity: req.Identity}

	if req.Endpoint != "" {
		for _, m := range []string{req.Method, WildcardMethod} {
			if m == "" {
				continue
			}
			p, ok, err := l.find(ctx, ScopeEndpoint, req.Endpoint, m)
			if err != nil {
				return Policy{}, Query{}, err
			}
			if ok {
				q := user
				q.Endpoint = req.Endpoint
				if m != WildcardMethod {
					q.Method = m
				}
				return p, q, nil
			}
		}
	}

	p, err := l.resolveIdentity(ctx, req)
	if errors.Is(err, ErrNoPolicy) {
		return Policy{Scope: ScopeRole, Key: req.Role, Limit: SafetyLimit, Window: SafetyWindow, Enabled: true}, user, nil
	}
	if err != nil {
		return Policy{}, Query{}, err
	}
	return p, user, nil
}

func (l *Limiter) resolveIdentity(ctx context.Context, req Request) (Policy, error) {
	if p, ok, err := l.find(ctx, ScopeUser, req.Identity, ""); err != nil || ok {
		return p, err
	}
	if req.Role != "" {
		if p, ok, err := l.find(ctx, ScopeRole, req.Role, ""); err != nil || ok {
			return p, err
		}
	}
	return Policy{}, ErrNoPolicy
}

func (l *Limiter) find(ctx context.Context, scope Scope, key, method string) (Policy, bool, error) {
	if l.policies == nil {
		return Policy{}, false, nil
	}
	p, ok, err := l.policies.Find(ctx, scope, key, method)
	if err != nil {
		return Policy{}, false, &CountingStoreError{Op: "policy lookup", Err: err}
	}
	if !ok || !p.Enabled || p.Limit <= 0 || p.Window <= 0 {
		return Policy{}, false, nil
	}
	return p, true, nil
}

// Check records the request and decides whether it may proceed. The request
// is logged before the decision, so a denied request still uses one slot.
//
// A non-nil error always comes with an allowed Decision (fail open).
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	now := l.now()

	pol, q, err := l.Resolve(ctx, req)
	if err != nil {
		return l.failOpen("resolve", pol, req, now, err), err
	}

	counter := l.counter
	if q.Namespace == NamespaceIP {
		counter = l.ipCounter
	}

	rec := RequestRecord{
		ID:        l.newID(),
		Namespace: q.Namespace,
		Identity:  q.Identity,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		At:        now,
	}
	since := now.Add(-pol.Window)
	used, op, err := recordAndCount(ctx, counter, rec, q, since)
	if err != nil {
		err = &CountingStoreError{Op: op, Err: err}
		return l.failOpen(op, pol, req, now, err), err
	}

	d := Decision{
		Allowed:   used <= pol.Limit,
		Limit:     pol.Limit,
		Remaining: max(pol.Limit-used, 0),
		Scope:     pol.Scope,
		Endpoint:  req.Endpoint,
		RecordID:  rec.ID,
		ResetAt:   now.Add(pol.Window),
		query:     q,
	}
	oldest, ok, err := counter.Oldest(ctx, q, since)
	if err != nil {
		l.logFailure("oldest", req, err)
	} else if ok {
		d.ResetAt = oldest.Add(pol.Window)
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	l.obs.ObserveDecision(d.Scope.Tag(), d.Allowed)
	return d, nil
}

// recordAndCount prefers the counter's single-step form. op names the step
// that failed.
func recordAndCount(ctx context.Context, c Counter, rec RequestRecord, q Query, since time.Time) (int, string, error) {
	if ac, ok := c.(AtomicCounter); ok {
		n, err := ac.RecordAndCount(ctx, rec, q, since)
		return n, "record", err
	}
	if err := c.Record(ctx, rec); err != nil {
		return 0, "record", err
	}
	n, err := c.Count(ctx, q, since)
	return n, "count", err
}

func (l *Limiter) failOpen(op string, pol Policy, req Request, now time.Time, err error) Decision {
	if pol.Limit <= 0 {
		pol = Policy{Scope: ScopeRole, Limit: SafetyLimit, Window: SafetyWindow}
		if req.Anonymous() {
			pol = l.IPPolicy()
		}
	}
	l.obs.ObserveFailOpen(op)
	l.logFailure(op, req, err)
	return Decision{
		Allowed:    true,
		Limit:      pol.Limit,
		Remaining:  pol.Limit,
		ResetAt:    now.Add(pol.Window),
		Scope:      pol.Scope,
		Endpoint:   req.Endpoint,
		FailedOpen: true,
	}
}

// logFailure is throttled so a store outage cannot flood the log.
func (l *Limiter) logFailure(op string, req Request, err error) {
	if !l.failLog.Allow() {
		return
	}
	l.log.Warn("rate limit check failed open",
		logx.String("op", op),
		logx.String("endpoint", req.Endpoint),
		logx.Err(err),
	)
}

// Prune drops records older than the largest window any policy may need.
func (l *Limiter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	retention = max(retention, l.IPPolicy().Window, SafetyWindow)
	if l.policies != nil {
		pols, err := l.policies.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("prune request log: list policies: %w", err)
		}
		for _, p := range pols {
			retention = max(retention, p.Window)
		}
	}
	before := l.now().Add(-retention)

	n, err := l.counter.Prune(ctx, before)
	if err != nil {
		return n, fmt.Errorf("prune request log: %w", err)
	}
	if l.ipCounter != l.counter {
		m, err := l.ipCounter.Prune(ctx, before)
		n += m
		if err != nil {
			return n, fmt.Errorf("prune ip log: %w", err)
		}
	}
	return n, nil
}

// RecordStatus attaches the response status to a recorded request when the
// counter keeps statuses. Errors are logged and dropped.
func (l *Limiter) RecordStatus(ctx context.Context, d Decision, anonymous bool, code int) {
	if d.RecordID == "" {
		return
	}
	c := l.counter
	if anonymous {
		c = l.ipCounter
	}
	sr, ok := c.(StatusRecorder)
	if !ok {
		return
	}
	if err := sr.SetStatus(ctx, d.query, d.RecordID, code); err != nil {
		l.logFailure("status", Request{Endpoint: d.Endpoint}, err)
	}
}
