package ratelimit

import (
	"context"
	"strings"
	"time"
)

type Scope string

const (
	ScopeIP       Scope = "IP"
	ScopeEndpoint Scope = "ENDPOINT"
	ScopeUser     Scope = "USER"
	ScopeRole     Scope = "ROLE"
)

// ParseScope normalizes case. Unknown values are returned as-is and fail Validate.
func ParseScope(s string) Scope { return Scope(strings.ToUpper(strings.TrimSpace(s))) }

// Tag is the value written to X-RateLimit-Type.
func (s Scope) Tag() string { return strings.ToLower(string(s)) }

// WildcardMethod on an endpoint policy matches every method of the path.
const WildcardMethod = "*"

// Policy is one row of rate-limit configuration. Method is only meaningful for
// ENDPOINT policies and is empty for the other scopes.
type Policy struct {
	Scope   Scope         `json:"scope"`
	Key     string        `json:"key"`
	Method  string        `json:"method,omitempty"`
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"-"`
	Enabled bool          `json:"enabled"`
}

// WindowSeconds is the admin-facing form of Window.
func (p Policy) WindowSeconds() int64 { return int64(p.Window / time.Second) }

// MaxWindowSeconds caps a policy window at one leap year.
const MaxWindowSeconds = 366 * 24 * 60 * 60

// WindowFromSeconds converts an admin-facing window. Values outside
// [1, MaxWindowSeconds] give a zero window, which Validate rejects.
func WindowFromSeconds(s int64) time.Duration {
	if s <= 0 || s > MaxWindowSeconds {
		return 0
	}
	return time.Duration(s) * time.Second
}

// Normalize canonicalizes case and the method field. Config seeding uses it;
// admin writes go through Validate untouched.
func (p Policy) Normalize() Policy {
	p.Scope = ParseScope(string(p.Scope))
	p.Key = strings.TrimSpace(p.Key)
	if p.Scope == ScopeEndpoint {
		p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
		if p.Method == "" {
			p.Method = WildcardMethod
		}
	} else {
		p.Method = ""
	}
	return p
}

// Namespace partitions the request log. Anonymous traffic is counted per IP
// and never mixes with authenticated counters.
type Namespace string

const (
	NamespaceIP   Namespace = "ip"
	NamespaceUser Namespace = "user"
)

// RequestRecord is one append-only usage entry.
type RequestRecord struct {
	ID         string
	Namespace  Namespace
	Identity   string
	Endpoint   string
	Method     string
	At         time.Time
	StatusCode int
}

// Query selects the records a policy counts. Empty Endpoint counts every
// endpoint of the identity; empty Method counts every method of the endpoint.
type Query struct {
	Namespace Namespace
	Identity  string
	Endpoint  string
	Method    string
}

// Matches reports whether rec falls under q (the window is checked separately).
func (q Query) Matches(rec RequestRecord) bool {
	if rec.Namespace != q.Namespace || rec.Identity != q.Identity {
		return false
	}
	if q.Endpoint != "" && rec.Endpoint != q.Endpoint {
		return false
	}
	if q.Method != "" && rec.Method != q.Method {
		return false
	}
	return true
}

// Counter is the counting authority. Counts cover records with At in
// (since, now], i.e. the trailing window including the request just recorded.
type Counter interface {
	Record(ctx context.Context, rec RequestRecord) error
	Count(ctx context.Context, q Query, since time.Time) (int, error)
	// Oldest returns the earliest record time inside the window.
	Oldest(ctx context.Context, q Query, since time.Time) (time.Time, bool, error)
	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// AtomicCounter is implemented by counters that can record a request and
// count its window in one step. Concurrent callers then see distinct counts.
type AtomicCounter interface {
	RecordAndCount(ctx context.Context, rec RequestRecord, q Query, since time.Time) (int, error)
}

// StatusRecorder is implemented by counters that keep the response status.
// q is the query the record was counted under.
type StatusRecorder interface {
	SetStatus(ctx context.Context, q Query, id string, code int) error
}

// PolicyStore persists admin-managed policies.
type PolicyStore interface {
	// Find returns the policy for (scope, key, method); ok is false when none exists.
	Find(ctx context.Context, scope Scope, key, method string) (Policy, bool, error)
	List(ctx context.Context) ([]Policy, error)
	Upsert(ctx context.Context, p Policy) error
	Delete(ctx context.Context, scope Scope, key, method string) (bool, error)
}

// Request is what the limiter needs to know about one incoming call.
type Request struct {
	Identity string
	Role     string
	IP       string
	Endpoint string
	Method   string
}

func (r Request) Anonymous() bool { return strings.TrimSpace(r.Identity) == "" }

// Decision is the outcome of Check; all fields are populated whether or not
// the request is allowed.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Scope      Scope
	Endpoint   string
	RetryAfter time.Duration
	RecordID   string
	// query locates RecordID for RecordStatus.
	query Query
	// FailedOpen marks a decision taken without consulting the counter.
	FailedOpen bool
}

// RetryAfterSeconds rounds up and never returns less than 1 for a denial.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}
