package engine

import (
	"context"
	"sync"
	"time"
)

// Handler is the body of a recurring job. It must be idempotent: backends
// deliver at-least-once and the interval backend may overlap runs.
type Handler func(ctx context.Context) error

// RetryPolicy bounds attempts for the queue backend. The interval backend
// always runs a single attempt.
type RetryPolicy struct {
	// MaxAttempts counts the first run; 1 means no retry.
	MaxAttempts int
	// Seed is the lower bound of the first retry delay; each later retry
	// doubles it. Jitter picks a value in [d, 2d).
	Seed     time.Duration
	MaxDelay time.Duration
}

var (
	// RetryLight suits cheap, frequent jobs.
	RetryLight = RetryPolicy{MaxAttempts: 3, Seed: 5 * time.Second, MaxDelay: 2 * time.Minute}
	// RetryHeavy suits expensive jobs where hammering a failing dependency hurts.
	RetryHeavy = RetryPolicy{MaxAttempts: 2, Seed: 30 * time.Second, MaxDelay: 5 * time.Minute}
	RetryNone  = RetryPolicy{MaxAttempts: 1}
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Seed <= 0 {
		p.Seed = RetryLight.Seed
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * p.Seed
	}
	return p
}

// Normalize fills zero fields.
func (p RetryPolicy) Normalize() RetryPolicy { return p.withDefaults() }

// RunState gates overlapping runs of one job name.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Attempt is one execution request handed to the executor by a backend.
type Attempt struct {
	ID      string
	Job     string
	Backend string
	Number  int
	Max     int
	Timeout time.Duration
	Handler Handler
	// SkipIfRunning rejects the attempt with ErrOverlapSkip while another run
	// of the same job is in flight in this process.
	SkipIfRunning bool
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Backend  string        `json:"backend"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// JobEvent is published on the event bus for lifecycle changes.
type JobEvent struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Backend  string        `json:"backend"`
	Attempt  int           `json:"attempt"`
	Max      int           `json:"max"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Observer receives one call per finished attempt (metrics).
type Observer interface {
	ObserveJob(job, backend, outcome string, dur time.Duration)
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeDead    = "dead_letter"
)
