package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/task/engine"
)

// Backend modes, also used as the metrics/events backend label.
const (
	ModeQueue    = "queue"
	ModeInterval = "interval"
	ModeDisabled = "disabled"
)

var (
	ErrBrokerUnavailable = errors.New("scheduler: broker unavailable")
	ErrInvalidJob        = errors.New("scheduler: invalid job definition")
)

// Config controls the scheduler service.
type Config struct {
	// Disabled is the kill switch: definitions are recorded but nothing fires.
	Disabled bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// JobDefinition is registered once at bootstrap. Name is the idempotency key.
type JobDefinition struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one attempt; zero means no limit.
	Timeout time.Duration
	// Retry applies to the queue backend only.
	Retry   engine.RetryPolicy
	Handler engine.Handler
}

func (d JobDefinition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if d.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be > 0", ErrInvalidJob, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s: handler required", ErrInvalidJob, d.Name)
	}
	return nil
}

// Backend fires registered jobs. Schedule is an upsert keyed by name and may
// be called before or after Start.
type Backend interface {
	Mode() string
	Schedule(def JobDefinition) error
	Unschedule(name string) bool
	Start(ctx context.Context) error
	// Stop releases backend resources. Queue workers are drained before it
	// returns unless ctx expires first.
	Stop(ctx context.Context) error
	Schedules(ctx context.Context) []ScheduleInfo
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

type ScheduleInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	MaxAttempts  int           `json:"max_attempts"`
	StartupDelay time.Duration `json:"startup_delay,omitempty"`
	Next         time.Time     `json:"next,omitzero"`
	Prev         time.Time     `json:"prev,omitzero"`
}

// DeadLetter is a job run that exhausted its retry budget.
type DeadLetter struct {
	ID       string    `json:"id"`
	Job      string    `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type Snapshot struct {
	Enabled     bool                 `json:"enabled"`
	Mode        string               `json:"mode"`
	Timezone    string               `json:"timezone"`
	Schedules   []ScheduleInfo       `json:"schedules"`
	History     []engine.HistoryItem `json:"history"`
	DeadLetters []DeadLetter         `json:"dead_letters"`
}

// LoadLocation resolves tz, falling back to time.Local for empty or unknown
// names. ok is false when tz was set but could not be loaded.
func LoadLocation(tz string) (loc *time.Location, ok bool) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, true
	}
	l, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, false
	}
	return l, true
}
