package notify

import (
	"context"
	"time"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps dedup windows in storage so they survive restarts.
	PersistDedup bool
}

// Payload is the body of a notification. Key, when set, identifies the
// notification for deduplication; otherwise one is derived from the content.
type Payload struct {
	Kind   string         `json:"kind"`
	Title  string         `json:"title"`
	Body   string         `json:"body,omitempty"`
	TaskID string         `json:"task_id,omitempty"`
	Key    string         `json:"key,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type Message struct {
	UserID  string    `json:"user_id"`
	Payload Payload   `json:"payload"`
	At      time.Time `json:"at"`
}

// Notifier is the interface jobs depend on.
type Notifier interface {
	Notify(ctx context.Context, userID string, p Payload) error
}

// Sink performs the actual delivery.
type Sink interface {
	Deliver(ctx context.Context, m Message) error
}

// DedupStore persists dedup windows (implemented by storage.SQLite).
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

// Observer counts outcomes (metrics).
type Observer interface {
	ObserveNotify(outcome string)
}

const (
	OutcomeQueued    = "queued"
	OutcomeDelivered = "delivered"
	OutcomeDeduped   = "deduped"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Deduped   uint64 `json:"deduped"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}
