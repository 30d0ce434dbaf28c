// Package eventbus is the in-process fanout used for one-way side effects
// (job lifecycle, notifications, policy changes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by taskpulse components.
const (
	JobStarted       = "job.started"
	JobFinished      = "job.finished"
	JobFailed        = "job.failed"
	JobDeadLettered  = "job.dead_lettered"
	SchedulerMode    = "scheduler.mode"
	Notification     = "notify.delivered"
	PolicyChanged    = "ratelimit.policy_changed"
	ConfigReloaded   = "config.reloaded"
	RiskSweepApplied = "risk.sweep_applied"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe delivers events of the given types, or all events when none are named.
func (b *MemBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
