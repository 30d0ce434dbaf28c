// Package memory provides process-local implementations of the ratelimit
// stores. The counter backs the anonymous IP tier by default; both are used
// in tests and when no persistent store is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/ratelimit"
)

type bucket struct {
	mu      sync.Mutex
	entries []ratelimit.RequestRecord // ordered by At
	// dead is set under mu once Prune has unlinked the bucket.
	dead bool
}

// Counter keeps records per (namespace, identity).
type Counter struct {
	buckets sync.Map // key -> *bucket
}

var (
	_ ratelimit.AtomicCounter  = (*Counter)(nil)
	_ ratelimit.StatusRecorder = (*Counter)(nil)
)

func NewCounter() *Counter { return &Counter{} }

func bucketKey(ns ratelimit.Namespace, identity string) string {
	return string(ns) + ":" + identity
}

// lock returns the live bucket for (ns, identity) with its mutex held. A
// bucket Prune unlinked in the meantime is skipped.
func (c *Counter) lock(ns ratelimit.Namespace, identity string) *bucket {
	key := bucketKey(ns, identity)
	for {
		v, _ := c.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// load returns the bucket for q with its mutex held, or nil.
func (c *Counter) load(q ratelimit.Query) *bucket {
	v, ok := c.buckets.Load(bucketKey(q.Namespace, q.Identity))
	if !ok {
		return nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	return b
}

func (b *bucket) insert(rec ratelimit.RequestRecord) {
	// Keep entries sorted even if clocks hand out out-of-order times.
	i := len(b.entries)
	for i > 0 && b.entries[i-1].At.After(rec.At) {
		i--
	}
	b.entries = append(b.entries, ratelimit.RequestRecord{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = rec
}

func (b *bucket) count(q ratelimit.Query, since time.Time) int {
	n := 0
	for _, e := range b.entries {
		if e.At.After(since) && q.Matches(e) {
			n++
		}
	}
	return n
}

func (c *Counter) Record(_ context.Context, rec ratelimit.RequestRecord) error {
	b := c.lock(rec.Namespace, rec.Identity)
	defer b.mu.Unlock()
	b.insert(rec)
	return nil
}

// RecordAndCount inserts rec and counts q's window under one bucket lock.
// q must name the bucket rec lands in.
func (c *Counter) RecordAndCount(_ context.Context, rec ratelimit.RequestRecord, q ratelimit.Query, since time.Time) (int, error) {
	if q.Namespace != rec.Namespace || q.Identity != rec.Identity {
		return 0, fmt.Errorf("memory counter: query %s does not match record %s",
			bucketKey(q.Namespace, q.Identity), bucketKey(rec.Namespace, rec.Identity))
	}
	b := c.lock(rec.Namespace, rec.Identity)
	defer b.mu.Unlock()
	b.insert(rec)
	return b.count(q, since), nil
}

func (c *Counter) Count(_ context.Context, q ratelimit.Query, since time.Time) (int, error) {
	b := c.load(q)
	if b == nil {
		return 0, nil
	}
	defer b.mu.Unlock()
	return b.count(q, since), nil
}

func (c *Counter) Oldest(_ context.Context, q ratelimit.Query, since time.Time) (time.Time, bool, error) {
	b := c.load(q)
	if b == nil {
		return time.Time{}, false, nil
	}
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.At.After(since) && q.Matches(e) {
			return e.At, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Prune drops records older than before. A bucket left empty is marked dead
// and unlinked while still locked, so Record never writes into it.
func (c *Counter) Prune(_ context.Context, before time.Time) (int64, error) {
	var removed int64
	c.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		defer b.mu.Unlock()
		i := 0
		for i < len(b.entries) && b.entries[i].At.Before(before) {
			i++
		}
		removed += int64(i)
		b.entries = append(b.entries[:0], b.entries[i:]...)
		if len(b.entries) == 0 && !b.dead {
			b.dead = true
			c.buckets.CompareAndDelete(k, b)
		}
		return true
	})
	return removed, nil
}

// SetStatus updates the record id in q's bucket.
func (c *Counter) SetStatus(_ context.Context, q ratelimit.Query, id string, code int) error {
	b := c.load(q)
	if b == nil {
		return nil
	}
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].ID == id {
			b.entries[i].StatusCode = code
			return nil
		}
	}
	return nil
}
