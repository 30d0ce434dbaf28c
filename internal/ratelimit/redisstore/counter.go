// Package redisstore keeps the request log in Redis sorted sets so several
// processes can share one counting authority.
//
// Every record is added to three sets: one per identity, one per
// identity+endpoint and one per identity+endpoint+method. The score is the
// record time in milliseconds, the member is the record id. A Query maps to
// exactly one of the three sets.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpulse/internal/ratelimit"
)

const defaultPrefix = "taskpulse:rl"

type Counter struct {
	rdb    redis.UniversalClient
	prefix string
	// ttl bounds how long an idle key lives; refreshed on every write.
	ttl time.Duration
}

type Option func(*Counter)

func WithPrefix(p string) Option {
	return func(c *Counter) {
		if p != "" {
			c.prefix = p
		}
	}
}

// WithTTL should be at least the largest policy window.
func WithTTL(d time.Duration) Option {
	return func(c *Counter) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func NewCounter(rdb redis.UniversalClient, opts ...Option) *Counter {
	c := &Counter{rdb: rdb, prefix: defaultPrefix, ttl: 24 * time.Hour}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key returns the sorted set a query reads.
func (c *Counter) Key(q ratelimit.Query) string {
	k := c.prefix + ":" + string(q.Namespace) + ":" + q.Identity
	if q.Endpoint == "" {
		return k
	}
	k += ":" + q.Endpoint
	if q.Method == "" {
		return k
	}
	return k + ":" + q.Method
}

func (c *Counter) keysFor(rec ratelimit.RequestRecord) []string {
	base := ratelimit.Query{Namespace: rec.Namespace, Identity: rec.Identity}
	keys := []string{c.Key(base)}
	if rec.Endpoint != "" {
		base.Endpoint = rec.Endpoint
		keys = append(keys, c.Key(base))
		if rec.Method != "" {
			base.Method = rec.Method
			keys = append(keys, c.Key(base))
		}
	}
	return keys
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (c *Counter) record(ctx context.Context, p redis.Pipeliner, rec ratelimit.RequestRecord) {
	z := redis.Z{Score: score(rec.At), Member: rec.ID}
	floor := strconv.FormatInt(rec.At.Add(-c.ttl).UnixMilli(), 10)
	for _, k := range c.keysFor(rec) {
		p.ZAdd(ctx, k, z)
		p.ZRemRangeByScore(ctx, k, "-inf", "("+floor)
		p.PExpire(ctx, k, c.ttl)
	}
}

func (c *Counter) Record(ctx context.Context, rec ratelimit.RequestRecord) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.record(ctx, p, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record: %w", err)
	}
	return nil
}

// RecordAndCount runs the record and the window count in one MULTI block.
func (c *Counter) RecordAndCount(ctx context.Context, rec ratelimit.RequestRecord, q ratelimit.Query, since time.Time) (int, error) {
	var n *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.record(ctx, p, rec)
		n = p.ZCount(ctx, c.Key(q), windowFloor(since), "+inf")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis record: %w", err)
	}
	return int(n.Val()), nil
}

func windowFloor(since time.Time) string {
	return "(" + strconv.FormatInt(since.UnixMilli(), 10)
}

func (c *Counter) Count(ctx context.Context, q ratelimit.Query, since time.Time) (int, error) {
	n, err := c.rdb.ZCount(ctx, c.Key(q), windowFloor(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(n), nil
}

func (c *Counter) Oldest(ctx context.Context, q ratelimit.Query, since time.Time) (time.Time, bool, error) {
	res, err := c.rdb.ZRangeByScoreWithScores(ctx, c.Key(q), &redis.ZRangeBy{
		Min:    windowFloor(since),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis oldest: %w", err)
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}

// Prune walks every key under the prefix. Record already trims the sets it
// touches, so this only matters for identities that went quiet.
func (c *Counter) Prune(ctx context.Context, before time.Time) (int64, error) {
	hi := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var removed int64
	iter := c.rdb.Scan(ctx, 0, c.prefix+":*", 500).Iterator()
	for iter.Next(ctx) {
		n, err := c.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", hi).Result()
		if err != nil {
			return removed, fmt.Errorf("redis prune %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis prune scan: %w", err)
	}
	return removed, nil
}
